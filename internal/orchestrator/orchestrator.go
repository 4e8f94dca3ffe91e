package orchestrator

// #region imports
import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/config"
	"github.com/danielpatrickdp/al-controller/internal/detect"
	"github.com/danielpatrickdp/al-controller/internal/indexset"
	"github.com/danielpatrickdp/al-controller/internal/iteration"
	"github.com/danielpatrickdp/al-controller/internal/lock"
	"github.com/danielpatrickdp/al-controller/internal/logging"
	"github.com/danielpatrickdp/al-controller/internal/metrics"
	"github.com/danielpatrickdp/al-controller/internal/selection"
	"github.com/danielpatrickdp/al-controller/internal/trajectory"
)

// #endregion

var tracer = otel.Tracer("al-controller/orchestrator")

// #region options

// Options carries optional infrastructure. A nil DB disables the
// provenance log and strategy memory.
type Options struct {
	DB      *sql.DB
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Rand    *rand.Rand
}

// #endregion

// #region orchestrator-struct

// Orchestrator drives the propose → commit → retrain loop over one
// workspace. Commit, Reset and Propose are mutually exclusive across
// goroutines and processes; a second caller fails fast with
// ErrConcurrencyViolation.
type Orchestrator struct {
	cfg        config.Config
	caps       Capabilities
	store      *iteration.Store
	backend    Backend
	selector   *selection.Selector
	strategies *StrategySelector
	memory     *StrategyMemory
	db         *sql.DB
	timing     *logging.TimingLog
	guard      *lock.Guard
	metrics    *metrics.Metrics
	logger     *slog.Logger
	runID      string
}

// #endregion

// #region constructor

// New wires an orchestrator over store. cfg must already be validated.
func New(cfg config.Config, store *iteration.Store, backend Backend, opts Options) (*Orchestrator, error) {
	if backend.Data == nil || backend.Trainer == nil {
		return nil, alerr.New(alerr.ErrConfiguration, "orchestrator", -1, "data provider and trainer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(cfg.Seed, 0))
	}

	epochs := trajectory.EpochRange{Start: cfg.Epochs.Start, End: cfg.Epochs.End, Stride: cfg.Epochs.Stride}
	if err := epochs.Validate(); err != nil {
		return nil, err
	}

	caps := Capabilities{ActiveLearning: cfg.Mode.ActiveLearning, AnomalyLabels: cfg.Mode.AnomalyLabels}
	if caps.AnomalyLabels && backend.Labels == nil && cfg.Mode.CleanLabelPath != "" {
		labels, err := selection.LoadLabelFile(cfg.Mode.CleanLabelPath)
		if err != nil {
			return nil, alerr.Wrap(alerr.ErrConfiguration, "orchestrator", -1, err)
		}
		backend.Labels = labels
	}

	o := &Orchestrator{
		cfg:     cfg,
		caps:    caps,
		store:   store,
		backend: backend,
		db:      opts.DB,
		timing:  logging.NewTimingLog(filepath.Join(store.Root(), iteration.TimingLogFile)),
		guard:   lock.New(filepath.Join(store.Root(), lock.FileName)),
		metrics: m,
		logger:  logger.With(slog.String("component", "orchestrator")),
		runID:   uuid.NewString(),
	}

	if o.db != nil {
		mem, err := NewStrategyMemory(o.db)
		if err != nil {
			return nil, err
		}
		o.memory = mem
	}
	o.strategies = NewStrategySelector(o.memory, cfg.Selection.Strategy, caps, o.logger)

	o.selector = selection.New(selection.Deps{
		Data:      backend.Data,
		Inference: backend.Inference,
		Projector: backend.Projector,
		Trajectories: trajectory.NewCache(store, trajectory.Options{
			Concurrency: cfg.Detection.Concurrency,
			Logger:      logger,
			OnBuild: func(iter int, elapsed time.Duration) {
				o.recordStage(logging.StageTrajectory, "", iter, elapsed)
			},
		}),
		Detector: detect.NewDetector(store, detect.Options{
			Logger: logger,
			OnFit: func(iter int, s detect.Strategy, elapsed time.Duration) {
				o.recordStage(logging.StageClustering, string(s), iter, elapsed)
			},
		}),
		Labels: backend.Labels,
		Rand:   rng,
		Epochs: epochs,
		Params: detect.Params{NumClusters: cfg.Detection.NumClusters, Period: cfg.Detection.Period},
		Logger: logger,
	})

	if cur, ok := store.CurrentMaxIteration(); ok {
		o.refreshGauges(cur)
	} else {
		m.SetIteration(-1, 0)
	}
	return o, nil
}

// RunID identifies this orchestrator instance in provenance rows.
func (o *Orchestrator) RunID() string { return o.runID }

// Capabilities reports the enabled operations.
func (o *Orchestrator) Capabilities() Capabilities { return o.caps }

// #endregion

// #region bootstrap

// Bootstrap creates iteration 0 from an initial labeled set and checkpoint.
// It fails if the workspace already has iterations.
func (o *Orchestrator) Bootstrap(ctx context.Context, labeled []int, ckpt iteration.Checkpoint) (int, error) {
	_, span := tracer.Start(ctx, "orchestrator.Bootstrap")
	defer span.End()

	release, err := o.guard.TryAcquire("bootstrap")
	if err != nil {
		return 0, o.fail(span, "bootstrap", err)
	}
	defer release()

	if cur, ok := o.store.CurrentMaxIteration(); ok {
		return 0, o.fail(span, "bootstrap", alerr.New(alerr.ErrInvalidArgument, "bootstrap", cur, "workspace already initialized"))
	}
	iter, err := o.store.CreateNextIteration(indexset.New(labeled...), ckpt)
	if err != nil {
		return 0, o.fail(span, "bootstrap", err)
	}
	o.refreshGauges(iter)
	return iter, nil
}

// #endregion

// #region propose

// Propose selects the next batch for the human and records it as the
// iteration's human selection. Labels are not changed. A zero Budget uses
// the configured default.
func (o *Orchestrator) Propose(ctx context.Context, req ProposeRequest) (Proposal, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Propose", trace.WithAttributes(attribute.Int("iteration", req.Iteration)))
	defer span.End()
	start := time.Now()

	p, err := o.propose(ctx, req)
	rec := logging.DecisionRecord{Budget: req.Budget, Proposed: p.Indices, Capped: p.Capped, Accepted: req.Accepted, Rejected: req.Rejected}
	o.finish(span, logging.OpPropose, req.Iteration, string(p.Strategy), start, rec, err)
	if err != nil {
		return Proposal{}, err
	}
	p.Elapsed = time.Since(start)
	return p, nil
}

func (o *Orchestrator) propose(ctx context.Context, req ProposeRequest) (Proposal, error) {
	if !o.caps.ActiveLearning && !o.caps.AnomalyLabels {
		return Proposal{}, alerr.New(alerr.ErrConfiguration, "propose", req.Iteration, "workspace has neither active learning nor anomaly labels enabled")
	}
	strategy, err := o.strategies.Resolve(req.Strategy)
	if err != nil {
		return Proposal{}, err
	}
	budget := req.Budget
	if budget == 0 {
		budget = o.cfg.Selection.Budget
	}
	acc, rej := indexset.New(req.Accepted...), indexset.New(req.Rejected...)
	if both := indexset.Intersection(acc, rej); len(both) > 0 {
		return Proposal{Strategy: strategy}, alerr.New(alerr.ErrInvalidArgument, "propose", req.Iteration, "accepted and rejected overlap on %v", both)
	}

	release, err := o.guard.TryAcquire("propose")
	if err != nil {
		return Proposal{Strategy: strategy}, err
	}
	defer release()

	seen, err := o.store.SeenIndices(req.Iteration)
	if err != nil {
		return Proposal{Strategy: strategy}, err
	}

	queryStart := time.Now()
	res, err := o.selector.Select(ctx, selection.Request{
		Strategy:  strategy,
		Iteration: req.Iteration,
		Labeled:   seen,
		Accepted:  acc,
		Rejected:  rej,
		Budget:    budget,
	})
	if err != nil {
		return Proposal{Strategy: strategy}, err
	}
	o.recordStage(logging.StageQuery, string(strategy), req.Iteration, time.Since(queryStart))

	if err := o.store.RecordHumanSelection(req.Iteration, res.Indices); err != nil {
		return Proposal{Strategy: strategy}, err
	}
	o.metrics.Selected.WithLabelValues(string(strategy)).Add(float64(len(res.Indices)))

	return Proposal{
		RunID:     o.runID,
		Iteration: req.Iteration,
		Strategy:  strategy,
		Indices:   res.Indices,
		Labels:    res.Labels,
		Scores:    res.Scores,
		Capped:    res.Capped,
	}, nil
}

// #endregion

// #region commit

// Commit records the human's decision on the newest iteration, retrains
// on the grown label set and creates the next iteration. A trainer error
// leaves the iteration sequence unchanged.
func (o *Orchestrator) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Commit", trace.WithAttributes(attribute.Int("iteration", req.Iteration)))
	defer span.End()
	start := time.Now()

	res, strategy, err := o.commit(ctx, req)
	rec := logging.DecisionRecord{Accepted: req.Accepted, Rejected: req.Rejected, Labeled: res.Labeled}
	if err == nil {
		rec.NewIter = &res.Iteration
		rec.Timings = map[string]float64{logging.StageTraining: res.Training.Seconds()}
	}
	o.finish(span, logging.OpCommit, req.Iteration, string(strategy), start, rec, err)
	if err != nil {
		return CommitResult{}, err
	}
	return res, nil
}

func (o *Orchestrator) commit(ctx context.Context, req CommitRequest) (CommitResult, selection.Strategy, error) {
	if !o.caps.ActiveLearning {
		return CommitResult{}, "", alerr.New(alerr.ErrConfiguration, "commit", req.Iteration, "active learning is disabled for this workspace")
	}
	release, err := o.guard.TryAcquire("commit")
	if err != nil {
		return CommitResult{}, "", err
	}
	defer release()

	cur, ok := o.store.CurrentMaxIteration()
	if !ok {
		return CommitResult{}, "", alerr.New(alerr.ErrNotFound, "commit", req.Iteration, "workspace has no iterations")
	}
	if req.Iteration != cur {
		return CommitResult{}, "", alerr.New(alerr.ErrInvalidArgument, "commit", req.Iteration, "only the newest iteration %d can be committed", cur)
	}

	if err := o.store.RecordAcceptReject(req.Iteration, req.Accepted, req.Rejected); err != nil {
		return CommitResult{}, "", err
	}
	strategy := o.proposedStrategy(req)

	labeled, err := o.store.LoadLabeledIndices(req.Iteration)
	if err != nil {
		return CommitResult{}, strategy, err
	}
	next := indexset.Union(labeled, indexset.New(req.Accepted...))
	if o.cfg.Selection.IncludeRejected {
		next.Add(req.Rejected...)
	}

	base, err := o.store.LoadCheckpoint(req.Iteration)
	if err != nil && !errors.Is(err, alerr.ErrNotFound) {
		return CommitResult{}, strategy, err
	}

	trainStart := time.Now()
	ckpt, err := o.backend.Trainer.Train(ctx, base, next.Sorted())
	training := time.Since(trainStart)
	if err != nil {
		return CommitResult{}, strategy, alerr.Wrap(alerr.ErrTrainingFailure, "train", req.Iteration, err).WithStrategy(string(strategy))
	}

	newIter, err := o.store.CreateNextIteration(next, ckpt)
	if err != nil {
		return CommitResult{}, strategy, err
	}
	o.recordStage(logging.StageTraining, string(strategy), newIter, training)
	o.metrics.ObserveDecisions(len(req.Accepted), len(req.Rejected))
	o.recordOutcome(req, strategy)
	o.refreshGauges(newIter)

	return CommitResult{RunID: o.runID, Iteration: newIter, Labeled: next.Len(), Training: training}, strategy, nil
}

// proposedStrategy returns the strategy that produced the batch being
// committed: the request's, else the newest successful proposal logged
// for the iteration.
func (o *Orchestrator) proposedStrategy(req CommitRequest) selection.Strategy {
	if req.Strategy != "" {
		if s, err := selection.ParseStrategy(req.Strategy); err == nil {
			return s
		}
	}
	if o.db == nil {
		return ""
	}
	rows, err := logging.ListDecisions(o.db, req.Iteration, 0)
	if err != nil {
		o.logger.Warn("provenance lookup failed", slog.Int("iteration", req.Iteration), slog.Any("error", err))
		return ""
	}
	for _, r := range rows {
		if r.Operation == logging.OpPropose && r.Decision == logging.DecisionOK && r.Strategy != "" {
			return selection.Strategy(r.Strategy)
		}
	}
	return ""
}

func (o *Orchestrator) recordOutcome(req CommitRequest, strategy selection.Strategy) {
	if o.memory == nil || strategy == "" {
		return
	}
	proposed, err := o.store.LoadHumanSelection(req.Iteration)
	if err != nil || len(proposed) == 0 {
		return
	}
	shown := indexset.New(proposed...)
	rec := OutcomeRecord{
		RunID:     o.runID,
		Iteration: req.Iteration,
		Strategy:  strategy,
		Proposed:  len(proposed),
		Accepted:  len(indexset.Intersection(shown, indexset.New(req.Accepted...))),
		Rejected:  len(indexset.Intersection(shown, indexset.New(req.Rejected...))),
	}
	if err := o.memory.RecordOutcome(rec); err != nil {
		o.logger.Warn("failed to record strategy outcome", slog.Any("error", err))
	}
}

// #endregion

// #region reset

// Reset discards every iteration >= target. It returns the new newest
// iteration, with ok false when none remain.
func (o *Orchestrator) Reset(ctx context.Context, target int) (current int, ok bool, err error) {
	_, span := tracer.Start(ctx, "orchestrator.Reset", trace.WithAttributes(attribute.Int("target", target)))
	defer span.End()
	start := time.Now()

	err = o.reset(target)
	current, ok = o.store.CurrentMaxIteration()
	o.finish(span, logging.OpReset, target, "", start, logging.DecisionRecord{}, err)
	if err != nil {
		return current, ok, err
	}
	if ok {
		o.refreshGauges(current)
	} else {
		o.metrics.SetIteration(-1, 0)
	}
	return current, ok, nil
}

func (o *Orchestrator) reset(target int) error {
	release, err := o.guard.TryAcquire("reset")
	if err != nil {
		return err
	}
	defer release()

	if err := o.store.TruncateFrom(target); err != nil {
		return err
	}
	if o.memory != nil {
		if err := o.memory.ForgetFrom(target); err != nil {
			o.logger.Warn("failed to prune strategy memory", slog.Any("error", err))
		}
	}
	return nil
}

// #endregion

// #region suggest-normal

// SuggestNormal returns examples the detector considers least abnormal,
// for the anomaly workflow's "show me normal samples" request. Nothing is
// persisted.
func (o *Orchestrator) SuggestNormal(ctx context.Context, iter int, strategy string, budget int) (Proposal, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.SuggestNormal", trace.WithAttributes(attribute.Int("iteration", iter)))
	defer span.End()
	start := time.Now()

	p, err := o.suggestNormal(ctx, iter, strategy, budget)
	o.finish(span, logging.OpSuggestNormal, iter, string(p.Strategy), start, logging.DecisionRecord{Budget: budget, Proposed: p.Indices}, err)
	if err != nil {
		return Proposal{}, err
	}
	p.Elapsed = time.Since(start)
	return p, nil
}

func (o *Orchestrator) suggestNormal(ctx context.Context, iter int, name string, budget int) (Proposal, error) {
	if !o.caps.AnomalyLabels {
		return Proposal{}, alerr.New(alerr.ErrConfiguration, "suggest normal", iter, "anomaly labels are disabled for this workspace")
	}
	if name == "" {
		name = string(defaultFor(o.caps))
	}
	strategy, err := selection.ParseStrategy(name)
	if err != nil {
		return Proposal{}, err
	}
	if budget == 0 {
		budget = o.cfg.Selection.Budget
	}
	seen, err := o.store.SeenIndices(iter)
	if err != nil {
		return Proposal{Strategy: strategy}, err
	}
	res, err := o.selector.SelectNormal(ctx, strategy, iter, budget, seen)
	if err != nil {
		return Proposal{Strategy: strategy}, err
	}
	return Proposal{
		RunID:     o.runID,
		Iteration: iter,
		Strategy:  strategy,
		Indices:   res.Indices,
		Labels:    res.Labels,
		Scores:    res.Scores,
		Capped:    res.Capped,
	}, nil
}

// #endregion

// #region status

// Status reports the iteration ledger and the current recommendation.
func (o *Orchestrator) Status() (Status, error) {
	cur, _ := o.store.CurrentMaxIteration()
	st := Status{Current: cur, Iterations: o.store.List()}
	if o.memory != nil {
		best, rate, err := o.memory.BestStrategy()
		if err != nil {
			return st, fmt.Errorf("best strategy: %w", err)
		}
		st.BestStrategy, st.BestRate = best, rate
	}
	return st, nil
}

// Timings returns the recorded stage timings, stage -> iteration -> seconds.
func (o *Orchestrator) Timings() (map[string]map[string]float64, error) {
	return o.timing.Load()
}

// #endregion

// #region instrumentation

func (o *Orchestrator) recordStage(stage, strategy string, iter int, elapsed time.Duration) {
	o.metrics.ObserveStage(stage, strategy, elapsed)
	if err := o.timing.Record(stage, iter, elapsed); err != nil {
		o.logger.Warn("failed to record timing", slog.String("stage", stage), slog.Any("error", err))
	}
	o.logger.Info("stage finished",
		slog.String("stage", stage),
		slog.Int("iteration", iter),
		slog.String("strategy", strategy),
		slog.Duration("elapsed", elapsed))
}

func (o *Orchestrator) refreshGauges(iter int) {
	labeled := 0
	if set, err := o.store.LoadLabeledIndices(iter); err == nil {
		labeled = set.Len()
	}
	o.metrics.SetIteration(iter, labeled)
}

// fail closes out an operation that has no provenance row of its own.
func (o *Orchestrator) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.metrics.ObserveError(op, kindLabel(err))
	return err
}

// finish records the span status, error metrics and provenance row for a
// completed operation.
func (o *Orchestrator) finish(span trace.Span, op logging.Operation, iter int, strategy string, start time.Time, rec logging.DecisionRecord, err error) {
	elapsed := time.Since(start)
	span.SetAttributes(attribute.String("strategy", strategy), attribute.String("run_id", o.runID))

	entry := logging.ProvenanceEntry{
		RunID:     o.runID,
		Iteration: iter,
		Operation: op,
		Strategy:  strategy,
		Decision:  logging.DecisionOK,
		Elapsed:   elapsed,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rec.ErrorKind = kindLabel(err)
		o.metrics.ObserveError(string(op), rec.ErrorKind)
		entry.Decision = logging.DecisionError
		entry.Reason = err.Error()
		o.logger.Warn("operation failed",
			slog.String("operation", string(op)),
			slog.Int("iteration", iter),
			slog.String("strategy", strategy),
			slog.Any("error", err))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if o.db == nil {
		return
	}
	if b, merr := json.Marshal(rec); merr == nil {
		entry.DetailJSON = string(b)
	}
	if lerr := logging.LogDecision(o.db, entry); lerr != nil {
		o.logger.Warn("failed to log provenance", slog.Any("error", lerr))
	}
}

func kindLabel(err error) string {
	if k := alerr.KindOf(err); k != nil {
		return k.Error()
	}
	return ""
}

// #endregion
