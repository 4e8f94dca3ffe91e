package selection

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/detect"
	"github.com/danielpatrickdp/al-controller/internal/indexset"
	"github.com/danielpatrickdp/al-controller/internal/trajectory"
)

// #region collaborators

// DataProvider exposes the training set of an iteration.
type DataProvider interface {
	TrainNum() int
	TrainLabels(ctx context.Context, iter int) ([]int, error)
	TrainRepresentation(ctx context.Context, iter, epoch int) ([][]float32, error)
}

// Inference scores model confidence on training examples.
type Inference interface {
	Confidence(ctx context.Context, iter int, ids []int) ([]float64, error)
}

// LabelSource overrides the labels reported with a selection. Anomaly
// workspaces use it to report clean labels instead of the noisy ones the
// model was trained on.
type LabelSource interface {
	Labels(ctx context.Context, iter int) ([]int, error)
}

// #endregion collaborators

// #region request

// Request is one selection call.
type Request struct {
	Strategy  Strategy
	Iteration int
	Labeled   indexset.Set
	Accepted  indexset.Set
	Rejected  indexset.Set
	Budget    int
}

// Result is an ordered selection. Scores are NaN for uniform-random, where
// they carry no meaning.
type Result struct {
	Strategy Strategy
	Indices  []int
	Labels   []int
	Scores   []float64
	Capped   bool
}

// #endregion request

// #region selector

// Deps wires a Selector. Inference is only needed for uncertainty; the
// projector, cache and detector only for the trajectory strategies.
type Deps struct {
	Data         DataProvider
	Inference    Inference
	Projector    trajectory.Projector
	Trajectories *trajectory.Cache
	Detector     *detect.Detector
	Labels       LabelSource
	Rand         *rand.Rand
	Epochs       trajectory.EpochRange
	Params       detect.Params
	Logger       *slog.Logger
}

// Selector dispatches selection requests to the strategy implementations.
type Selector struct {
	deps   Deps
	logger *slog.Logger

	randMu sync.Mutex
}

// New creates a Selector. The orchestrator always supplies Rand seeded from
// the workspace seed; a nil Rand, possible only for direct callers, is
// seeded from 0 so their runs stay reproducible.
func New(deps Deps) *Selector {
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(0, 0))
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{deps: deps, logger: logger.With(slog.String("component", "sample_selector"))}
}

// Select returns up to req.Budget examples outside the labeled, accepted
// and rejected sets.
func (s *Selector) Select(ctx context.Context, req Request) (Result, error) {
	if req.Budget < 0 {
		return Result{}, alerr.New(alerr.ErrInvalidArgument, "select", req.Iteration, "negative budget %d", req.Budget).WithStrategy(string(req.Strategy))
	}
	strategy, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return Result{}, err
	}
	req.Strategy = strategy
	n := s.deps.Data.TrainNum()

	var res Result
	switch req.Strategy {
	case StrategyRandom:
		res = s.random(indexset.Complement(n, req.Labeled, req.Accepted, req.Rejected), req.Budget)
	case StrategyUncertainty:
		res, err = s.uncertainty(ctx, req, indexset.Complement(n, req.Labeled, req.Accepted, req.Rejected))
	default:
		res, err = s.trajectory(ctx, req, n)
	}
	if err != nil {
		return Result{}, withStrategy(err, req.Strategy)
	}
	res.Strategy = req.Strategy

	if res.Labels, err = s.labelsFor(ctx, req.Iteration, res.Indices); err != nil {
		return Result{}, withStrategy(err, req.Strategy)
	}
	s.logger.Info("selected batch",
		slog.Int("iteration", req.Iteration),
		slog.String("strategy", string(req.Strategy)),
		slog.Int("budget", req.Budget),
		slog.Int("selected", len(res.Indices)),
		slog.Bool("capped", res.Capped))
	return res, nil
}

// SelectNormal returns up to budget examples the detector considers least
// abnormal, skipping exclude. Only the trajectory strategies support it.
func (s *Selector) SelectNormal(ctx context.Context, strategy Strategy, iter, budget int, exclude indexset.Set) (Result, error) {
	strategy, err := ParseStrategy(string(strategy))
	if err != nil {
		return Result{}, err
	}
	if _, ok := strategy.Detection(); !ok {
		return Result{}, alerr.New(alerr.ErrUnsupportedStrategy, "select normal", iter, "strategy does not score abnormality").WithStrategy(string(strategy))
	}
	m, err := s.Model(ctx, strategy, iter)
	if err != nil {
		return Result{}, withStrategy(err, strategy)
	}
	b, err := detect.SampleNormal(m, budget, exclude)
	if err != nil {
		return Result{}, err
	}
	res := Result{Strategy: strategy, Indices: b.Indices, Scores: b.Scores, Capped: b.Capped}
	if res.Labels, err = s.labelsFor(ctx, iter, res.Indices); err != nil {
		return Result{}, withStrategy(err, strategy)
	}
	return res, nil
}

// Model returns the cluster model behind a trajectory strategy, building
// trajectories and fitting as needed.
func (s *Selector) Model(ctx context.Context, strategy Strategy, iter int) (*detect.Model, error) {
	strategy, err := ParseStrategy(string(strategy))
	if err != nil {
		return nil, err
	}
	ds, ok := strategy.Detection()
	if !ok {
		return nil, alerr.New(alerr.ErrUnsupportedStrategy, "model", iter, "strategy has no cluster model").WithStrategy(string(strategy))
	}
	if s.deps.Trajectories == nil || s.deps.Detector == nil || s.deps.Projector == nil {
		return nil, alerr.New(alerr.ErrConfiguration, "model", iter, "trajectory strategies need a projector, trajectory cache and detector")
	}
	tensor, err := s.deps.Trajectories.GetOrBuild(ctx, iter, s.deps.Epochs, trajectory.Compose(s.deps.Data, s.deps.Projector))
	if err != nil {
		return nil, err
	}
	if n := s.deps.Data.TrainNum(); tensor.N != n {
		return nil, alerr.New(alerr.ErrConfiguration, "model", iter, "trajectories cover %d examples, training set has %d", tensor.N, n)
	}
	return s.deps.Detector.GetOrFit(ctx, iter, ds, tensor, s.deps.Epochs, s.deps.Params)
}

// #endregion selector

// #region strategies

// random draws budget ids uniformly without replacement with a partial
// Fisher-Yates shuffle.
func (s *Selector) random(pool []int, budget int) Result {
	k := min(budget, len(pool))
	s.randMu.Lock()
	for i := range k {
		j := i + s.deps.Rand.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	s.randMu.Unlock()

	scores := make([]float64, k)
	for i := range scores {
		scores[i] = math.NaN()
	}
	return Result{Indices: slices.Clone(pool[:k]), Scores: scores, Capped: len(pool) < budget}
}

// uncertainty picks the least confident candidates. Scores are
// 1 - confidence.
func (s *Selector) uncertainty(ctx context.Context, req Request, pool []int) (Result, error) {
	if s.deps.Inference == nil {
		return Result{}, alerr.New(alerr.ErrConfiguration, "uncertainty", req.Iteration, "no inference collaborator configured")
	}
	if len(pool) == 0 {
		return Result{Indices: []int{}, Scores: []float64{}, Capped: req.Budget > 0}, nil
	}
	conf, err := s.deps.Inference.Confidence(ctx, req.Iteration, pool)
	if err != nil {
		return Result{}, fmt.Errorf("confidence iteration %d: %w", req.Iteration, err)
	}
	if len(conf) != len(pool) {
		return Result{}, alerr.New(alerr.ErrConfiguration, "uncertainty", req.Iteration, "confidence returned %d values for %d ids", len(conf), len(pool))
	}

	order := make([]int, len(pool))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		if c := cmp.Compare(conf[a], conf[b]); c != 0 {
			return c
		}
		return cmp.Compare(pool[a], pool[b])
	})

	k := min(req.Budget, len(pool))
	res := Result{Indices: make([]int, k), Scores: make([]float64, k), Capped: len(pool) < req.Budget}
	for i := range k {
		res.Indices[i] = pool[order[i]]
		res.Scores[i] = 1 - conf[order[i]]
	}
	return res, nil
}

func (s *Selector) trajectory(ctx context.Context, req Request, n int) (Result, error) {
	m, err := s.Model(ctx, req.Strategy, req.Iteration)
	if err != nil {
		return Result{}, err
	}
	if m.N() != n {
		return Result{}, alerr.New(alerr.ErrConfiguration, "trajectory", req.Iteration, "cluster model covers %d examples, training set has %d", m.N(), n)
	}
	b, err := detect.SampleBatch(m, detect.Feedback{
		Accepted: req.Accepted,
		Rejected: req.Rejected,
		Exclude:  req.Labeled,
	}, req.Budget)
	if err != nil {
		return Result{}, err
	}
	return Result{Indices: b.Indices, Scores: b.Scores, Capped: b.Capped}, nil
}

// #endregion strategies

// #region labels

func (s *Selector) labelsFor(ctx context.Context, iter int, ids []int) ([]int, error) {
	var (
		all []int
		err error
	)
	if s.deps.Labels != nil {
		all, err = s.deps.Labels.Labels(ctx, iter)
	} else {
		all, err = s.deps.Data.TrainLabels(ctx, iter)
	}
	if err != nil {
		return nil, fmt.Errorf("labels iteration %d: %w", iter, err)
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(all) {
			return nil, alerr.New(alerr.ErrConfiguration, "labels", iter, "no label for example %d (have %d)", id, len(all))
		}
		out[i] = all[id]
	}
	return out, nil
}

func withStrategy(err error, s Strategy) error {
	if e, ok := err.(*alerr.Error); ok && e.Strategy == "" {
		return e.WithStrategy(string(s))
	}
	return err
}

// #endregion labels
