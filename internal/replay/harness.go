// Package replay drives offline active-learning sessions: a fixture's
// synthetic training set stands in for the training service and an oracle
// with ground truth stands in for the human.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/al-controller/internal/indexset"
	"github.com/danielpatrickdp/al-controller/internal/iteration"
	"github.com/danielpatrickdp/al-controller/internal/logging"
	"github.com/danielpatrickdp/al-controller/internal/orchestrator"
)

// #region types

// Oracle splits a proposed batch into accepted and rejected ids.
type Oracle interface {
	Judge(proposed []int) (accepted, rejected []int)
}

// SetOracle accepts exactly the ids in its set.
type SetOracle struct{ truth indexset.Set }

// NewSetOracle returns an oracle that accepts the given ids.
func NewSetOracle(ids ...int) SetOracle { return SetOracle{truth: indexset.New(ids...)} }

// Judge keeps the proposal order in both halves.
func (o SetOracle) Judge(proposed []int) (accepted, rejected []int) {
	accepted, rejected = []int{}, []int{}
	for _, id := range proposed {
		if o.truth.Has(id) {
			accepted = append(accepted, id)
		} else {
			rejected = append(rejected, id)
		}
	}
	return accepted, rejected
}

// RoundResult captures the outcome of one propose/commit round.
type RoundResult struct {
	Round     int    `json:"round"`
	Iteration int    `json:"iteration"`
	Strategy  string `json:"strategy"`
	Proposed  []int  `json:"proposed"`
	Accepted  []int  `json:"accepted"`
	Rejected  []int  `json:"rejected"`
	Capped    bool   `json:"capped"`
	Labeled   int    `json:"labeled"`
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Rounds       int     `json:"rounds"`
	Proposed     int     `json:"proposed"`
	Accepted     int     `json:"accepted"`
	Precision    float64 `json:"precision"`
	FinalLabeled int     `json:"final_labeled"`
}

// Options tunes a replay run.
type Options struct {
	Seed   uint64
	Logger *slog.Logger
}

// #endregion types

// #region backend

// fixtureBackend serves a fixture's trajectories as representations and
// projects them unchanged.
type fixtureBackend struct {
	f       *Fixture
	ckptDir string
	trained int
}

func (b *fixtureBackend) TrainNum() int { return len(b.f.Trajectories) }

func (b *fixtureBackend) TrainLabels(context.Context, int) ([]int, error) {
	return append([]int(nil), b.f.Labels...), nil
}

func (b *fixtureBackend) TrainRepresentation(_ context.Context, _, epoch int) ([][]float32, error) {
	slot := (epoch - b.f.Epochs.Start) / b.f.Epochs.Stride
	out := make([][]float32, len(b.f.Trajectories))
	for i, tr := range b.f.Trajectories {
		if slot < 0 || slot >= len(tr) {
			return nil, fmt.Errorf("epoch %d outside fixture range", epoch)
		}
		out[i] = []float32{tr[slot][0], tr[slot][1]}
	}
	return out, nil
}

func (b *fixtureBackend) Project(_ context.Context, _, _ int, reps [][]float32) ([][2]float32, error) {
	out := make([][2]float32, len(reps))
	for i, r := range reps {
		if len(r) != 2 {
			return nil, fmt.Errorf("representation %d has width %d", i, len(r))
		}
		out[i] = [2]float32{r[0], r[1]}
	}
	return out, nil
}

// Train writes a placeholder checkpoint naming the labeled count.
func (b *fixtureBackend) Train(_ context.Context, _ iteration.Checkpoint, labeled []int) (iteration.Checkpoint, error) {
	b.trained++
	path := filepath.Join(b.ckptDir, fmt.Sprintf("round-%d.pth", b.trained))
	if err := os.WriteFile(path, []byte(fmt.Sprintf("labeled=%d\n", len(labeled))), 0o644); err != nil {
		return iteration.Checkpoint{}, err
	}
	return iteration.Checkpoint{Path: path}, nil
}

// #endregion backend

// #region replay

// Replay bootstraps a workspace under workdir from the fixture's initial
// labels and runs every round: propose, judge with oracle, commit.
func Replay(ctx context.Context, f *Fixture, oracle Oracle, workdir string, opts Options) ([]RoundResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := f.ToConfig(filepath.Join(workdir, "workspace"))
	cfg.Seed = opts.Seed

	ckptDir := filepath.Join(workdir, "checkpoints")
	if err := os.MkdirAll(ckptDir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	store, err := iteration.Open(cfg.ContentRoot, logger)
	if err != nil {
		return nil, err
	}
	db, err := logging.OpenDB(filepath.Join(workdir, "replay.db"))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	backend := &fixtureBackend{f: f, ckptDir: ckptDir}
	o, err := orchestrator.New(cfg, store, orchestrator.Backend{
		Data:      backend,
		Trainer:   backend,
		Projector: backend,
	}, orchestrator.Options{DB: db, Logger: logger, Rand: rand.New(rand.NewPCG(opts.Seed, 0))})
	if err != nil {
		return nil, err
	}

	iter, err := o.Bootstrap(ctx, f.Initial, iteration.Checkpoint{})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	results := make([]RoundResult, 0, len(f.Rounds))
	for i, round := range f.Rounds {
		p, err := o.Propose(ctx, orchestrator.ProposeRequest{Iteration: iter, Strategy: round.Strategy, Budget: round.Budget})
		if err != nil {
			return results, fmt.Errorf("round %d propose: %w", i, err)
		}
		accepted, rejected := oracle.Judge(p.Indices)
		res, err := o.Commit(ctx, orchestrator.CommitRequest{
			Iteration: iter,
			Strategy:  string(p.Strategy),
			Accepted:  accepted,
			Rejected:  rejected,
		})
		if err != nil {
			return results, fmt.Errorf("round %d commit: %w", i, err)
		}
		logger.Debug("replayed round",
			slog.Int("round", i),
			slog.String("strategy", string(p.Strategy)),
			slog.Int("accepted", len(accepted)),
			slog.Int("rejected", len(rejected)))

		results = append(results, RoundResult{
			Round:     i,
			Iteration: iter,
			Strategy:  string(p.Strategy),
			Proposed:  p.Indices,
			Accepted:  accepted,
			Rejected:  rejected,
			Capped:    p.Capped,
			Labeled:   res.Labeled,
		})
		iter = res.Iteration
	}
	return results, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []RoundResult) Summary {
	s := Summary{Rounds: len(results)}
	for _, r := range results {
		s.Proposed += len(r.Proposed)
		s.Accepted += len(r.Accepted)
		s.FinalLabeled = r.Labeled
	}
	if s.Proposed > 0 {
		s.Precision = float64(s.Accepted) / float64(s.Proposed)
	}
	return s
}

// #endregion replay
