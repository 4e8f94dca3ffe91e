package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/config"
	"github.com/danielpatrickdp/al-controller/internal/iteration"
	"github.com/danielpatrickdp/al-controller/internal/logging"
	"github.com/danielpatrickdp/al-controller/internal/selection"
)

// #region fakes

type fakeData struct{ n int }

func (f fakeData) TrainNum() int { return f.n }

func (f fakeData) TrainLabels(context.Context, int) ([]int, error) {
	out := make([]int, f.n)
	for i := range out {
		out[i] = i % 3
	}
	return out, nil
}

// TrainRepresentation moves every example steadily except 7, which jumps.
func (f fakeData) TrainRepresentation(_ context.Context, _, epoch int) ([][]float32, error) {
	out := make([][]float32, f.n)
	for i := range out {
		out[i] = []float32{float32(epoch), 0}
		if i == 7 {
			out[i] = []float32{float32((epoch % 2) * 30), float32(epoch * epoch)}
		}
	}
	return out, nil
}

type passProjector struct{}

func (passProjector) Project(_ context.Context, _, _ int, reps [][]float32) ([][2]float32, error) {
	out := make([][2]float32, len(reps))
	for i, r := range reps {
		out[i] = [2]float32{r[0], r[1]}
	}
	return out, nil
}

// fakeTrainer writes a checkpoint file per call. block, when set, stalls
// Train until it is closed.
type fakeTrainer struct {
	dir     string
	err     error
	block   chan struct{}
	entered chan struct{}

	mu    sync.Mutex
	calls [][]int
	bases []string
}

func (f *fakeTrainer) Train(_ context.Context, base iteration.Checkpoint, labeled []int) (iteration.Checkpoint, error) {
	f.mu.Lock()
	f.calls = append(f.calls, labeled)
	f.bases = append(f.bases, base.Path)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return iteration.Checkpoint{}, f.err
	}
	file, err := os.CreateTemp(f.dir, "ckpt-*.pth")
	if err != nil {
		return iteration.Checkpoint{}, err
	}
	file.WriteString("weights")
	file.Close()
	return iteration.Checkpoint{Path: file.Name()}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(root string) config.Config {
	cfg := config.Default()
	cfg.ContentRoot = root
	cfg.Epochs = config.EpochConfig{Start: 1, End: 5, Stride: 1}
	cfg.Detection.NumClusters = 2
	cfg.Detection.Concurrency = 2
	cfg.Selection.Budget = 3
	return cfg
}

type harness struct {
	o       *Orchestrator
	store   *iteration.Store
	trainer *fakeTrainer
	root    string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := testConfig(root)
	if mutate != nil {
		mutate(&cfg)
	}
	logger := quietLogger()
	store, err := iteration.Open(root, logger)
	require.NoError(t, err)

	db, err := logging.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	trainer := &fakeTrainer{dir: t.TempDir()}
	o, err := New(cfg, store, Backend{
		Data:      fakeData{n: 10},
		Trainer:   trainer,
		Projector: passProjector{},
	}, Options{DB: db, Logger: logger, Rand: rand.New(rand.NewPCG(1, 2))})
	require.NoError(t, err)
	return &harness{o: o, store: store, trainer: trainer, root: root}
}

func (h *harness) bootstrap(t *testing.T, labeled ...int) {
	t.Helper()
	iter, err := h.o.Bootstrap(context.Background(), labeled, iteration.Checkpoint{})
	require.NoError(t, err)
	require.Equal(t, 0, iter)
}

// #endregion fakes

// #region commit-tests

func TestCommit_GrowsLabeledSet(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t, 1, 2, 3)

	res, err := h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Accepted: []int{4, 5}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iteration)
	assert.Equal(t, 5, res.Labeled)

	labeled, err := h.store.LoadLabeledIndices(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, labeled.Sorted())
	assert.Equal(t, [][]int{{1, 2, 3, 4, 5}}, h.trainer.calls)

	ckpt, err := h.store.LoadCheckpoint(1)
	require.NoError(t, err)
	assert.FileExists(t, ckpt.Path)
}

func TestCommit_RejectedPolicy(t *testing.T) {
	for _, include := range []bool{false, true} {
		h := newHarness(t, func(c *config.Config) { c.Selection.IncludeRejected = include })
		h.bootstrap(t, 0)

		_, err := h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Accepted: []int{1}, Rejected: []int{2}})
		require.NoError(t, err)

		labeled, err := h.store.LoadLabeledIndices(1)
		require.NoError(t, err)
		assert.Equal(t, include, labeled.Has(2), "include_rejected=%v", include)

		seen, err := h.store.SeenIndices(1)
		require.NoError(t, err)
		assert.True(t, seen.Has(2), "rejected ids are always seen")
	}
}

func TestCommit_TrainingFailureLeavesIterationUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t, 1)
	h.trainer.err = errors.New("cuda out of memory")

	_, err := h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Accepted: []int{2}})
	assert.ErrorIs(t, err, alerr.ErrTrainingFailure)
	assert.ErrorIs(t, err, h.trainer.err)

	cur, ok := h.store.CurrentMaxIteration()
	assert.True(t, ok)
	assert.Equal(t, 0, cur)
	assert.NoDirExists(t, h.store.Dir(1))
}

func TestCommit_OverlapRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)

	_, err := h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Accepted: []int{1, 2}, Rejected: []int{2}})
	assert.ErrorIs(t, err, alerr.ErrInvalidArgument)
	assert.Empty(t, h.trainer.calls)
}

func TestCommit_OnlyNewestIteration(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)
	_, err := h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Accepted: []int{1}})
	require.NoError(t, err)

	_, err = h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Accepted: []int{2}})
	assert.ErrorIs(t, err, alerr.ErrInvalidArgument)
}

func TestCommit_ConcurrentCallerFailsFast(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)
	h.trainer.block = make(chan struct{})
	h.trainer.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Accepted: []int{1}})
		done <- err
	}()
	<-h.trainer.entered

	_, err := h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Accepted: []int{2}})
	assert.ErrorIs(t, err, alerr.ErrConcurrencyViolation)
	_, _, err = h.o.Reset(context.Background(), 0)
	assert.ErrorIs(t, err, alerr.ErrConcurrencyViolation)

	close(h.trainer.block)
	require.NoError(t, <-done)
	cur, _ := h.store.CurrentMaxIteration()
	assert.Equal(t, 1, cur)
}

func TestCommit_PassesPreviousCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)
	_, err := h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Accepted: []int{1}})
	require.NoError(t, err)
	_, err = h.o.Commit(context.Background(), CommitRequest{Iteration: 1, Accepted: []int{2}})
	require.NoError(t, err)

	assert.Equal(t, "", h.trainer.bases[0])
	assert.Equal(t, filepath.Join(h.store.Dir(1), iteration.CheckpointFile), h.trainer.bases[1])
}

// #endregion commit-tests

// #region propose-tests

func TestPropose_RecordsHumanSelection(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t, 0, 1)

	p, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: 0, Strategy: "uniform-random"})
	require.NoError(t, err)
	assert.Len(t, p.Indices, 3)
	assert.NotContains(t, p.Indices, 0)
	assert.NotContains(t, p.Indices, 1)

	stored, err := h.store.LoadHumanSelection(0)
	require.NoError(t, err)
	assert.Equal(t, p.Indices, stored)

	labeled, err := h.store.LoadLabeledIndices(0)
	require.NoError(t, err)
	assert.Equal(t, 2, labeled.Len(), "propose never changes labels")
}

func TestPropose_UnknownStrategyHasNoSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)

	_, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: 0, Strategy: "Bogus"})
	assert.ErrorIs(t, err, alerr.ErrUnsupportedStrategy)
	assert.NoFileExists(t, filepath.Join(h.store.Dir(0), iteration.HumanSelectFile))
}

func TestPropose_TrajectoryStrategyRecordsTimings(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)

	p, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: 0, Strategy: "TBSampling", Budget: 1})
	require.NoError(t, err)
	assert.Equal(t, selection.StrategyTrajectoryBatch, p.Strategy)
	assert.Equal(t, []int{7}, p.Indices)

	timings, err := h.o.Timings()
	require.NoError(t, err)
	for _, stage := range []string{logging.StageQuery, logging.StageTrajectory, logging.StageClustering} {
		assert.Contains(t, timings[stage], "0", stage)
	}
}

func TestPropose_ExcludesPreviouslyRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)
	_, err := h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Rejected: []int{7}})
	require.NoError(t, err)

	p, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: 1, Strategy: "TBSampling", Budget: 10})
	require.NoError(t, err)
	assert.NotContains(t, p.Indices, 7)
}

func TestPropose_MissingIteration(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: 0, Strategy: "uniform-random"})
	assert.ErrorIs(t, err, alerr.ErrNotFound)
}

// #endregion propose-tests

// #region reset-tests

func TestReset_TruncatesAndReports(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)
	for i := 0; i < 2; i++ {
		_, err := h.o.Commit(context.Background(), CommitRequest{Iteration: i, Accepted: []int{i + 1}})
		require.NoError(t, err)
	}

	cur, ok, err := h.o.Reset(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, cur)

	cur, ok, err = h.o.Reset(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, -1, cur)

	_, err = h.store.LoadLabeledIndices(0)
	assert.ErrorIs(t, err, alerr.ErrNotFound)
}

func TestReset_OutOfRange(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)
	_, _, err := h.o.Reset(context.Background(), 5)
	assert.ErrorIs(t, err, alerr.ErrInvalidArgument)
}

// #endregion reset-tests

// #region memory-tests

func TestCommit_FeedsStrategyMemory(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)

	for i := 0; i < minRounds; i++ {
		p, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: i, Strategy: "uniform-random", Budget: 2})
		require.NoError(t, err)
		_, err = h.o.Commit(context.Background(), CommitRequest{Iteration: i, Accepted: p.Indices[:1], Rejected: p.Indices[1:]})
		require.NoError(t, err)
	}

	st, err := h.o.Status()
	require.NoError(t, err)
	assert.Equal(t, minRounds, st.Current)
	assert.Len(t, st.Iterations, minRounds+1)
	assert.Equal(t, selection.StrategyRandom, st.BestStrategy)
	assert.InDelta(t, 0.5, st.BestRate, 1e-6)

	// auto now resolves to the learned strategy
	p, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: minRounds, Strategy: "auto", Budget: 1})
	require.NoError(t, err)
	assert.Equal(t, selection.StrategyRandom, p.Strategy)
}

// #endregion memory-tests

// #region capability-tests

func TestSuggestNormal_RequiresAnomalyLabels(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)
	_, err := h.o.SuggestNormal(context.Background(), 0, "", 2)
	assert.ErrorIs(t, err, alerr.ErrConfiguration)
}

func TestSuggestNormal_AnomalyWorkspace(t *testing.T) {
	labelFile := filepath.Join(t.TempDir(), "clean_labels.json")
	require.NoError(t, os.WriteFile(labelFile, []byte(`[9,9,9,9,9,9,9,4,9,9]`), 0o644))
	h := newHarness(t, func(c *config.Config) {
		c.Mode.AnomalyLabels = true
		c.Mode.CleanLabelPath = labelFile
	})
	h.bootstrap(t, 0)

	p, err := h.o.SuggestNormal(context.Background(), 0, "", 3)
	require.NoError(t, err)
	assert.Equal(t, selection.StrategyTrajectoryFeedback, p.Strategy)
	assert.Len(t, p.Indices, 3)
	assert.NotContains(t, p.Indices, 0)
	assert.NotContains(t, p.Indices, 7)
	assert.Equal(t, []int{9, 9, 9}, p.Labels)

	abnormal, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: 0, Budget: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{7}, abnormal.Indices)
	assert.Equal(t, []int{4}, abnormal.Labels)
}

func TestPropose_NoCapabilities(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Mode.ActiveLearning = false })
	h.bootstrap(t)
	_, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: 0, Strategy: "uniform-random"})
	assert.ErrorIs(t, err, alerr.ErrConfiguration)
}

func TestPropose_AnomalyOnlyWorkspace(t *testing.T) {
	labelFile := filepath.Join(t.TempDir(), "clean_labels.json")
	require.NoError(t, os.WriteFile(labelFile, []byte(`[9,9,9,9,9,9,9,4,9,9]`), 0o644))
	h := newHarness(t, func(c *config.Config) {
		c.Mode.ActiveLearning = false
		c.Mode.AnomalyLabels = true
		c.Mode.CleanLabelPath = labelFile
	})
	h.bootstrap(t, 0)

	p, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: 0, Budget: 1})
	require.NoError(t, err)
	assert.Equal(t, selection.StrategyTrajectoryBatch, p.Strategy)
	assert.Equal(t, []int{7}, p.Indices)
	assert.Equal(t, []int{4}, p.Labels)

	sel, err := h.store.LoadHumanSelection(0)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, sel)

	_, err = h.o.Commit(context.Background(), CommitRequest{Iteration: 0, Accepted: []int{7}})
	assert.ErrorIs(t, err, alerr.ErrConfiguration)
	cur, _ := h.store.CurrentMaxIteration()
	assert.Equal(t, 0, cur)
}

func TestBootstrap_Twice(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)
	_, err := h.o.Bootstrap(context.Background(), nil, iteration.Checkpoint{})
	assert.ErrorIs(t, err, alerr.ErrInvalidArgument)
}

// #endregion capability-tests

// #region provenance-tests

func TestProvenance_RowsPerOperation(t *testing.T) {
	h := newHarness(t, nil)
	h.bootstrap(t)
	_, err := h.o.Propose(context.Background(), ProposeRequest{Iteration: 0, Strategy: "uniform-random"})
	require.NoError(t, err)
	_, err = h.o.Propose(context.Background(), ProposeRequest{Iteration: 0, Strategy: "Bogus"})
	require.Error(t, err)

	rows, err := logging.ListDecisions(h.o.db, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, logging.DecisionError, rows[0].Decision)
	assert.Equal(t, logging.DecisionOK, rows[1].Decision)
	assert.Equal(t, "uniform-random", rows[1].Strategy)
	assert.Equal(t, h.o.RunID(), rows[1].RunID)
}

// #endregion provenance-tests
