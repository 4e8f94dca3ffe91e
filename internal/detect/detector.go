package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/artifact"
	"github.com/danielpatrickdp/al-controller/internal/trajectory"
)

// Schema identifies the cluster model artifact layout.
const Schema = "cluster-model/v1"

const modelSuffix = "_cluster_model"

// fitKey is everything a persisted model depends on.
type fitKey struct {
	Strategy Strategy              `json:"strategy"`
	Params   Params                `json:"params"`
	Range    trajectory.EpochRange `json:"range"`
	N        int                   `json:"n"`
}

// Options tunes a Detector.
type Options struct {
	Logger *slog.Logger
	// OnFit is called after a model is fitted and persisted.
	OnFit func(iter int, strategy Strategy, elapsed time.Duration)
}

// Detector fits and caches one cluster model per (iteration, strategy).
type Detector struct {
	dirs   trajectory.DirResolver
	opts   Options
	logger *slog.Logger
}

// NewDetector creates a detector that persists models under dirs.
func NewDetector(dirs trajectory.DirResolver, opts Options) *Detector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		dirs:   dirs,
		opts:   opts,
		logger: logger.With(slog.String("component", "abnormal_detector")),
	}
}

// Path returns where the model of (iter, strategy) is stored.
func (d *Detector) Path(iter int, strategy Strategy) string {
	return filepath.Join(d.dirs.Dir(iter), string(strategy)+modelSuffix)
}

// GetOrFit returns the cluster model for iter, refitting when no
// persisted model matches the strategy, params, epoch range and size.
func (d *Detector) GetOrFit(ctx context.Context, iter int, strategy Strategy, t *trajectory.Tensor, r trajectory.EpochRange, p Params) (*Model, error) {
	if !strategy.Valid() {
		return nil, alerr.New(alerr.ErrUnsupportedStrategy, "fit", iter, "unknown detection strategy %q", strategy).WithStrategy(string(strategy))
	}
	if p.NumClusters <= 0 || p.Period <= 0 {
		return nil, alerr.New(alerr.ErrConfiguration, "fit", iter, "num_clusters and period must be positive, got %d and %d", p.NumClusters, p.Period)
	}
	key := fitKey{Strategy: strategy, Params: p, Range: r, N: t.N}
	if m, ok := d.load(iter, key); ok {
		return m, nil
	}

	start := time.Now()
	m, err := fit(ctx, iter, strategy, t, r, p)
	if err != nil {
		return nil, fmt.Errorf("fit iteration %d: %w", iter, err)
	}
	if err := d.persist(iter, key, m); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	d.logger.Info("fitted cluster model",
		slog.Int("iteration", iter),
		slog.String("strategy", string(strategy)),
		slog.Int("clusters", len(m.Centroids)),
		slog.Int("window", m.Window),
		slog.Duration("elapsed", elapsed))
	if d.opts.OnFit != nil {
		d.opts.OnFit(iter, strategy, elapsed)
	}
	return m, nil
}

func (d *Detector) load(iter int, key fitKey) (*Model, bool) {
	h, payload, err := artifact.ReadFile(d.Path(iter, key.Strategy), Schema)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, false
	case err != nil:
		d.logger.Warn("discarding unreadable cluster model", slog.Int("iteration", iter), slog.Any("error", err))
		return nil, false
	}
	if !h.KeyMatches(key) {
		d.logger.Info("cluster model is stale, refitting", slog.Int("iteration", iter), slog.String("cached_key", string(h.Key)))
		return nil, false
	}
	var m Model
	if err := json.Unmarshal(payload, &m); err != nil || len(m.Scores) != key.N {
		d.logger.Warn("discarding malformed cluster model", slog.Int("iteration", iter))
		return nil, false
	}
	return &m, true
}

func (d *Detector) persist(iter int, key fitKey, m *Model) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode cluster model: %w", err)
	}
	h, err := artifact.NewHeader(Schema, key, key.N)
	if err != nil {
		return err
	}
	if err := artifact.WriteFile(d.Path(iter, key.Strategy), h, payload); err != nil {
		return fmt.Errorf("persist cluster model: %w", err)
	}
	return nil
}
