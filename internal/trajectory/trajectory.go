// Package trajectory builds and caches per-iteration trajectory tensors: the
// 2-D projected position of every training example at every recorded epoch.
package trajectory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/artifact"
)

// Schema identifies the trajectory artifact layout.
const Schema = "trajectory/v1"

// FileName is the artifact name inside an iteration directory.
const FileName = "trajectory_embeddings"

// #region epoch-range

// EpochRange is the inclusive stride sequence Start, Start+Stride, ..., End.
type EpochRange struct {
	Start  int `json:"start"`
	End    int `json:"end"`
	Stride int `json:"stride"`
}

// Validate rejects ranges whose span is not a multiple of the stride.
func (r EpochRange) Validate() error {
	if r.Stride <= 0 {
		return alerr.New(alerr.ErrConfiguration, "epoch range", -1, "stride must be positive, got %d", r.Stride)
	}
	if r.End < r.Start {
		return alerr.New(alerr.ErrConfiguration, "epoch range", -1, "end %d before start %d", r.End, r.Start)
	}
	if (r.End-r.Start)%r.Stride != 0 {
		return alerr.New(alerr.ErrConfiguration, "epoch range", -1,
			"(end-start)=%d is not divisible by stride %d", r.End-r.Start, r.Stride)
	}
	return nil
}

// Slots returns the number of epochs in the sequence.
func (r EpochRange) Slots() int { return (r.End-r.Start)/r.Stride + 1 }

// Slot maps an epoch to its tensor slot.
func (r EpochRange) Slot(epoch int) int { return (epoch - r.Start) / r.Stride }

// Epochs lists the epochs in slot order.
func (r EpochRange) Epochs() []int {
	out := make([]int, 0, r.Slots())
	for e := r.Start; e <= r.End; e += r.Stride {
		out = append(out, e)
	}
	return out
}

func (r EpochRange) String() string {
	return fmt.Sprintf("%d..%d/%d", r.Start, r.End, r.Stride)
}

// #endregion epoch-range

// #region tensor

// Tensor is a dense (N examples × E epochs × 2) array, row-major in that
// order. Tensors returned by the cache are shared; treat them as read-only.
type Tensor struct {
	N    int
	E    int
	Data []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(n, e int) *Tensor {
	return &Tensor{N: n, E: e, Data: make([]float32, n*e*2)}
}

// At returns example i's position at slot.
func (t *Tensor) At(i, slot int) [2]float32 {
	off := (i*t.E + slot) * 2
	return [2]float32{t.Data[off], t.Data[off+1]}
}

// Set writes example i's position at slot.
func (t *Tensor) Set(i, slot int, p [2]float32) {
	off := (i*t.E + slot) * 2
	t.Data[off], t.Data[off+1] = p[0], p[1]
}

// Trajectory returns example i's positions in slot order.
func (t *Tensor) Trajectory(i int) [][2]float32 {
	out := make([][2]float32, t.E)
	for s := range out {
		out[s] = t.At(i, s)
	}
	return out
}

// #endregion tensor

// #region collaborators

// ProjectFunc returns one 2-D point per training example for an epoch.
type ProjectFunc func(ctx context.Context, iter, epoch int) ([][2]float32, error)

// Projector maps raw representations to 2-D points.
type Projector interface {
	Project(ctx context.Context, iter, epoch int, reps [][]float32) ([][2]float32, error)
}

// RepresentationSource yields per-example features for an epoch.
type RepresentationSource interface {
	TrainRepresentation(ctx context.Context, iter, epoch int) ([][]float32, error)
}

// Compose chains a representation source and a projector.
func Compose(src RepresentationSource, proj Projector) ProjectFunc {
	return func(ctx context.Context, iter, epoch int) ([][2]float32, error) {
		reps, err := src.TrainRepresentation(ctx, iter, epoch)
		if err != nil {
			return nil, fmt.Errorf("representation epoch %d: %w", epoch, err)
		}
		return proj.Project(ctx, iter, epoch, reps)
	}
}

// DirResolver locates an iteration's artifact directory.
type DirResolver interface {
	Dir(iter int) string
}

// #endregion collaborators

// #region cache

// Options tunes a Cache.
type Options struct {
	// Concurrency bounds parallel per-epoch projections. <=0 means 1.
	Concurrency int
	Logger      *slog.Logger
	// OnBuild is called after a cache miss is rebuilt and persisted.
	OnBuild func(iter int, elapsed time.Duration)
}

// Cache memoizes trajectory tensors on disk, keyed by iteration and
// checked against the requested epoch range.
type Cache struct {
	dirs   DirResolver
	opts   Options
	logger *slog.Logger
	flight singleflight.Group
}

// NewCache creates a cache writing under dirs.
func NewCache(dirs DirResolver, opts Options) *Cache {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		dirs:   dirs,
		opts:   opts,
		logger: logger.With(slog.String("component", "trajectory_cache")),
	}
}

// Path returns the artifact path for an iteration.
func (c *Cache) Path(iter int) string {
	return filepath.Join(c.dirs.Dir(iter), FileName)
}

// GetOrBuild returns the trajectory tensor of iter over r, loading the
// persisted artifact when its recorded range matches r and rebuilding it
// through project otherwise. Concurrent calls for the same key share one
// build.
func (c *Cache) GetOrBuild(ctx context.Context, iter int, r EpochRange, project ProjectFunc) (*Tensor, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	key := strconv.Itoa(iter) + "/" + r.String()
	v, err, _ := c.flight.Do(key, func() (any, error) {
		if t, ok := c.load(iter, r); ok {
			return t, nil
		}
		return c.build(ctx, iter, r, project)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tensor), nil
}

func (c *Cache) load(iter int, r EpochRange) (*Tensor, bool) {
	h, payload, err := artifact.ReadFile(c.Path(iter), Schema)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, false
	case err != nil:
		c.logger.Warn("discarding unreadable trajectory cache", slog.Int("iteration", iter), slog.Any("error", err))
		return nil, false
	}
	if !h.KeyMatches(r) {
		c.logger.Info("trajectory cache built for another epoch range, rebuilding",
			slog.Int("iteration", iter), slog.String("cached_key", string(h.Key)), slog.String("requested", r.String()))
		return nil, false
	}
	data, err := artifact.DecodeFloat32s(payload)
	if err != nil || len(h.Shape) != 3 || h.Shape[1] != r.Slots() || h.Shape[2] != 2 || len(data) != h.Shape[0]*h.Shape[1]*2 {
		c.logger.Warn("discarding malformed trajectory cache", slog.Int("iteration", iter))
		return nil, false
	}
	c.logger.Debug("loaded trajectories from cache", slog.Int("iteration", iter))
	return &Tensor{N: h.Shape[0], E: h.Shape[1], Data: data}, true
}

func (c *Cache) build(ctx context.Context, iter int, r EpochRange, project ProjectFunc) (*Tensor, error) {
	start := time.Now()
	epochs := r.Epochs()
	points := make([][][2]float32, len(epochs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, epoch := range epochs {
		g.Go(func() error {
			pts, err := project(gctx, iter, epoch)
			if err != nil {
				return fmt.Errorf("project iteration %d epoch %d: %w", iter, epoch, err)
			}
			points[r.Slot(epoch)] = pts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := len(points[0])
	for slot, pts := range points {
		if len(pts) != n {
			return nil, alerr.New(alerr.ErrConfiguration, "build trajectories", iter,
				"epoch %d projected %d examples, epoch %d projected %d", epochs[0], n, epochs[slot], len(pts))
		}
	}

	t := NewTensor(n, len(epochs))
	for slot, pts := range points {
		for i, p := range pts {
			t.Set(i, slot, p)
		}
	}

	h, err := artifact.NewHeader(Schema, r, t.N, t.E, 2)
	if err != nil {
		return nil, err
	}
	if err := artifact.WriteFile(c.Path(iter), h, artifact.EncodeFloat32s(t.Data)); err != nil {
		return nil, fmt.Errorf("persist trajectories: %w", err)
	}

	elapsed := time.Since(start)
	c.logger.Info("built trajectories",
		slog.Int("iteration", iter),
		slog.Int("examples", t.N),
		slog.Int("epochs", t.E),
		slog.Duration("elapsed", elapsed))
	if c.opts.OnBuild != nil {
		c.opts.OnBuild(iter, elapsed)
	}
	return t, nil
}

// #endregion cache
