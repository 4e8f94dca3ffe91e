package detect

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"github.com/danielpatrickdp/al-controller/internal/trajectory"
)

const (
	maxLloydIterations = 50
	scoreEpsilon       = 1e-9
)

// #region features

// features turns each trajectory into its step displacements over the last
// window slots. A single-slot window falls back to the position itself.
func features(t *trajectory.Tensor, window int) [][]float64 {
	out := make([][]float64, t.N)
	first := t.E - window
	for i := range out {
		if window == 1 {
			p := t.At(i, t.E-1)
			out[i] = []float64{float64(p[0]), float64(p[1])}
			continue
		}
		f := make([]float64, 0, 2*(window-1))
		prev := t.At(i, first)
		for s := first + 1; s < t.E; s++ {
			cur := t.At(i, s)
			f = append(f, float64(cur[0]-prev[0]), float64(cur[1]-prev[1]))
			prev = cur
		}
		out[i] = f
	}
	return out
}

// #endregion features

// #region fit

// fit clusters the tensor and scores each example. The result depends only
// on the tensor, the params, the strategy and the iteration id.
func fit(ctx context.Context, iter int, strategy Strategy, t *trajectory.Tensor, r trajectory.EpochRange, p Params) (*Model, error) {
	window := min(p.Period, t.E)
	if window < 1 {
		window = 1
	}
	k := min(p.NumClusters, t.N)
	m := &Model{
		Strategy:    strategy,
		Iteration:   iter,
		Params:      p,
		Range:       r,
		Window:      window,
		Assignments: make([]int, t.N),
		Scores:      make([]float64, t.N),
	}
	if t.N == 0 || k == 0 {
		return m, nil
	}

	x := features(t, window)
	rng := rand.New(rand.NewPCG(seedFor(iter, strategy), uint64(t.N)))
	centroids := initPlusPlus(x, k, rng)

	assign := m.Assignments
	for i := range assign {
		assign[i] = -1
	}
	for it := 0; it < maxLloydIterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for i, xi := range x {
			c := nearest(xi, centroids)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		recenter(x, assign, centroids)
	}
	m.Centroids = centroids
	m.Scores = abnormality(x, assign, centroids)
	return m, nil
}

func seedFor(iter int, strategy Strategy) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strategy))
	return h.Sum64() ^ uint64(iter+1)
}

// initPlusPlus picks k starting centroids with k-means++ seeding.
func initPlusPlus(x [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, append([]float64(nil), x[rng.IntN(len(x))]...))

	d2 := make([]float64, len(x))
	for len(centroids) < k {
		var total float64
		for i, xi := range x {
			d := floats.Distance(xi, centroids[nearest(xi, centroids)], 2)
			d2[i] = d * d
			total += d2[i]
		}
		next := 0
		if total > 0 {
			target := rng.Float64() * total
			for i, w := range d2 {
				target -= w
				if target <= 0 {
					next = i
					break
				}
			}
		} else {
			// every point coincides with a centroid; take them in order
			next = len(centroids) % len(x)
		}
		centroids = append(centroids, append([]float64(nil), x[next]...))
	}
	return centroids
}

func nearest(xi []float64, centroids [][]float64) int {
	best, bestD := 0, math.Inf(1)
	for c, ctr := range centroids {
		if d := floats.Distance(xi, ctr, 2); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

// recenter moves each centroid to the mean of its members. Empty clusters
// keep their previous centroid.
func recenter(x [][]float64, assign []int, centroids [][]float64) {
	dim := len(x[0])
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, xi := range x {
		floats.Add(sums[assign[i]], xi)
		counts[assign[i]]++
	}
	for c := range centroids {
		if counts[c] == 0 {
			continue
		}
		floats.Scale(1/float64(counts[c]), sums[c])
		centroids[c] = sums[c]
	}
}

// #endregion fit

// #region score

// abnormality scores each example by its distance to its own centroid
// relative to the cluster's mean distance, plus a rarity term for clusters
// smaller than an even share.
func abnormality(x [][]float64, assign []int, centroids [][]float64) []float64 {
	k := len(centroids)
	dist := make([]float64, len(x))
	sum := make([]float64, k)
	size := make([]int, k)
	for i, xi := range x {
		c := assign[i]
		dist[i] = floats.Distance(xi, centroids[c], 2)
		sum[c] += dist[i]
		size[c]++
	}

	even := float64(len(x)) / float64(k)
	scores := make([]float64, len(x))
	for i := range x {
		c := assign[i]
		mean := sum[c] / float64(size[c])
		rarity := math.Max(0, 1-float64(size[c])/even)
		scores[i] = dist[i]/(mean+scoreEpsilon) + rarity
	}
	return scores
}

// #endregion score
