// Package detect clusters trajectories to find examples whose movement
// across epochs is abnormal, and turns abnormality plus human feedback into
// the next batch of suggestions.
package detect

import (
	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/indexset"
	"github.com/danielpatrickdp/al-controller/internal/trajectory"
)

// #region strategy

// Strategy selects how feedback influences ranking.
type Strategy string

const (
	// StrategyBatch ranks purely by trajectory abnormality.
	StrategyBatch Strategy = "trajectory-cluster-batch"
	// StrategyFeedback re-weights each cluster by its accept/reject history.
	StrategyFeedback Strategy = "trajectory-cluster-feedback"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyBatch || s == StrategyFeedback
}

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(name)
	if !s.Valid() {
		return "", alerr.New(alerr.ErrUnsupportedStrategy, "detect", -1, "unknown detection strategy %q", name).WithStrategy(name)
	}
	return s, nil
}

// #endregion strategy

// #region params

// Params fixes the clustering shape.
type Params struct {
	NumClusters int `json:"num_clusters"`
	// Period is the temporal window, in epoch slots, taken from the end of
	// each trajectory.
	Period int `json:"period"`
}

// DefaultParams returns 30 clusters over an 80-slot window.
func DefaultParams() Params {
	return Params{NumClusters: 30, Period: 80}
}

// #endregion params

// #region model

// Model is a fitted clustering over one trajectory tensor. It is never
// mutated after fitting.
type Model struct {
	Strategy    Strategy              `json:"strategy"`
	Iteration   int                   `json:"iteration"`
	Params      Params                `json:"params"`
	Range       trajectory.EpochRange `json:"range"`
	Window      int                   `json:"window"`
	Centroids   [][]float64           `json:"centroids"`
	Assignments []int                 `json:"assignments"`
	Scores      []float64             `json:"scores"`
}

// N returns the number of examples the model scores.
func (m *Model) N() int { return len(m.Scores) }

// ClusterOf returns the cluster of example i. Models built without
// assignments treat every example as one cluster.
func (m *Model) ClusterOf(i int) int {
	if i < len(m.Assignments) {
		return m.Assignments[i]
	}
	return 0
}

func (m *Model) numClusters() int {
	if len(m.Centroids) > 0 {
		return len(m.Centroids)
	}
	k := 0
	for _, c := range m.Assignments {
		k = max(k, c+1)
	}
	return max(k, 1)
}

// #endregion model

// #region sampling-types

// Feedback is the accept/reject history plus ids that must never be
// suggested (for example the labeled set). Only Accepted and Rejected
// influence ranking.
type Feedback struct {
	Accepted indexset.Set
	Rejected indexset.Set
	Exclude  indexset.Set
}

// Batch is a ranked suggestion. Capped is set when fewer eligible
// candidates than the budget remained.
type Batch struct {
	Indices []int
	Scores  []float64
	Capped  bool
}

// #endregion sampling-types
