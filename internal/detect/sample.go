package detect

import (
	"cmp"
	"slices"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/indexset"
)

// ScoreAll returns a copy of the model's abnormality scores.
func ScoreAll(m *Model) []float64 {
	return slices.Clone(m.Scores)
}

type candidate struct {
	id    int
	score float64
}

// SampleBatch returns up to budget of the most abnormal examples that are
// not accepted, rejected or excluded.
func SampleBatch(m *Model, fb Feedback, budget int) (Batch, error) {
	if budget < 0 {
		return Batch{}, alerr.New(alerr.ErrInvalidArgument, "sample batch", m.Iteration, "negative budget %d", budget).WithStrategy(string(m.Strategy))
	}
	scores := ScoreAll(m)
	if m.Strategy == StrategyFeedback {
		reweight(m, scores, fb)
	}
	cands := eligible(scores, fb.Accepted, fb.Rejected, fb.Exclude)
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return take(cands, budget), nil
}

// SampleNormal returns up to budget of the least abnormal examples outside
// exclude.
func SampleNormal(m *Model, budget int, exclude indexset.Set) (Batch, error) {
	if budget < 0 {
		return Batch{}, alerr.New(alerr.ErrInvalidArgument, "sample normal", m.Iteration, "negative budget %d", budget).WithStrategy(string(m.Strategy))
	}
	cands := eligible(m.Scores, exclude)
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(a.score, b.score); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return take(cands, budget), nil
}

// reweight scales each cluster by (1 + rejected) / (1 + accepted), so
// clusters with accepted members sink and clusters with rejected members
// rise.
func reweight(m *Model, scores []float64, fb Feedback) {
	k := m.numClusters()
	acc := make([]int, k)
	rej := make([]int, k)
	for id := range fb.Accepted {
		if id >= 0 && id < len(scores) {
			acc[m.ClusterOf(id)]++
		}
	}
	for id := range fb.Rejected {
		if id >= 0 && id < len(scores) {
			rej[m.ClusterOf(id)]++
		}
	}
	for i := range scores {
		c := m.ClusterOf(i)
		scores[i] *= float64(1+rej[c]) / float64(1+acc[c])
	}
}

func eligible(scores []float64, skip ...indexset.Set) []candidate {
	out := make([]candidate, 0, len(scores))
	for i, s := range scores {
		if inAny(i, skip) {
			continue
		}
		out = append(out, candidate{id: i, score: s})
	}
	return out
}

func inAny(id int, sets []indexset.Set) bool {
	for _, s := range sets {
		if s.Has(id) {
			return true
		}
	}
	return false
}

func take(cands []candidate, budget int) Batch {
	n := min(budget, len(cands))
	b := Batch{
		Indices: make([]int, n),
		Scores:  make([]float64, n),
		Capped:  len(cands) < budget,
	}
	for i := range n {
		b.Indices[i] = cands[i].id
		b.Scores[i] = cands[i].score
	}
	return b
}
