// Package selection turns a strategy, the current label state and a budget
// into the next batch of examples to show a human.
package selection

import (
	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/detect"
)

// Strategy is the closed set of selection strategies.
type Strategy string

const (
	StrategyRandom             Strategy = "uniform-random"
	StrategyUncertainty        Strategy = "uncertainty"
	StrategyTrajectoryBatch    Strategy = Strategy(detect.StrategyBatch)
	StrategyTrajectoryFeedback Strategy = Strategy(detect.StrategyFeedback)
)

// Strategies lists every supported strategy in display order.
var Strategies = []Strategy{StrategyRandom, StrategyUncertainty, StrategyTrajectoryBatch, StrategyTrajectoryFeedback}

// aliases maps the names the visualization frontend sends.
var aliases = map[string]Strategy{
	"Random":      StrategyRandom,
	"Uncertainty": StrategyUncertainty,
	"TBSampling":  StrategyTrajectoryBatch,
	"Feedback":    StrategyTrajectoryFeedback,
}

// ParseStrategy resolves a canonical or frontend strategy name.
func ParseStrategy(name string) (Strategy, error) {
	if s, ok := aliases[name]; ok {
		return s, nil
	}
	for _, s := range Strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", alerr.New(alerr.ErrUnsupportedStrategy, "select", -1, "unknown strategy %q", name).WithStrategy(name)
}

// Detection returns the detector strategy backing a trajectory strategy.
func (s Strategy) Detection() (detect.Strategy, bool) {
	d := detect.Strategy(s)
	return d, d.Valid()
}

func (s Strategy) String() string { return string(s) }
