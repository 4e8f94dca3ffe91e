package orchestrator

import (
	"log/slog"

	"github.com/danielpatrickdp/al-controller/internal/selection"
)

// #region default-mapping

// defaultFor picks a strategy when neither the request nor the
// configuration names one. Anomaly workspaces learn from feedback; plain
// active learning starts from trajectory abnormality alone.
func defaultFor(caps Capabilities) selection.Strategy {
	if caps.AnomalyLabels {
		return selection.StrategyTrajectoryFeedback
	}
	return selection.StrategyTrajectoryBatch
}

// autoStrategy is the request value that defers to strategy memory.
const autoStrategy = "auto"

// #endregion

// #region selector

// StrategySelector resolves the strategy a proposal should use.
type StrategySelector struct {
	memory     *StrategyMemory // nil = no learning
	configured string
	caps       Capabilities
	logger     *slog.Logger
}

// NewStrategySelector creates a selector with optional memory backing.
func NewStrategySelector(memory *StrategyMemory, configured string, caps Capabilities, logger *slog.Logger) *StrategySelector {
	return &StrategySelector{memory: memory, configured: configured, caps: caps, logger: logger}
}

// #endregion

// #region resolve

// Resolve maps a requested name to a strategy. An explicit name must be
// valid. "" or "auto" prefers the learned best strategy (3+ rounds), then
// the configured strategy, then the capability default.
func (s *StrategySelector) Resolve(requested string) (selection.Strategy, error) {
	if requested != "" && requested != autoStrategy {
		return selection.ParseStrategy(requested)
	}

	if s.memory != nil {
		learned, rate, err := s.memory.BestStrategy()
		if err != nil {
			s.logger.Warn("strategy memory unavailable", slog.Any("error", err))
		} else if learned != "" {
			s.logger.Debug("using learned strategy", slog.String("strategy", string(learned)), slog.Float64("acceptance_rate", rate))
			return learned, nil
		}
	}

	if s.configured != "" && s.configured != autoStrategy {
		return selection.ParseStrategy(s.configured)
	}
	return defaultFor(s.caps), nil
}

// #endregion
