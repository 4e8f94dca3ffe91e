package orchestrator

// #region imports
import (
	"context"
	"time"

	"github.com/danielpatrickdp/al-controller/internal/iteration"
	"github.com/danielpatrickdp/al-controller/internal/selection"
	"github.com/danielpatrickdp/al-controller/internal/trajectory"
)

// #endregion

// #region capabilities

// Capabilities selects which operations a workspace supports. Either one
// enables Propose. Active learning enables Commit; anomaly labels report
// clean labels and enable SuggestNormal.
type Capabilities struct {
	ActiveLearning bool
	AnomalyLabels  bool
}

// #endregion

// #region collaborators

// Trainer fine-tunes a checkpoint on a labeled set.
type Trainer interface {
	Train(ctx context.Context, base iteration.Checkpoint, labeled []int) (iteration.Checkpoint, error)
}

// Backend is everything the orchestrator needs from the training service.
// Inference, Projector and Labels may be nil when the strategies that use
// them are not configured.
type Backend struct {
	Data      selection.DataProvider
	Trainer   Trainer
	Inference selection.Inference
	Projector trajectory.Projector
	Labels    selection.LabelSource
}

// #endregion

// #region requests

// ProposeRequest asks for the next batch at Iteration. An empty Strategy
// uses the learned best strategy or the configured default.
type ProposeRequest struct {
	Iteration int
	Strategy  string
	Accepted  []int
	Rejected  []int
	Budget    int
}

// Proposal is the batch recorded as the iteration's human selection.
type Proposal struct {
	RunID     string
	Iteration int
	Strategy  selection.Strategy
	Indices   []int
	Labels    []int
	Scores    []float64
	Capped    bool
	Elapsed   time.Duration
}

// CommitRequest is the human's final split of a proposed batch. Strategy
// names the strategy that produced the batch; empty looks it up in the
// provenance log.
type CommitRequest struct {
	Iteration int
	Strategy  string
	Accepted  []int
	Rejected  []int
}

// CommitResult describes the iteration created by a commit.
type CommitResult struct {
	RunID     string
	Iteration int
	Labeled   int
	Training  time.Duration
}

// Status is a read-only snapshot of the workspace.
type Status struct {
	Current      int // -1 when no iteration exists
	Iterations   []iteration.Entry
	BestStrategy selection.Strategy
	BestRate     float64
}

// #endregion

// #region outcome-record

// OutcomeRecord is a single row for al_strategy_outcomes: how a proposed
// batch fared with the human.
type OutcomeRecord struct {
	RunID     string
	Iteration int
	Strategy  selection.Strategy
	Proposed  int
	Accepted  int
	Rejected  int
	CreatedAt time.Time
}

// #endregion
