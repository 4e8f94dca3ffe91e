package iteration

import "time"

// #region layout

// File names inside an iteration directory.
const (
	IndexFile        = "index.json"
	HumanSelectFile  = "human_select.json"
	AcceptRejectFile = "accept_rej.json"
	CheckpointFile   = "checkpoint"
)

// Workspace-level files under the content root.
const (
	LedgerFile    = "iteration_structure.json"
	TimingLogFile = "timing_log.json"
	modelDirName  = "Model"
	iterPrefix    = "Iteration_"
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"
)

// #endregion layout

// #region entry

// Entry is one row of iteration_structure.json. The frontend renders the
// iteration tree from these rows.
type Entry struct {
	Value     int       `json:"value"`
	Name      string    `json:"name"`
	Parent    int       `json:"pid"`
	Labeled   int       `json:"labeled"`
	Digest    string    `json:"checkpoint_sha256,omitempty"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// #endregion entry

// #region checkpoint

// Checkpoint is an opaque handle to model weights. The trainer owns the
// format; the store only moves the file into the iteration directory.
type Checkpoint struct {
	Path string
}

// #endregion checkpoint

// #region accept-reject

// AcceptReject is the human disposition on a proposed batch.
type AcceptReject struct {
	Accepted []int `json:"accepted"`
	Rejected []int `json:"rejected"`
}

// #endregion accept-reject
