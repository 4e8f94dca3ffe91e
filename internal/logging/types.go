package logging

import "time"

// #region operations

// Operation names the controller action a provenance row records.
type Operation string

const (
	OpPropose       Operation = "propose"
	OpCommit        Operation = "commit"
	OpReset         Operation = "reset"
	OpSuggestNormal Operation = "suggest_normal"
)

// Outcome of an operation.
const (
	DecisionOK    = "ok"
	DecisionError = "error"
)

// #endregion operations

// #region provenance-entry

// ProvenanceEntry is a single row in the al_provenance table.
type ProvenanceEntry struct {
	RunID      string
	Iteration  int
	Operation  Operation
	Strategy   string
	Decision   string // "ok" | "error"
	Reason     string
	DetailJSON string
	Elapsed    time.Duration
	CreatedAt  time.Time
}

// #endregion provenance-entry

// #region decision-record

// DecisionRecord is serialized into al_provenance.detail_json so a round
// can be replayed or audited without the workspace files.
type DecisionRecord struct {
	Budget    int    `json:"budget,omitempty"`
	Proposed  []int  `json:"proposed,omitempty"`
	Capped    bool   `json:"capped,omitempty"`
	Accepted  []int  `json:"accepted,omitempty"`
	Rejected  []int  `json:"rejected,omitempty"`
	Labeled   int    `json:"labeled,omitempty"`
	NewIter   *int   `json:"new_iteration,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	// Stage timings in seconds, keyed by stage name.
	Timings map[string]float64 `json:"timings,omitempty"`
}

// #endregion decision-record
