package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/al-controller/internal/config"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture. It carries
// a synthetic training set, the oracle's ground truth and the rounds to
// drive through the orchestrator.
type Fixture struct {
	Description     string                  `json:"description"`
	Epochs          FixtureEpochs           `json:"epochs"`
	Detection       FixtureDetection        `json:"detection"`
	Labels          []int                   `json:"labels"`
	Trajectories    [][][2]float32          `json:"trajectories"`
	Abnormal        []int                   `json:"abnormal"`
	Initial         []int                   `json:"initial"`
	IncludeRejected bool                    `json:"include_rejected"`
	Rounds          []FixtureRound          `json:"rounds"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureEpochs mirrors config.EpochConfig with JSON tags.
type FixtureEpochs struct {
	Start  int `json:"start"`
	End    int `json:"end"`
	Stride int `json:"stride"`
}

// FixtureDetection mirrors config.DetectConfig with JSON tags.
type FixtureDetection struct {
	NumClusters int `json:"num_clusters"`
	Period      int `json:"period"`
}

// FixtureRound is one propose/commit cycle.
type FixtureRound struct {
	Strategy string `json:"strategy"`
	Budget   int    `json:"budget"`
}

// FixtureExpectedResult captures the expected oracle verdict per round.
// Proposed is checked only when present.
type FixtureExpectedResult struct {
	Round    int   `json:"round"`
	Accepted int   `json:"accepted"`
	Proposed []int `json:"proposed,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks that every example has a label and one point per epoch
// slot.
func (f *Fixture) Validate() error {
	n := len(f.Trajectories)
	if n == 0 {
		return fmt.Errorf("no trajectories")
	}
	if len(f.Labels) != n {
		return fmt.Errorf("%d labels for %d examples", len(f.Labels), n)
	}
	slots := f.Epochs.slots()
	if slots <= 0 {
		return fmt.Errorf("empty epoch range %d..%d", f.Epochs.Start, f.Epochs.End)
	}
	for i, tr := range f.Trajectories {
		if len(tr) != slots {
			return fmt.Errorf("example %d has %d points, want %d", i, len(tr), slots)
		}
	}
	for _, id := range append(append([]int(nil), f.Abnormal...), f.Initial...) {
		if id < 0 || id >= n {
			return fmt.Errorf("id %d out of range [0, %d)", id, n)
		}
	}
	return nil
}

func (e FixtureEpochs) slots() int {
	if e.Stride <= 0 || e.End < e.Start {
		return 0
	}
	return (e.End-e.Start)/e.Stride + 1
}

// ToConfig builds a controller config rooted at contentRoot.
func (f *Fixture) ToConfig(contentRoot string) config.Config {
	cfg := config.Default()
	cfg.ContentRoot = contentRoot
	cfg.Epochs = config.EpochConfig{Start: f.Epochs.Start, End: f.Epochs.End, Stride: f.Epochs.Stride}
	if f.Detection.NumClusters > 0 {
		cfg.Detection.NumClusters = f.Detection.NumClusters
	}
	if f.Detection.Period > 0 {
		cfg.Detection.Period = f.Detection.Period
	}
	cfg.Selection.IncludeRejected = f.IncludeRejected
	cfg.Mode.ActiveLearning = true
	return cfg
}

// #endregion fixture-loader
