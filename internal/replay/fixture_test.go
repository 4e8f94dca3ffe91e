package replay

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// #region fixture-tests

// TestFixture_OutlierSession replays the outlier fixture and compares each
// round's oracle verdict against the recorded expectation.
func TestFixture_OutlierSession(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "outlier_session.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	results, err := Replay(context.Background(), f, NewSetOracle(f.Abnormal...), t.TempDir(), Options{Seed: 3, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(results) != len(f.ExpectedResults) {
		t.Fatalf("expected %d results, got %d", len(f.ExpectedResults), len(results))
	}

	for _, expected := range f.ExpectedResults {
		actual := results[expected.Round]
		if len(actual.Accepted) != expected.Accepted {
			t.Errorf("round %d (%s): expected %d accepted, got %v from %v",
				expected.Round, actual.Strategy, expected.Accepted, actual.Accepted, actual.Proposed)
		}
		if expected.Proposed != nil && !slices.Equal(actual.Proposed, expected.Proposed) {
			t.Errorf("round %d: expected proposal %v, got %v", expected.Round, expected.Proposed, actual.Proposed)
		}
	}

	last := results[len(results)-1]
	if !last.Capped {
		t.Error("expected the final round to exhaust the unlabeled pool")
	}
}

func TestFixture_Validate(t *testing.T) {
	base := func() *Fixture {
		return &Fixture{
			Epochs:       FixtureEpochs{Start: 1, End: 2, Stride: 1},
			Labels:       []int{0, 1},
			Trajectories: [][][2]float32{{{0, 0}, {1, 0}}, {{0, 0}, {0, 1}}},
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("valid fixture rejected: %v", err)
	}

	cases := map[string]func(*Fixture){
		"missing label":    func(f *Fixture) { f.Labels = f.Labels[:1] },
		"short path":       func(f *Fixture) { f.Trajectories[1] = f.Trajectories[1][:1] },
		"empty range":      func(f *Fixture) { f.Epochs.End = 0 },
		"abnormal range":   func(f *Fixture) { f.Abnormal = []int{2} },
		"negative labeled": func(f *Fixture) { f.Initial = []int{-1} },
	}
	for name, mutate := range cases {
		f := base()
		mutate(f)
		if err := f.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

// #endregion fixture-tests
