package replay

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func driftFixture() *Fixture {
	return &Fixture{
		Epochs:    FixtureEpochs{Start: 1, End: 3, Stride: 1},
		Detection: FixtureDetection{NumClusters: 2, Period: 3},
		Labels:    []int{0, 0, 0, 0, 0, 0},
		Trajectories: [][][2]float32{
			{{0, 0}, {1, 0}, {2, 0}},
			{{1, 0}, {2, 0}, {3, 0}},
			{{2, 0}, {3, 0}, {4, 0}},
			{{3, 0}, {4, 0}, {5, 0}},
			{{4, 0}, {5, 0}, {6, 0}},
			{{5, 0}, {6, 0}, {7, 0}},
		},
		Rounds: []FixtureRound{
			{Strategy: "uniform-random", Budget: 2},
			{Strategy: "uniform-random", Budget: 2},
		},
	}
}

func TestSetOracle_Judge(t *testing.T) {
	acc, rej := NewSetOracle(2, 4).Judge([]int{4, 1, 2, 3})
	if !slices.Equal(acc, []int{4, 2}) {
		t.Errorf("accepted = %v", acc)
	}
	if !slices.Equal(rej, []int{1, 3}) {
		t.Errorf("rejected = %v", rej)
	}

	acc, rej = NewSetOracle().Judge(nil)
	if acc == nil || rej == nil || len(acc)+len(rej) != 0 {
		t.Errorf("empty proposal should give empty, non-nil halves: %v %v", acc, rej)
	}
}

func TestReplay_ReproducibleWithSeed(t *testing.T) {
	run := func() []RoundResult {
		res, err := Replay(context.Background(), driftFixture(), NewSetOracle(), t.TempDir(), Options{Seed: 11, Logger: quietLogger()})
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		return res
	}
	first, second := run(), run()
	for i := range first {
		if !slices.Equal(first[i].Proposed, second[i].Proposed) {
			t.Errorf("round %d diverged: %v vs %v", i, first[i].Proposed, second[i].Proposed)
		}
	}
}

func TestReplay_RoundsNeverRepeatIds(t *testing.T) {
	res, err := Replay(context.Background(), driftFixture(), NewSetOracle(), t.TempDir(), Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	seen := map[int]bool{}
	for _, r := range res {
		for _, id := range r.Proposed {
			if seen[id] {
				t.Errorf("id %d proposed twice", id)
			}
			seen[id] = true
		}
	}
	if res[1].Iteration != 1 {
		t.Errorf("expected second round at iteration 1, got %d", res[1].Iteration)
	}
}

func TestReplay_IncludeRejectedGrowsLabels(t *testing.T) {
	f := driftFixture()
	f.IncludeRejected = true
	res, err := Replay(context.Background(), f, NewSetOracle(), t.TempDir(), Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := Summarize(res).FinalLabeled; got != 4 {
		t.Errorf("expected 4 labeled after two rejected rounds, got %d", got)
	}
}

func TestReplay_WritesWorkspace(t *testing.T) {
	dir := t.TempDir()
	if _, err := Replay(context.Background(), driftFixture(), NewSetOracle(), dir, Options{Logger: quietLogger()}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	for _, p := range []string{"replay.db", filepath.Join("workspace", "timing_log.json")} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]RoundResult{
		{Proposed: []int{1, 2}, Accepted: []int{1}, Labeled: 3},
		{Proposed: []int{3, 4}, Accepted: []int{3, 4}, Labeled: 5},
	})
	if s.Rounds != 2 || s.Proposed != 4 || s.Accepted != 3 || s.FinalLabeled != 5 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.Precision != 0.75 {
		t.Errorf("precision = %f", s.Precision)
	}
	if Summarize(nil).Precision != 0 {
		t.Error("empty summary should have zero precision")
	}
}
