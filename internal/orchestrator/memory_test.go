package orchestrator

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/al-controller/internal/selection"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func round(iter int, s selection.Strategy, proposed, accepted int) OutcomeRecord {
	return OutcomeRecord{
		RunID:     "run",
		Iteration: iter,
		Strategy:  s,
		Proposed:  proposed,
		Accepted:  accepted,
		Rejected:  proposed - accepted,
		CreatedAt: time.Now(),
	}
}

func TestStrategyMemory_RecordAndQuery(t *testing.T) {
	db := newTestDB(t)
	mem, err := NewStrategyMemory(db)
	if err != nil {
		t.Fatal(err)
	}

	// No data → empty result
	s, rate, err := mem.BestStrategy()
	if err != nil {
		t.Fatal(err)
	}
	if s != "" || rate != 0 {
		t.Errorf("expected no recommendation, got %q (%f)", s, rate)
	}

	// Two rounds → still below threshold
	for i := 0; i < 2; i++ {
		if err := mem.RecordOutcome(round(i, selection.StrategyUncertainty, 10, 8)); err != nil {
			t.Fatal(err)
		}
	}
	s, _, err = mem.BestStrategy()
	if err != nil {
		t.Fatal(err)
	}
	if s != "" {
		t.Errorf("expected empty (below threshold), got %q", s)
	}

	// Third round → recommended
	if err := mem.RecordOutcome(round(2, selection.StrategyUncertainty, 10, 8)); err != nil {
		t.Fatal(err)
	}
	s, rate, err = mem.BestStrategy()
	if err != nil {
		t.Fatal(err)
	}
	if s != selection.StrategyUncertainty {
		t.Errorf("expected uncertainty, got %q", s)
	}
	if rate < 0.79 || rate > 0.81 {
		t.Errorf("expected rate ~0.8, got %f", rate)
	}
}

func TestStrategyMemory_BestStrategy_PicksHigherAcceptance(t *testing.T) {
	db := newTestDB(t)
	mem, err := NewStrategyMemory(db)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		mem.RecordOutcome(round(i, selection.StrategyRandom, 10, 2))
		mem.RecordOutcome(round(i, selection.StrategyTrajectoryBatch, 10, 7))
	}

	s, _, err := mem.BestStrategy()
	if err != nil {
		t.Fatal(err)
	}
	if s != selection.StrategyTrajectoryBatch {
		t.Errorf("expected trajectory-cluster-batch, got %q", s)
	}
}

func TestStrategyMemory_OldRoundsDecay(t *testing.T) {
	db := newTestDB(t)
	mem, err := NewStrategyMemory(db)
	if err != nil {
		t.Fatal(err)
	}

	// random did well a month ago, then poorly this week
	for i := 0; i < 3; i++ {
		old := round(i, selection.StrategyRandom, 10, 10)
		old.CreatedAt = time.Now().Add(-30 * 24 * time.Hour)
		mem.RecordOutcome(old)
		mem.RecordOutcome(round(i+3, selection.StrategyRandom, 10, 1))
	}

	_, rate, err := mem.BestStrategy()
	if err != nil {
		t.Fatal(err)
	}
	if rate > 0.2 {
		t.Errorf("expected recent rounds to dominate, got rate %f", rate)
	}
}

func TestStrategyMemory_ForgetFrom(t *testing.T) {
	db := newTestDB(t)
	mem, err := NewStrategyMemory(db)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		mem.RecordOutcome(round(i, selection.StrategyRandom, 4, 2))
	}

	if err := mem.ForgetFrom(2); err != nil {
		t.Fatal(err)
	}
	s, _, err := mem.BestStrategy()
	if err != nil {
		t.Fatal(err)
	}
	if s != "" {
		t.Errorf("expected recommendation to drop after forgetting, got %q", s)
	}
}
