package orchestrator

// #region imports
import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/al-controller/internal/selection"
)

// #endregion

// #region schema

const strategyOutcomesSchema = `
CREATE TABLE IF NOT EXISTS al_strategy_outcomes (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id        TEXT NOT NULL,
    iteration     INTEGER NOT NULL,
    strategy      TEXT NOT NULL,
    proposed      INTEGER NOT NULL,
    accepted      INTEGER NOT NULL,
    rejected      INTEGER NOT NULL,
    created_at    TEXT NOT NULL
);
`

const strategyOutcomesIndex = `
CREATE INDEX IF NOT EXISTS idx_al_strategy_outcomes_strategy
ON al_strategy_outcomes(strategy);
`

// minRounds is how many committed rounds a strategy needs before it can be
// recommended.
const minRounds = 3

// halfLife decays the weight of older rounds.
const halfLife = 7 * 24 * time.Hour

// #endregion

// #region memory-struct

// StrategyMemory persists per-round acceptance counts in SQLite and
// recommends the strategy whose proposals humans accept most often.
type StrategyMemory struct {
	db *sql.DB
}

// NewStrategyMemory initializes the al_strategy_outcomes table.
func NewStrategyMemory(db *sql.DB) (*StrategyMemory, error) {
	if _, err := db.Exec(strategyOutcomesSchema); err != nil {
		return nil, fmt.Errorf("migrate strategy outcomes: %w", err)
	}
	if _, err := db.Exec(strategyOutcomesIndex); err != nil {
		return nil, fmt.Errorf("index strategy outcomes: %w", err)
	}
	return &StrategyMemory{db: db}, nil
}

// #endregion

// #region record-outcome

// RecordOutcome persists a single round.
func (m *StrategyMemory) RecordOutcome(rec OutcomeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := m.db.Exec(`
		INSERT INTO al_strategy_outcomes
		(run_id, iteration, strategy, proposed, accepted, rejected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID,
		rec.Iteration,
		string(rec.Strategy),
		rec.Proposed,
		rec.Accepted,
		rec.Rejected,
		rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// #endregion

// #region forget

// ForgetFrom drops rounds recorded at or after iteration, so a reset
// history does not keep steering recommendations.
func (m *StrategyMemory) ForgetFrom(iteration int) error {
	if _, err := m.db.Exec(`DELETE FROM al_strategy_outcomes WHERE iteration >= ?`, iteration); err != nil {
		return fmt.Errorf("forget outcomes: %w", err)
	}
	return nil
}

// #endregion

// #region best-strategy

// BestStrategy returns the strategy with the highest decay-weighted
// acceptance rate (accepted / proposed). Returns ("", 0, nil) until some
// strategy has minRounds rounds.
func (m *StrategyMemory) BestStrategy() (selection.Strategy, float64, error) {
	rows, err := m.db.Query(`
		SELECT strategy, proposed, accepted, created_at
		FROM al_strategy_outcomes
		WHERE proposed > 0`)
	if err != nil {
		return "", 0, err
	}
	defer rows.Close()

	type stratAccum struct {
		accepted float64
		proposed float64
		count    int
	}

	now := time.Now()
	accum := make(map[selection.Strategy]*stratAccum)

	for rows.Next() {
		var sid, createdAtStr string
		var proposed, accepted int
		if err := rows.Scan(&sid, &proposed, &accepted, &createdAtStr); err != nil {
			return "", 0, err
		}
		createdAt, err := time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			continue
		}
		weight := math.Exp(-now.Sub(createdAt).Hours() / halfLife.Hours())

		s := selection.Strategy(sid)
		if _, ok := accum[s]; !ok {
			accum[s] = &stratAccum{}
		}
		accum[s].accepted += float64(accepted) * weight
		accum[s].proposed += float64(proposed) * weight
		accum[s].count++
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}

	var best selection.Strategy
	bestRate := -1.0
	// iterate in a fixed order so ties resolve the same way every call
	for _, s := range selection.Strategies {
		a, ok := accum[s]
		if !ok || a.count < minRounds || a.proposed == 0 {
			continue
		}
		if rate := a.accepted / a.proposed; rate > bestRate {
			best, bestRate = s, rate
		}
	}
	if best == "" {
		return "", 0, nil
	}
	return best, bestRate, nil
}

// #endregion
