package logging

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS al_provenance (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	iteration     INTEGER NOT NULL,
	operation     TEXT NOT NULL,
	strategy      TEXT,
	decision      TEXT NOT NULL,
	reason        TEXT,
	detail_json   TEXT,
	elapsed_s     REAL NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_al_provenance_iteration
ON al_provenance(iteration, operation);
`

// #endregion schema

// #region open

// OpenDB opens the controller database and runs migrations. Other tables
// (strategy memory) are created by their owners on the same handle.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// each pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the provenance table if needed.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate provenance: %w", err)
	}
	return nil
}

// #endregion open

// #region log-decision

// LogDecision writes a provenance entry to the al_provenance table.
func LogDecision(db *sql.DB, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO al_provenance (run_id, iteration, operation, strategy, decision, reason, detail_json, elapsed_s, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Iteration,
		string(entry.Operation),
		nullIfEmpty(entry.Strategy),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		nullIfEmpty(entry.DetailJSON),
		entry.Elapsed.Seconds(),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region list-decisions

// ListDecisions returns provenance rows, newest first. iteration < 0 lists
// every iteration; limit <= 0 means no limit.
func ListDecisions(db *sql.DB, iteration, limit int) ([]ProvenanceEntry, error) {
	q := `SELECT run_id, iteration, operation, COALESCE(strategy, ''), decision,
	             COALESCE(reason, ''), COALESCE(detail_json, ''), elapsed_s, created_at
	      FROM al_provenance`
	var args []any
	if iteration >= 0 {
		q += ` WHERE iteration = ?`
		args = append(args, iteration)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceEntry
	for rows.Next() {
		var (
			e       ProvenanceEntry
			op      string
			elapsed float64
			created string
		)
		if err := rows.Scan(&e.RunID, &e.Iteration, &op, &e.Strategy, &e.Decision, &e.Reason, &e.DetailJSON, &elapsed, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Operation = Operation(op)
		e.Elapsed = time.Duration(elapsed * float64(time.Second))
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list-decisions

// #region helpers

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
