// Package history persists runs and their action trails to SQLite, so
// past sessions can be inspected after the desktop is gone.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ChamsBouzaiene/visor/internal/action"
)

// Store wraps the runs database.
type Store struct {
	db *sql.DB
}

// Run is one recorded agent run.
type Run struct {
	ID         string
	Objective  string
	Result     string
	Steps      int
	StartedAt  time.Time
	FinishedAt time.Time
}

// StepRecord is one action within a run.
type StepRecord struct {
	RunID         string
	Index         int
	Kind          string
	Signature     string
	Target        string
	ScreenChanged sql.NullBool
	CreatedAt     time.Time
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Single writer; SQLite serializes anyway and this avoids lock churn.
	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		objective   TEXT NOT NULL,
		result      TEXT NOT NULL DEFAULT '',
		steps       INTEGER NOT NULL DEFAULT 0,
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS steps (
		run_id         TEXT NOT NULL,
		idx            INTEGER NOT NULL,
		kind           TEXT NOT NULL,
		signature      TEXT NOT NULL,
		target         TEXT NOT NULL DEFAULT '',
		screen_changed BOOLEAN,
		created_at     TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, idx),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// BeginRun inserts a new run row and returns its id.
func (s *Store) BeginRun(objective string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, objective, started_at) VALUES (?, ?, ?)`,
		id, objective, time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// RecordStep appends one history entry to a run.
func (s *Store) RecordStep(runID string, idx int, a action.Action) error {
	var changed sql.NullBool
	if a.ScreenChanged != nil {
		changed = sql.NullBool{Bool: *a.ScreenChanged, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO steps (run_id, idx, kind, signature, target, screen_changed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, idx, string(a.Kind), a.Signature(), a.Target, changed, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record step %d: %w", idx, err)
	}
	return nil
}

// FinishRun stamps the result and step count on a run.
func (s *Store) FinishRun(runID, result string, steps int) error {
	_, err := s.db.Exec(
		`UPDATE runs SET result = ?, steps = ?, finished_at = ? WHERE id = ?`,
		result, steps, time.Now(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first. Runs still in
// flight have no finished_at; their FinishedAt mirrors StartedAt.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, objective, result, steps, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Objective, &r.Result, &r.Steps, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		} else {
			r.FinishedAt = r.StartedAt
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunSteps returns all steps of a run in order.
func (s *Store) RunSteps(runID string) ([]StepRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, idx, kind, signature, target, screen_changed, created_at
		 FROM steps WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var st StepRecord
		if err := rows.Scan(&st.RunID, &st.Index, &st.Kind, &st.Signature, &st.Target, &st.ScreenChanged, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
