// Package runlog persists per-step training metrics to a local SQLite
// database so runs can be inspected after the fact.
package runlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	config     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	run_id      TEXT    NOT NULL REFERENCES runs(id),
	step        INTEGER NOT NULL,
	loss        REAL    NOT NULL,
	grad_norm   REAL    NOT NULL,
	recorded_at TEXT    NOT NULL,
	PRIMARY KEY (run_id, step)
);
`

// Store wraps the metrics database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log at %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize run log schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// StartRun registers a new run and returns its id. config is an opaque
// human-readable description of the run's settings.
func (s *Store) StartRun(config string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, started_at, config) VALUES (?, ?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339), config,
	)
	if err != nil {
		return "", fmt.Errorf("failed to register run: %w", err)
	}
	return id, nil
}

// RecordStep appends one training step's metrics.
func (s *Store) RecordStep(runID string, step int, loss, gradNorm float64) error {
	_, err := s.db.Exec(
		`INSERT INTO steps (run_id, step, loss, grad_norm, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		runID, step, loss, gradNorm, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record step %d: %w", step, err)
	}
	return nil
}

// Step is one recorded training step.
type Step struct {
	Step     int
	Loss     float64
	GradNorm float64
}

// Steps returns a run's recorded steps in order.
func (s *Store) Steps(runID string) ([]Step, error) {
	rows, err := s.db.Query(
		`SELECT step, loss, grad_norm FROM steps WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.Step, &st.Loss, &st.GradNorm); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Runs lists all recorded run ids, most recent first.
func (s *Store) Runs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
