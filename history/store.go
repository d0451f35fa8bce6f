// Package history persists aggregate run reports in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/convoprobe/report"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// DefaultLimit is the List limit used when none is given.
const DefaultLimit = 20

// Run is one stored run, without its full report.
type Run struct {
	RunID     string    `json:"run_id"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Total     int       `json:"total"`
	Passed    int       `json:"passed"`
	Partial   int       `json:"partial"`
	Failed    int       `json:"failed"`
	Errored   int       `json:"errored"`
	NotRun    int       `json:"not_run"`
	Score     float64   `json:"score"`
	MaxScore  float64   `json:"max_score"`
	ExitCode  int       `json:"exit_code"`
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer is all a CLI run needs and it avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		total INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		partial INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		errored INTEGER NOT NULL,
		not_run INTEGER NOT NULL,
		score REAL NOT NULL,
		max_score REAL NOT NULL,
		exit_code INTEGER NOT NULL,
		report_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a report. kind distinguishes plain runs from fix-loop attempts.
// Saving the same run id again replaces it.
func (s *Store) Save(ctx context.Context, kind string, r *report.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	query := `
	INSERT INTO runs (run_id, agent_id, kind, created_at, total, passed, partial, failed, errored,
		not_run, score, max_score, exit_code, report_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		kind = excluded.kind,
		total = excluded.total,
		passed = excluded.passed,
		partial = excluded.partial,
		failed = excluded.failed,
		errored = excluded.errored,
		not_run = excluded.not_run,
		score = excluded.score,
		max_score = excluded.max_score,
		exit_code = excluded.exit_code,
		report_json = excluded.report_json`

	_, err = s.db.ExecContext(ctx, query,
		r.RunID, r.AgentID, kind, r.Timestamp.UnixMilli(),
		r.Summary.Total, r.Summary.Passed, r.Summary.Partial, r.Summary.Failed, r.Summary.Errored,
		r.Summary.NotRun, r.TotalScore, r.MaxScore, r.ExitCode(), string(data),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := `
		SELECT run_id, agent_id, kind, created_at, total, passed, partial, failed, errored,
		       not_run, score, max_score, exit_code
		FROM runs ORDER BY created_at DESC, run_id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var created int64
		if err := rows.Scan(&run.RunID, &run.AgentID, &run.Kind, &created, &run.Total, &run.Passed,
			&run.Partial, &run.Failed, &run.Errored, &run.NotRun, &run.Score, &run.MaxScore, &run.ExitCode); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		run.CreatedAt = time.UnixMilli(created).UTC()
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get loads the full report of one run.
func (s *Store) Get(ctx context.Context, runID string) (*report.Report, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT report_json FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	var r report.Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &r, nil
}
