package runstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/flagsweep/flagsweep/internal/runlog"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run history persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is one recorded orchestrator run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Budget     int
	Produced   int
	LogDir     string
}

// TaskResult is one per-flag outcome within a run.
type TaskResult struct {
	RunID         string
	FlagKey       string
	Status        string
	Reason        string
	ResumeCommand string
	DurationMS    int64
	PullRequests  []string
}

// BeginRun records the start of a run and returns its ID.
func (s *Store) BeginRun(startedAt time.Time, dryRun bool, budget int, logDir string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, dry_run, budget, log_dir)
		VALUES (?, ?, ?, ?, ?)
	`, id, startedAt, dryRun, budget, logDir)
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return id, nil
}

// FinishRun records the completion of a run.
func (s *Store) FinishRun(runID string, finishedAt time.Time, produced int) error {
	_, err := s.db.Exec(`
		UPDATE runs SET finished_at = ?, produced = ? WHERE id = ?
	`, finishedAt, produced, runID)
	return err
}

// RecordOutcome persists one task outcome under the given run.
func (s *Store) RecordOutcome(runID string, outcome runlog.TaskOutcome) error {
	_, err := s.db.Exec(`
		INSERT INTO task_results (run_id, flag_key, status, reason, resume_command, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, outcome.Key, outcome.Status, outcome.Reason, outcome.ResumeCommand, outcome.DurationMS)
	if err != nil {
		return err
	}
	for _, url := range outcome.PullRequests {
		if _, err := s.db.Exec(`
			INSERT INTO pull_requests (run_id, flag_key, url)
			VALUES (?, ?, ?)
		`, runID, outcome.Key, url); err != nil {
			return err
		}
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, dry_run, budget, produced, log_dir
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		var logDir sql.NullString
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.DryRun, &r.Budget, &r.Produced, &logDir); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		r.LogDir = logDir.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListOutcomes returns the task outcomes recorded for a run.
func (s *Store) ListOutcomes(runID string) ([]TaskResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, flag_key, status, reason, resume_command, duration_ms
		FROM task_results WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TaskResult
	for rows.Next() {
		var tr TaskResult
		var reason, resume sql.NullString
		if err := rows.Scan(&tr.RunID, &tr.FlagKey, &tr.Status, &reason, &resume, &tr.DurationMS); err != nil {
			return nil, err
		}
		tr.Reason = reason.String
		tr.ResumeCommand = resume.String
		results = append(results, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range results {
		prs, err := s.listPRs(runID, results[i].FlagKey)
		if err != nil {
			return nil, err
		}
		results[i].PullRequests = prs
	}
	return results, nil
}

// FlagHistory returns every recorded outcome for a flag key, newest run first.
func (s *Store) FlagHistory(flagKey string) ([]TaskResult, error) {
	rows, err := s.db.Query(`
		SELECT t.run_id, t.flag_key, t.status, t.reason, t.resume_command, t.duration_ms
		FROM task_results t
		JOIN runs r ON r.id = t.run_id
		WHERE t.flag_key = ?
		ORDER BY r.started_at DESC
	`, flagKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TaskResult
	for rows.Next() {
		var tr TaskResult
		var reason, resume sql.NullString
		if err := rows.Scan(&tr.RunID, &tr.FlagKey, &tr.Status, &reason, &resume, &tr.DurationMS); err != nil {
			return nil, err
		}
		tr.Reason = reason.String
		tr.ResumeCommand = resume.String
		results = append(results, tr)
	}
	return results, rows.Err()
}

func (s *Store) listPRs(runID, flagKey string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT url FROM pull_requests WHERE run_id = ? AND flag_key = ? ORDER BY id
	`, runID, flagKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}
