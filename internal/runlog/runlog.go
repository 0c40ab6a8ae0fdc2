// Package runlog owns the on-disk record of one run: a timestamped
// directory with one log file per task, renamed to carry its final status,
// plus a summary.json of aggregate outcomes.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flagsweep/flagsweep/internal/domain"
)

// Dir is one run's log directory
type Dir struct {
	path string
}

// New creates a fresh timestamped log directory under base
func New(base string) (*Dir, error) {
	path := filepath.Join(base, time.Now().Format("2006-01-02T15-04-05"))
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory location
func (d *Dir) Path() string {
	return d.path
}

// TaskLog is one task's log file. It is created with the running status in
// its name and renamed when the task reaches a terminal status, so a
// directory listing doubles as a live progress view.
type TaskLog struct {
	mu   sync.Mutex
	f    *os.File
	dir  string
	key  string
	path string
}

// Begin opens a task log in the running state
func (d *Dir) Begin(key string) (*TaskLog, error) {
	sanitized := domain.SanitizeKey(key)
	path := filepath.Join(d.path, sanitized+".running.log")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating task log: %w", err)
	}
	return &TaskLog{f: f, dir: d.path, key: sanitized, path: path}, nil
}

// Printf appends a timestamped line to the task log
func (l *TaskLog) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	fmt.Fprintf(l.f, "[%s] %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
	l.f.Sync()
}

// Write appends raw output, e.g. the agent's captured stream
func (l *TaskLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return len(p), nil
	}
	return l.f.Write(p)
}

// Close finalizes the log, renaming it to carry the terminal status
func (l *TaskLog) Close(status domain.TaskStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	l.f.Close()
	l.f = nil

	name := statusFileName(status)
	final := filepath.Join(l.dir, l.key+"."+name+".log")
	if err := os.Rename(l.path, final); err != nil {
		return fmt.Errorf("renaming task log: %w", err)
	}
	l.path = final
	return nil
}

// statusFileName maps scheduler statuses onto the log-file vocabulary
func statusFileName(status domain.TaskStatus) string {
	switch status {
	case domain.StatusComplete:
		return "complete"
	case domain.StatusFailed:
		return "failed"
	case domain.StatusRefused, domain.StatusSkipped:
		return "skipped"
	default:
		return "running"
	}
}

// TaskOutcome is one task's terminal record in the summary
type TaskOutcome struct {
	Key           string            `json:"key"`
	Status        domain.TaskStatus `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	PullRequests  []string          `json:"pullRequests,omitempty"`
	ResumeCommand string            `json:"resumeCommand,omitempty"`
	DurationMS    int64             `json:"durationMs"`
}

// Summary captures a whole run
type Summary struct {
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	DryRun     bool          `json:"dryRun"`
	Budget     int           `json:"budget"`
	Produced   int           `json:"produced"`
	Complete   int           `json:"complete"`
	Refused    int           `json:"refused"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Tasks      []TaskOutcome `json:"tasks"`
}

// WriteSummary persists summary.json into the run directory
func (d *Dir) WriteSummary(s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.path, "summary.json"), data, 0644)
}
