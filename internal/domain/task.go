package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// BranchPrefix is the naming convention for removal branches. The review
// resolver matches historical pull requests against this prefix, so it must
// stay stable across versions.
const BranchPrefix = "remove-flag/"

// KeepBranch selects which side of a flag conditional survives the removal
type KeepBranch string

const (
	KeepEnabled  KeepBranch = "enabled"
	KeepDisabled KeepBranch = "disabled"
)

// Valid reports whether the keep-branch value is one of the two allowed sides
func (k KeepBranch) Valid() bool {
	return k == KeepEnabled || k == KeepDisabled
}

// TaskStatus tracks a task through the scheduler state machine
type TaskStatus string

const (
	StatusQueued   TaskStatus = "queued"
	StatusAdmitted TaskStatus = "admitted"
	StatusRunning  TaskStatus = "running"
	StatusComplete TaskStatus = "complete"
	StatusRefused  TaskStatus = "refused"
	StatusFailed   TaskStatus = "failed"
	StatusSkipped  TaskStatus = "skipped"
)

// Terminal reports whether no further transitions are possible
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusRefused, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Task is one candidate flag removal. Immutable once admitted.
type Task struct {
	Key          string     `json:"key"`
	KeepBranch   KeepBranch `json:"keepBranch"`
	Reason       string     `json:"reason,omitempty"`
	LastModified string     `json:"lastModified,omitempty"`
	CreatedBy    string     `json:"createdBy,omitempty"`

	// ReposWithMatch lists the configured repositories where the flag key
	// textually occurs. Used only for budget reservation.
	ReposWithMatch []string `json:"-"`
}

// Validate checks the fields that come from external candidate lists
func (t *Task) Validate() error {
	if t.Key == "" {
		return fmt.Errorf("task has no key")
	}
	if !t.KeepBranch.Valid() {
		return fmt.Errorf("task %s: keepBranch must be %q or %q, got %q",
			t.Key, KeepEnabled, KeepDisabled, t.KeepBranch)
	}
	return nil
}

// Reservation returns the number of budget units the task reserves at
// admission: an upper bound on the artifacts it can produce, one per
// matching repository, never less than one.
func (t *Task) Reservation() int {
	if n := len(t.ReposWithMatch); n > 1 {
		return n
	}
	return 1
}

// Branch returns the removal branch name for the task
func (t *Task) Branch() string {
	return BranchPrefix + SanitizeKey(t.Key)
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeKey maps a flag key to a string safe for branch names, directory
// names and log file names
func SanitizeKey(key string) string {
	s := unsafeKeyChars.ReplaceAllString(key, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		s = "flag"
	}
	return s
}

// KeyFromBranch recovers the sanitized flag key from a removal branch name.
// Returns false if the branch does not follow the removal naming convention.
func KeyFromBranch(branch string) (string, bool) {
	if !strings.HasPrefix(branch, BranchPrefix) {
		return "", false
	}
	key := strings.TrimPrefix(branch, BranchPrefix)
	if key == "" {
		return "", false
	}
	return key, true
}
