package domain

import (
	"errors"
	"fmt"
	"time"
)

// The error taxonomy separates run-scoped failures, which abort the whole
// run before or during scheduling, from task-scoped failures, which mark a
// single task failed and feed the circuit breaker.

// ConfigError indicates missing or invalid configuration. Run-scoped.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
	}
	return "config: " + e.Msg
}

// PrerequisiteError indicates a required external tool is missing or not
// authenticated. Run-scoped.
type PrerequisiteError struct {
	Tool string
	Err  error
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("prerequisite %s: %v", e.Tool, e.Err)
}

func (e *PrerequisiteError) Unwrap() error { return e.Err }

// ReviewDiscoveryError indicates the review system could not be queried.
// Run-scoped and fail-closed: proceeding without review history risks
// duplicate pull requests and destructive workspace reclamation.
type ReviewDiscoveryError struct {
	Repo string
	Err  error
}

func (e *ReviewDiscoveryError) Error() string {
	return fmt.Sprintf("review discovery for %s: %v", e.Repo, e.Err)
}

func (e *ReviewDiscoveryError) Unwrap() error { return e.Err }

// WorkspaceSetupError indicates a git or setup-command failure while
// building a workspace. Task-scoped; raised only after rollback.
type WorkspaceSetupError struct {
	Branch string
	Err    error
}

func (e *WorkspaceSetupError) Error() string {
	return fmt.Sprintf("workspace setup for %s: %v", e.Branch, e.Err)
}

func (e *WorkspaceSetupError) Unwrap() error { return e.Err }

// AgentTimeoutError indicates the agent subprocess exceeded its wall-clock
// deadline and was terminated. Task-scoped.
type AgentTimeoutError struct {
	Timeout time.Duration
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %s", e.Timeout)
}

// AgentParseError indicates all output-parsing stages failed. Carries a
// truncated preview of the raw output for diagnosis. Task-scoped.
type AgentParseError struct {
	Preview string
}

func (e *AgentParseError) Error() string {
	return fmt.Sprintf("agent output unparseable: %s", e.Preview)
}

// IsRunFatal reports whether an error must abort the whole run
func IsRunFatal(err error) bool {
	var ce *ConfigError
	var pe *PrerequisiteError
	var re *ReviewDiscoveryError
	return errors.As(err, &ce) || errors.As(err, &pe) || errors.As(err, &re)
}
