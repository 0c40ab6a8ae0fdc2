package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flagsweep/flagsweep/internal/domain"
)

// sessionNamespace is a fixed UUID namespace so session IDs derived from
// the same branch and start time are reproducible
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// reformatTimeout bounds the stage-three invocation; reshaping text must
// not cost another full agent budget
const reformatTimeout = 5 * time.Minute

// Result is a fully-parsed agent invocation outcome
type Result struct {
	Payload
	SessionID     string
	ResumeCommand string
	Raw           string
}

// Invoker runs one configured provider with a hard wall-clock timeout
type Invoker struct {
	provider Provider
	timeout  time.Duration
	procs    *ProcessRegistry
	logger   *zap.Logger
}

// NewInvoker builds an invoker for a provider
func NewInvoker(provider Provider, timeout time.Duration, procs *ProcessRegistry, logger *zap.Logger) *Invoker {
	return &Invoker{
		provider: provider,
		timeout:  timeout,
		procs:    procs,
		logger:   logger,
	}
}

// SessionID derives a deterministic session identifier from the removal
// branch and invocation start time
func SessionID(branch string, startedAt time.Time) string {
	seed := branch + "@" + startedAt.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(sessionNamespace, []byte(seed)).String()
}

// Invoke runs the agent in the workspace and parses its output through the
// three-stage fallback: delimiter protocol, fenced-block scan, then one
// bounded reformat invocation of the same agent.
func (inv *Invoker) Invoke(ctx context.Context, workspacePath, branch, prompt string) (*Result, error) {
	start := time.Now()

	args := append([]string(nil), inv.provider.Args...)
	sessionID := ""
	if inv.provider.SessionArg != "" {
		sessionID = SessionID(branch, start)
		args = append(args, inv.provider.SessionArg, sessionID)
	}

	raw, runErr := inv.run(ctx, workspacePath, args, prompt, inv.timeout)
	var timeoutErr *domain.AgentTimeoutError
	if errors.As(runErr, &timeoutErr) {
		return nil, runErr
	}

	if inv.provider.SessionIDRegex != "" {
		if id, err := extractSessionID(inv.provider.SessionIDRegex, raw); err == nil {
			sessionID = id
		}
	}

	payload, parseErr := Parse(raw)
	if parseErr != nil {
		inv.logger.Debug("primary and fenced parse failed, retrying via reformat",
			zap.String("branch", branch),
			zap.Error(parseErr),
		)
		payload, parseErr = inv.reformat(ctx, workspacePath, raw, sessionID)
	}
	if parseErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("agent process failed: %w (output: %s)", runErr, Preview(raw, 500))
		}
		return nil, &domain.AgentParseError{Preview: Preview(raw, 500)}
	}

	return &Result{
		Payload:       *payload,
		SessionID:     sessionID,
		ResumeCommand: inv.renderResume(workspacePath, sessionID),
		Raw:           raw,
	}, nil
}

// reformat is the stage-three fallback: a second, bounded invocation of the
// same agent whose only job is to reshape the first invocation's output.
// The forced session argument from the first call must not leak into this
// one, so the exact flag/value pair is stripped.
func (inv *Invoker) reformat(ctx context.Context, workspacePath, raw, sessionID string) (*Payload, error) {
	args := append([]string(nil), inv.provider.Args...)
	if inv.provider.SessionArg != "" && sessionID != "" {
		args = StripArg(args, inv.provider.SessionArg, sessionID)
	}

	timeout := inv.timeout
	if timeout > reformatTimeout {
		timeout = reformatTimeout
	}

	out, err := inv.run(ctx, workspacePath, args, ReformatPrompt(raw), timeout)
	if err != nil {
		return nil, fmt.Errorf("reformat invocation: %w", err)
	}
	return ParseFenced(out)
}

func (inv *Invoker) run(ctx context.Context, dir string, args []string, prompt string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch inv.provider.PromptMode {
	case PromptArgMode:
		if inv.provider.PromptArg != "" {
			args = append(args, inv.provider.PromptArg, prompt)
		} else {
			args = append(args, prompt)
		}
	}

	cmd := exec.CommandContext(cctx, inv.provider.Command, args...)
	cmd.Dir = dir
	if inv.provider.PromptMode == PromptStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %s: %w", inv.provider.Command, err)
	}
	id := inv.procs.add(cmd)
	err := cmd.Wait()
	inv.procs.remove(id)

	if cctx.Err() == context.DeadlineExceeded {
		return buf.String(), &domain.AgentTimeoutError{Timeout: timeout}
	}
	if err != nil {
		return buf.String(), fmt.Errorf("%s exited: %w", inv.provider.Command, err)
	}
	return buf.String(), nil
}

func (inv *Invoker) renderResume(workspacePath, sessionID string) string {
	if inv.provider.ResumeTemplate == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{workspace}", workspacePath,
		"{session}", sessionID,
		"{command}", inv.provider.Command,
	)
	return r.Replace(inv.provider.ResumeTemplate)
}

func extractSessionID(pattern, raw string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("session id pattern: %w", err)
	}
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return "", fmt.Errorf("session id not found in output")
	}
	if len(m) > 1 {
		return m[1], nil
	}
	return m[0], nil
}

// CheckPrerequisites verifies the agent command and git are installed and
// runnable before any task starts
func (inv *Invoker) CheckPrerequisites(ctx context.Context) error {
	if _, err := exec.LookPath("git"); err != nil {
		return &domain.PrerequisiteError{Tool: "git", Err: err}
	}
	if _, err := exec.LookPath(inv.provider.Command); err != nil {
		return &domain.PrerequisiteError{Tool: inv.provider.Command, Err: err}
	}

	if len(inv.provider.VersionArgs) > 0 {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		cmd := exec.CommandContext(cctx, inv.provider.Command, inv.provider.VersionArgs...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return &domain.PrerequisiteError{
				Tool: inv.provider.Command,
				Err:  fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))),
			}
		}
	}
	return nil
}
