// Package agent invokes the external code-modification agent and
// normalizes its output. Providers differ in how they take a prompt, how
// session identity works and how results are resumed; everything else in
// the system treats the agent as an opaque subprocess.
package agent

import (
	"fmt"

	"github.com/flagsweep/flagsweep/internal/config"
	"github.com/flagsweep/flagsweep/internal/domain"
)

// PromptMode selects how the prompt reaches the agent process
type PromptMode string

const (
	// PromptStdin feeds the prompt on standard input.
	PromptStdin PromptMode = "stdin"
	// PromptArg passes the prompt as a command argument, via PromptArg's
	// flag when set, otherwise as the final positional argument.
	PromptArgMode PromptMode = "arg"
)

// Provider describes one agent integration. New providers are added as
// registry entries or via the "custom" type, never as scheduler branches.
type Provider struct {
	Name       string
	Command    string
	Args       []string
	PromptMode PromptMode
	PromptArg  string

	// SessionArg, when set, names a flag the invoker populates with a
	// generated session ID on the first invocation.
	SessionArg string
	// SessionIDRegex, when set, extracts the agent's own session ID from
	// its raw output. First capture group wins.
	SessionIDRegex string
	// ResumeTemplate renders the human-facing resume instruction.
	// Placeholders: {workspace}, {session}, {command}.
	ResumeTemplate string

	VersionArgs []string
}

var registry = map[string]Provider{
	"claude": {
		Name:           "claude",
		Command:        "claude",
		Args:           []string{"--print", "--dangerously-skip-permissions"},
		PromptMode:     PromptArgMode,
		PromptArg:      "-p",
		SessionArg:     "--session-id",
		ResumeTemplate: "cd {workspace} && {command} --resume {session}",
		VersionArgs:    []string{"--version"},
	},
	"codex": {
		Name:           "codex",
		Command:        "codex",
		Args:           []string{"exec", "--full-auto", "-"},
		PromptMode:     PromptStdin,
		SessionIDRegex: `(?m)session(?:[ _]id)?:?\s*([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`,
		ResumeTemplate: "cd {workspace} && {command} resume {session}",
		VersionArgs:    []string{"--version"},
	},
	"opencode": {
		Name:           "opencode",
		Command:        "opencode",
		Args:           []string{"run"},
		PromptMode:     PromptArgMode,
		ResumeTemplate: "cd {workspace} && {command} run -c",
		VersionArgs:    []string{"--version"},
	},
}

// FromConfig resolves a provider from the run configuration: a preset by
// type, the "custom" fallback for arbitrary commands, with config fields
// overriding preset fields either way.
func FromConfig(cfg config.AgentConfig) (Provider, error) {
	var p Provider
	if cfg.Type == "custom" {
		if cfg.Command == "" {
			return Provider{}, &domain.ConfigError{Field: "agent.command", Msg: "required for agent type custom"}
		}
		p = Provider{Name: "custom", PromptMode: PromptStdin}
	} else {
		preset, ok := registry[cfg.Type]
		if !ok {
			return Provider{}, &domain.ConfigError{
				Field: "agent.type",
				Msg:   fmt.Sprintf("unknown agent type %q", cfg.Type),
			}
		}
		p = preset
	}

	if cfg.Command != "" {
		p.Command = cfg.Command
	}
	if len(cfg.Args) > 0 {
		p.Args = cfg.Args
	}
	if cfg.PromptMode != "" {
		p.PromptMode = PromptMode(cfg.PromptMode)
	}
	if cfg.PromptArg != "" {
		p.PromptArg = cfg.PromptArg
	}
	if cfg.SessionIDRegex != "" {
		p.SessionIDRegex = cfg.SessionIDRegex
	}
	if cfg.Resume != "" {
		p.ResumeTemplate = cfg.Resume
	}
	if len(cfg.VersionArgs) > 0 {
		p.VersionArgs = cfg.VersionArgs
	}

	switch p.PromptMode {
	case PromptStdin, PromptArgMode:
	default:
		return Provider{}, &domain.ConfigError{
			Field: "agent.promptMode",
			Msg:   fmt.Sprintf("must be %q or %q, got %q", PromptStdin, PromptArgMode, p.PromptMode),
		}
	}

	return p, nil
}
