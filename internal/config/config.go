package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flagsweep/flagsweep/internal/domain"
)

// Config holds one run's configuration, loaded from a JSON file next to the
// target repos (or an explicit --config path)
type Config struct {
	Fetcher      FetcherConfig           `json:"fetcher"`
	Agent        AgentConfig             `json:"agent"`
	Worktrees    WorktreesConfig         `json:"worktrees"`
	Orchestrator OrchestratorConfig      `json:"orchestrator"`
	RepoDefaults RepoSettings            `json:"repoDefaults"`
	Repos        map[string]RepoSettings `json:"repos"`
}

// FetcherConfig selects how the candidate list is produced
type FetcherConfig struct {
	Type       string   `json:"type"`
	ProjectIDs []string `json:"projectIds,omitempty"`
	StaleDays  int      `json:"staleDays,omitempty"`
	Host       string   `json:"host,omitempty"`
}

// AgentConfig selects and tunes the external automation agent
type AgentConfig struct {
	Type           string   `json:"type"`
	Command        string   `json:"command,omitempty"`
	Args           []string `json:"args,omitempty"`
	PromptMode     string   `json:"promptMode,omitempty"` // "stdin" or "arg"
	PromptArg      string   `json:"promptArg,omitempty"`
	TimeoutMinutes int      `json:"timeoutMinutes,omitempty"`
	VersionArgs    []string `json:"versionArgs,omitempty"`
	SessionIDRegex string   `json:"sessionIdRegex,omitempty"`
	Resume         string   `json:"resume,omitempty"`
}

// WorktreesConfig controls where isolated workspaces live
type WorktreesConfig struct {
	BasePath string `json:"basePath,omitempty"`
}

// OrchestratorConfig tunes the scheduler
type OrchestratorConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	MaxPRs      int    `json:"maxPrs,omitempty"`
	LogDir      string `json:"logDir,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
}

// RepoSettings holds per-repository settings. Empty fields fall back to
// repoDefaults.
type RepoSettings struct {
	ShellInit  string   `json:"shellInit,omitempty"`
	BaseBranch string   `json:"baseBranch,omitempty"`
	MainSetup  []string `json:"mainSetup,omitempty"`
	Setup      []string `json:"setup,omitempty"`
}

// Load reads and validates a run configuration
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Msg: fmt.Sprintf("reading %s: %v", path, err)}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &domain.ConfigError{Msg: fmt.Sprintf("parsing %s: %v", path, err)}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Worktrees.BasePath = ExpandPath(cfg.Worktrees.BasePath)
	cfg.Orchestrator.LogDir = ExpandPath(cfg.Orchestrator.LogDir)

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Orchestrator.Concurrency <= 0 {
		c.Orchestrator.Concurrency = 2
	}
	if c.Orchestrator.MaxPRs <= 0 {
		c.Orchestrator.MaxPRs = 5
	}
	if c.Orchestrator.LogDir == "" {
		c.Orchestrator.LogDir = filepath.Join("~", ".flagsweep", "logs")
	}
	if c.Worktrees.BasePath == "" {
		c.Worktrees.BasePath = filepath.Join("~", ".flagsweep", "worktrees")
	}
	if c.Agent.TimeoutMinutes <= 0 {
		c.Agent.TimeoutMinutes = 30
	}
	if c.Fetcher.Type == "" {
		c.Fetcher.Type = "file"
	}
}

// Validate fails the whole run on the first broken setting. Every repo must
// resolve a non-empty setup and baseBranch from its own entry or the
// defaults.
func (c *Config) Validate() error {
	if c.Agent.Type == "" {
		return &domain.ConfigError{Field: "agent.type", Msg: "is required"}
	}
	if len(c.Repos) == 0 {
		return &domain.ConfigError{Field: "repos", Msg: "at least one repository is required"}
	}
	for name := range c.Repos {
		if _, err := c.ResolveBaseBranch(name); err != nil {
			return err
		}
		if _, err := c.ResolveSetup(name); err != nil {
			return err
		}
	}
	return nil
}

// RepoNames returns the configured repositories in sorted order
func (c *Config) RepoNames() []string {
	names := make([]string, 0, len(c.Repos))
	for name := range c.Repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveBaseBranch returns the base branch for a repo, falling back to
// repoDefaults
func (c *Config) ResolveBaseBranch(name string) (string, error) {
	repo, ok := c.Repos[name]
	if !ok {
		return "", &domain.ConfigError{Field: "repos." + name, Msg: "unknown repository"}
	}
	if repo.BaseBranch != "" {
		return repo.BaseBranch, nil
	}
	if c.RepoDefaults.BaseBranch != "" {
		return c.RepoDefaults.BaseBranch, nil
	}
	return "", &domain.ConfigError{
		Field: "repos." + name + ".baseBranch",
		Msg:   "not set and no repoDefaults.baseBranch",
	}
}

// ResolveSetup returns the setup commands for a repo, falling back to
// repoDefaults
func (c *Config) ResolveSetup(name string) ([]string, error) {
	repo, ok := c.Repos[name]
	if !ok {
		return nil, &domain.ConfigError{Field: "repos." + name, Msg: "unknown repository"}
	}
	if len(repo.Setup) > 0 {
		return repo.Setup, nil
	}
	if len(c.RepoDefaults.Setup) > 0 {
		return c.RepoDefaults.Setup, nil
	}
	return nil, &domain.ConfigError{
		Field: "repos." + name + ".setup",
		Msg:   "not set and no repoDefaults.setup",
	}
}

// ResolveShellInit returns the shell-init snippet for a repo, possibly empty
func (c *Config) ResolveShellInit(name string) string {
	if repo, ok := c.Repos[name]; ok && repo.ShellInit != "" {
		return repo.ShellInit
	}
	return c.RepoDefaults.ShellInit
}

// ResolveMainSetup returns the main-clone setup commands for a repo,
// possibly empty
func (c *Config) ResolveMainSetup(name string) []string {
	if repo, ok := c.Repos[name]; ok && len(repo.MainSetup) > 0 {
		return repo.MainSetup
	}
	return c.RepoDefaults.MainSetup
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// DefaultPath returns the config file location for a repos root
func DefaultPath(reposRoot string) string {
	return filepath.Join(reposRoot, "flagsweep.json")
}
