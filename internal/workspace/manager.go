// Package workspace manages the isolated directory trees tasks run in: one
// directory per removal branch, containing one git worktree per configured
// repository, plus an ownership metadata record that makes crash recovery
// and garbage collection safe.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flagsweep/flagsweep/internal/config"
	"github.com/flagsweep/flagsweep/internal/domain"
	"github.com/flagsweep/flagsweep/internal/gitx"
)

// MetadataFile is written into every workspace directory immediately after
// creation, before any checkout work, so crash-safety checks can always
// tell owned workspaces apart from stranger directories.
const MetadataFile = ".flagsweep-workspace.json"

// Metadata records which clone set a workspace belongs to
type Metadata struct {
	OwningReposRoot string    `json:"owningReposRoot"`
	BranchName      string    `json:"branchName"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Workspace is one isolated set of per-repository checkouts
type Workspace struct {
	Path      string
	Branch    string
	Checkouts map[string]string // repo name -> checkout path
}

// CheckoutPath returns the checkout directory for a repo inside the
// workspace
func (w *Workspace) CheckoutPath(repo string) string {
	return w.Checkouts[repo]
}

// Manager creates, destroys and reclaims workspaces. Mutation of a shared
// repository's git state (branch reset plus worktree creation) is
// serialized by a per-repository mutex keyed on the resolved clone path;
// setup commands run outside the lock.
type Manager struct {
	reposRoot string
	basePath  string
	cfg       *config.Config
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a manager rooted at the current run's repos directory
func NewManager(reposRoot string, cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		reposRoot: reposRoot,
		basePath:  cfg.Worktrees.BasePath,
		cfg:       cfg,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// RepoDir returns the main clone directory for a configured repo
func (m *Manager) RepoDir(repo string) string {
	return filepath.Join(m.reposRoot, repo)
}

// repoLock returns the mutex guarding one clone's git mutations
func (m *Manager) repoLock(repoDir string) *sync.Mutex {
	resolved, err := filepath.EvalSymlinks(repoDir)
	if err != nil {
		resolved = filepath.Clean(repoDir)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[resolved]
	if !ok {
		l = &sync.Mutex{}
		m.locks[resolved] = l
	}
	return l
}

// Create builds a workspace for a removal branch: one fresh worktree per
// repo on a new branch off the repo's base branch, then setup commands in
// parallel across repos. Any failure rolls back every checkout and removes
// the workspace directory; partial workspaces are never left behind.
func (m *Manager) Create(ctx context.Context, branch string, repos []string) (*Workspace, error) {
	wsPath := filepath.Join(m.basePath, dirNameForBranch(branch))
	if err := os.MkdirAll(wsPath, 0755); err != nil {
		return nil, &domain.WorkspaceSetupError{Branch: branch, Err: err}
	}

	// Metadata goes in before any checkout work.
	if err := writeMetadata(wsPath, Metadata{
		OwningReposRoot: m.reposRoot,
		BranchName:      branch,
		CreatedAt:       time.Now().UTC(),
	}); err != nil {
		os.RemoveAll(wsPath)
		return nil, &domain.WorkspaceSetupError{Branch: branch, Err: err}
	}

	ws := &Workspace{
		Path:      wsPath,
		Branch:    branch,
		Checkouts: make(map[string]string, len(repos)),
	}
	for _, repo := range repos {
		ws.Checkouts[repo] = filepath.Join(wsPath, repo)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			if err := m.createCheckout(gctx, ws, repo); err != nil {
				return fmt.Errorf("%s: %w", repo, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.rollback(ctx, ws)
		return nil, &domain.WorkspaceSetupError{Branch: branch, Err: err}
	}

	m.logger.Info("workspace created",
		zap.String("branch", branch),
		zap.String("path", wsPath),
		zap.Int("repos", len(repos)),
	)
	return ws, nil
}

// createCheckout resets any stale state for the branch and creates a fresh
// worktree, all under the repo lock, then runs setup commands unlocked
func (m *Manager) createCheckout(ctx context.Context, ws *Workspace, repo string) error {
	repoDir := m.RepoDir(repo)
	checkout := ws.Checkouts[repo]

	base, err := m.cfg.ResolveBaseBranch(repo)
	if err != nil {
		return err
	}

	lock := m.repoLock(repoDir)
	lock.Lock()
	err = func() error {
		gitx.WorktreePrune(ctx, repoDir)
		if err := gitx.WorktreeRemove(ctx, repoDir, checkout); err != nil &&
			!strings.Contains(err.Error(), "No such file") {
			// A checkout path git has never heard of is fine.
			m.logger.Debug("stale worktree removal", zap.String("repo", repo), zap.Error(err))
		}
		gitx.DeleteBranch(ctx, repoDir, ws.Branch)
		gitx.DeleteRemoteBranch(ctx, repoDir, ws.Branch)
		gitx.Fetch(ctx, repoDir, base)
		baseRef := gitx.ResolveBase(ctx, repoDir, base)
		return gitx.WorktreeAdd(ctx, repoDir, checkout, ws.Branch, baseRef)
	}()
	lock.Unlock()
	if err != nil {
		return err
	}

	// Setup commands are the slow part and hold no lock.
	return m.runSetup(ctx, repo, checkout)
}

func (m *Manager) runSetup(ctx context.Context, repo, checkout string) error {
	setup, err := m.cfg.ResolveSetup(repo)
	if err != nil {
		return err
	}
	return m.runCommands(ctx, repo, checkout, setup)
}

// MainSetup runs a repo's main-clone setup commands in the original clone.
// Used by the test-setup command.
func (m *Manager) MainSetup(ctx context.Context, repo string) error {
	cmds := m.cfg.ResolveMainSetup(repo)
	if len(cmds) == 0 {
		return nil
	}
	repoDir := m.RepoDir(repo)
	return m.runCommands(ctx, repo, repoDir, cmds)
}

func (m *Manager) runCommands(ctx context.Context, repo, dir string, cmds []string) error {
	mainRepo := m.RepoDir(repo)
	shellInit := m.cfg.ResolveShellInit(repo)

	for _, raw := range cmds {
		cmdStr := strings.ReplaceAll(raw, "${MAIN_REPO}", mainRepo)
		if shellInit != "" {
			cmdStr = shellInit + " && " + cmdStr
		}

		m.logger.Debug("running setup command",
			zap.String("repo", repo),
			zap.String("command", raw),
		)
		if out, err := runShell(ctx, dir, cmdStr); err != nil {
			return fmt.Errorf("setup command %q: %w: %s", raw, err, strings.TrimSpace(out))
		}
	}
	return nil
}

// rollback removes every checkout and the workspace directory, best effort
func (m *Manager) rollback(ctx context.Context, ws *Workspace) {
	for repo, checkout := range ws.Checkouts {
		repoDir := m.RepoDir(repo)
		lock := m.repoLock(repoDir)
		lock.Lock()
		if err := gitx.WorktreeRemove(ctx, repoDir, checkout); err != nil {
			m.logger.Debug("rollback worktree removal", zap.String("repo", repo), zap.Error(err))
		}
		gitx.DeleteBranch(ctx, repoDir, ws.Branch)
		lock.Unlock()
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		m.logger.Warn("rollback could not remove workspace dir",
			zap.String("path", ws.Path),
			zap.Error(err),
		)
	}
	// Drop any bookkeeping for checkouts that were mid-creation.
	for repo := range ws.Checkouts {
		gitx.WorktreePrune(ctx, m.RepoDir(repo))
	}
}

// Destroy removes a workspace's checkouts via git and then the directory.
// Safe to call on an already-partially-removed workspace. On failure the
// workspace is left in place rather than risking deletion of live state.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) error {
	var errs []error
	for repo, checkout := range ws.Checkouts {
		if _, statErr := os.Stat(checkout); os.IsNotExist(statErr) {
			continue
		}
		repoDir := m.RepoDir(repo)
		lock := m.repoLock(repoDir)
		lock.Lock()
		err := gitx.WorktreeRemove(ctx, repoDir, checkout)
		lock.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", repo, err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		m.logger.Warn("workspace not destroyed", zap.String("path", ws.Path), zap.Error(err))
		return err
	}

	if err := os.RemoveAll(ws.Path); err != nil {
		m.logger.Warn("workspace dir not removed", zap.String("path", ws.Path), zap.Error(err))
		return err
	}

	m.logger.Info("workspace destroyed", zap.String("path", ws.Path))
	return nil
}

// Load reconstructs a Workspace value from a directory on disk
func (m *Manager) Load(wsPath string) (*Workspace, *Metadata, error) {
	meta, err := readMetadata(wsPath)
	if err != nil {
		return nil, nil, err
	}

	ws := &Workspace{
		Path:      wsPath,
		Branch:    meta.BranchName,
		Checkouts: make(map[string]string),
	}
	entries, err := os.ReadDir(wsPath)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			ws.Checkouts[e.Name()] = filepath.Join(wsPath, e.Name())
		}
	}
	return ws, meta, nil
}

// VerdictLookup reports whether a removal branch's review is still open.
// The second return is false when no verdict is known for the key.
type VerdictLookup func(sanitizedKey string) (open bool, known bool)

// Reclaim garbage-collects tracked workspaces whose review record has left
// the OPEN state. A workspace is deleted only when its metadata names this
// run's repos root; metadata-less legacy directories are dismantled only
// entry by entry, and only for sub-directories independently registered as
// worktrees of the current clones. Nothing is ever deleted on the strength
// of a path name alone.
func (m *Manager) Reclaim(ctx context.Context, lookup VerdictLookup) error {
	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		wsPath := filepath.Join(m.basePath, entry.Name())
		m.reclaimOne(ctx, wsPath, lookup)
	}
	return nil
}

func (m *Manager) reclaimOne(ctx context.Context, wsPath string, lookup VerdictLookup) {
	ws, meta, err := m.Load(wsPath)
	if err != nil {
		// No metadata: legacy workspace, verified entry by entry.
		m.reclaimLegacy(ctx, wsPath, lookup)
		return
	}

	key, ok := domain.KeyFromBranch(meta.BranchName)
	if !ok {
		m.logger.Debug("skipping foreign workspace", zap.String("path", wsPath))
		return
	}
	if open, known := lookup(key); known && open {
		return
	}

	if meta.OwningReposRoot != m.reposRoot {
		m.logger.Info("skipping workspace owned by another repos root",
			zap.String("path", wsPath),
			zap.String("owner", meta.OwningReposRoot),
		)
		return
	}

	if err := m.Destroy(ctx, ws); err != nil {
		m.logger.Warn("reclaim failed", zap.String("path", wsPath), zap.Error(err))
		return
	}
	m.logger.Info("reclaimed workspace", zap.String("path", wsPath), zap.String("key", key))
}

// reclaimLegacy handles workspaces predating metadata. Each sub-directory
// is removed only if the current clone of the same name lists it as a
// registered worktree; the parent directory goes only once it is empty.
func (m *Manager) reclaimLegacy(ctx context.Context, wsPath string, lookup VerdictLookup) {
	branch := strings.ReplaceAll(filepath.Base(wsPath), "--", "/")
	if key, ok := domain.KeyFromBranch(branch); ok {
		if open, known := lookup(key); known && open {
			return
		}
	}

	entries, err := os.ReadDir(wsPath)
	if err != nil {
		return
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		repo := entry.Name()
		if _, configured := m.cfg.Repos[repo]; !configured {
			continue
		}
		sub := filepath.Join(wsPath, repo)
		repoDir := m.RepoDir(repo)

		registered, err := isRegisteredWorktree(ctx, repoDir, sub)
		if err != nil || !registered {
			continue
		}

		lock := m.repoLock(repoDir)
		lock.Lock()
		err = gitx.WorktreeRemove(ctx, repoDir, sub)
		lock.Unlock()
		if err == nil {
			removed++
		}
	}

	if removed > 0 {
		// Remove the parent only when nothing unverified remains.
		if rest, err := os.ReadDir(wsPath); err == nil && len(rest) == 0 {
			os.Remove(wsPath)
			m.logger.Info("reclaimed legacy workspace", zap.String("path", wsPath))
		}
	}
}

func isRegisteredWorktree(ctx context.Context, repoDir, path string) (bool, error) {
	worktrees, err := gitx.ListWorktrees(ctx, repoDir)
	if err != nil {
		return false, err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = filepath.Clean(path)
	}
	for _, wt := range worktrees {
		wtResolved, err := filepath.EvalSymlinks(wt)
		if err != nil {
			wtResolved = filepath.Clean(wt)
		}
		if wtResolved == resolved {
			return true, nil
		}
	}
	return false, nil
}

func writeMetadata(wsPath string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(wsPath, MetadataFile), data, 0644)
}

func readMetadata(wsPath string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(wsPath, MetadataFile))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// dirNameForBranch flattens a branch name into a single path component
func dirNameForBranch(branch string) string {
	return strings.ReplaceAll(branch, "/", "--")
}
