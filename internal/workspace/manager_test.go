package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flagsweep/flagsweep/internal/config"
	"github.com/flagsweep/flagsweep/internal/domain"
	"github.com/flagsweep/flagsweep/internal/gitx"
)

func initRepo(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	os.WriteFile(filepath.Join(dir, "app.ts"), []byte("const x = useFlag('new-checkout-flow')\n"), 0644)
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "initial"},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}
}

func testManager(t *testing.T, repos ...string) (*Manager, string) {
	t.Helper()
	reposRoot := t.TempDir()
	basePath := t.TempDir()

	cfg := &config.Config{
		Worktrees:    config.WorktreesConfig{BasePath: basePath},
		RepoDefaults: config.RepoSettings{BaseBranch: "main", Setup: []string{"true"}},
		Repos:        make(map[string]config.RepoSettings),
	}
	for _, r := range repos {
		cfg.Repos[r] = config.RepoSettings{}
		initRepo(t, filepath.Join(reposRoot, r))
	}

	return NewManager(reposRoot, cfg, zap.NewNop()), reposRoot
}

func TestCreate(t *testing.T) {
	m, _ := testManager(t, "svcA", "svcB")
	ctx := context.Background()

	ws, err := m.Create(ctx, "remove-flag/new-checkout-flow", []string{"svcA", "svcB"})
	if err != nil {
		t.Fatal(err)
	}

	for _, repo := range []string{"svcA", "svcB"} {
		checkout := ws.CheckoutPath(repo)
		if _, err := os.Stat(checkout); err != nil {
			t.Errorf("checkout for %s missing: %v", repo, err)
		}
		registered, err := isRegisteredWorktree(ctx, m.RepoDir(repo), checkout)
		if err != nil || !registered {
			t.Errorf("checkout for %s not registered as a worktree (%v)", repo, err)
		}
	}

	meta, err := readMetadata(ws.Path)
	if err != nil {
		t.Fatal(err)
	}
	if meta.BranchName != "remove-flag/new-checkout-flow" {
		t.Errorf("metadata branch = %q", meta.BranchName)
	}
	if meta.OwningReposRoot != m.reposRoot {
		t.Errorf("metadata owner = %q, want %q", meta.OwningReposRoot, m.reposRoot)
	}
}

func TestCreate_ReplacesStaleState(t *testing.T) {
	m, _ := testManager(t, "svcA")
	ctx := context.Background()

	ws1, err := m.Create(ctx, "remove-flag/x", []string{"svcA"})
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crashed run: the directory is still there, the branch
	// still exists, and a second run wants the same branch.
	_ = ws1

	ws2, err := m.Create(ctx, "remove-flag/x", []string{"svcA"})
	if err != nil {
		t.Fatalf("second create over stale state: %v", err)
	}
	if _, err := os.Stat(ws2.CheckoutPath("svcA")); err != nil {
		t.Error("fresh checkout missing after stale replacement")
	}
}

func TestCreate_SetupFailureRollsBack(t *testing.T) {
	m, _ := testManager(t, "svcA", "svcB")
	m.cfg.Repos["svcB"] = config.RepoSettings{Setup: []string{"exit 7"}}
	ctx := context.Background()

	_, err := m.Create(ctx, "remove-flag/x", []string{"svcA", "svcB"})
	var wse *domain.WorkspaceSetupError
	if !errors.As(err, &wse) {
		t.Fatalf("err = %v, want WorkspaceSetupError", err)
	}

	wsPath := filepath.Join(m.basePath, "remove-flag--x")
	if _, statErr := os.Stat(wsPath); !os.IsNotExist(statErr) {
		t.Error("workspace dir left behind after failed setup")
	}

	// The successfully-created svcA worktree must be rolled back too.
	worktrees, err := gitx.ListWorktrees(ctx, m.RepoDir("svcA"))
	if err != nil {
		t.Fatal(err)
	}
	if len(worktrees) != 1 {
		t.Errorf("svcA worktrees = %v, want only the main clone", worktrees)
	}
}

func TestCreate_SetupSubstitutesMainRepo(t *testing.T) {
	m, reposRoot := testManager(t, "svcA")
	marker := filepath.Join(t.TempDir(), "main-repo.txt")
	m.cfg.Repos["svcA"] = config.RepoSettings{
		Setup: []string{fmt.Sprintf("echo ${MAIN_REPO} > %s", marker)},
	}

	if _, err := m.Create(context.Background(), "remove-flag/x", []string{"svcA"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(reposRoot, "svcA")
	if got := string(data); got != want+"\n" {
		t.Errorf("setup saw MAIN_REPO = %q, want %q", got, want)
	}
}

func TestDestroy(t *testing.T) {
	m, _ := testManager(t, "svcA")
	ctx := context.Background()

	ws, err := m.Create(ctx, "remove-flag/x", []string{"svcA"})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Destroy(ctx, ws); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("workspace dir still exists after Destroy")
	}

	// Destroying again must be safe.
	if err := m.Destroy(ctx, ws); err != nil {
		t.Errorf("second Destroy = %v, want nil", err)
	}
}

func TestReclaim_OwnershipInvariant(t *testing.T) {
	m, _ := testManager(t, "svcA")
	ctx := context.Background()

	// A workspace whose metadata names a different repos root must
	// survive reclamation untouched.
	foreign := filepath.Join(m.basePath, "remove-flag--foreign")
	os.MkdirAll(foreign, 0755)
	writeMetadata(foreign, Metadata{
		OwningReposRoot: "/somewhere/else",
		BranchName:      "remove-flag/foreign",
		CreatedAt:       time.Now(),
	})

	err := m.Reclaim(ctx, func(key string) (bool, bool) { return false, true })
	if err != nil {
		t.Fatal(err)
	}

	if _, statErr := os.Stat(foreign); statErr != nil {
		t.Error("reclaim deleted a workspace owned by another repos root")
	}
}

func TestReclaim_SkipsOpenReview(t *testing.T) {
	m, _ := testManager(t, "svcA")
	ctx := context.Background()

	ws, err := m.Create(ctx, "remove-flag/still-open", []string{"svcA"})
	if err != nil {
		t.Fatal(err)
	}

	err = m.Reclaim(ctx, func(key string) (bool, bool) {
		return key == "still-open", true
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, statErr := os.Stat(ws.Path); statErr != nil {
		t.Error("reclaim deleted a workspace whose review is still open")
	}
}

func TestReclaim_DeletesClosedOwned(t *testing.T) {
	m, _ := testManager(t, "svcA")
	ctx := context.Background()

	ws, err := m.Create(ctx, "remove-flag/merged", []string{"svcA"})
	if err != nil {
		t.Fatal(err)
	}

	err = m.Reclaim(ctx, func(key string) (bool, bool) { return false, true })
	if err != nil {
		t.Fatal(err)
	}

	if _, statErr := os.Stat(ws.Path); !os.IsNotExist(statErr) {
		t.Error("reclaim left a closed, owned workspace in place")
	}
}

func TestReclaim_LegacyUnverifiedSurvives(t *testing.T) {
	m, _ := testManager(t, "svcA")
	ctx := context.Background()

	// Metadata-less directory with a sub-entry that merely looks like a
	// checkout. It is not registered with any clone, so nothing may be
	// deleted.
	legacy := filepath.Join(m.basePath, "remove-flag--old")
	os.MkdirAll(filepath.Join(legacy, "svcA"), 0755)
	os.WriteFile(filepath.Join(legacy, "svcA", "data.txt"), []byte("precious"), 0644)

	err := m.Reclaim(ctx, func(key string) (bool, bool) { return false, true })
	if err != nil {
		t.Fatal(err)
	}

	if _, statErr := os.Stat(filepath.Join(legacy, "svcA", "data.txt")); statErr != nil {
		t.Error("reclaim deleted unverified legacy data")
	}
}

func TestRepoLock_Exclusive(t *testing.T) {
	m, reposRoot := testManager(t, "svcA")
	repoDir := filepath.Join(reposRoot, "svcA")

	type window struct{ start, end time.Time }
	var mu sync.Mutex
	var windows []window

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := m.repoLock(repoDir)
			lock.Lock()
			w := window{start: time.Now()}
			time.Sleep(5 * time.Millisecond)
			w.end = time.Now()
			lock.Unlock()

			mu.Lock()
			windows = append(windows, w)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i := range windows {
		for j := i + 1; j < len(windows); j++ {
			a, b := windows[i], windows[j]
			if a.start.Before(b.end) && b.start.Before(a.end) {
				t.Fatalf("mutation windows overlap: %v and %v", a, b)
			}
		}
	}
}

func TestRepoLock_SamePathSameLock(t *testing.T) {
	m, reposRoot := testManager(t, "svcA", "svcB")

	a := m.repoLock(filepath.Join(reposRoot, "svcA"))
	b := m.repoLock(filepath.Join(reposRoot, "svcA"))
	if a != b {
		t.Error("same repo path produced different locks")
	}

	c := m.repoLock(filepath.Join(reposRoot, "svcB"))
	if a == c {
		t.Error("different repo paths share a lock")
	}
}
