package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/flagsweep/flagsweep/internal/agent"
	"github.com/flagsweep/flagsweep/internal/config"
	"github.com/flagsweep/flagsweep/internal/domain"
	"github.com/flagsweep/flagsweep/internal/gitx"
	"github.com/flagsweep/flagsweep/internal/review"
	"github.com/flagsweep/flagsweep/internal/runlog"
	"github.com/flagsweep/flagsweep/internal/workspace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// breakerThreshold is the number of consecutive failed tasks that stops
// admission of new tasks for the rest of the run.
const breakerThreshold = 3

// WorkspaceManager is the workspace lifecycle the scheduler drives
type WorkspaceManager interface {
	Create(ctx context.Context, branch string, repos []string) (*workspace.Workspace, error)
	Destroy(ctx context.Context, ws *workspace.Workspace) error
	Reclaim(ctx context.Context, lookup workspace.VerdictLookup) error
	RepoDir(repo string) string
}

// AgentRunner invokes the configured code-modification agent once per task
type AgentRunner interface {
	Invoke(ctx context.Context, workspacePath, branch, prompt string) (*agent.Result, error)
}

// ReviewService queries and creates pull requests
type ReviewService interface {
	FetchAll(ctx context.Context, slug gitx.Slug) (map[string][]review.Record, error)
	EnsurePR(ctx context.Context, slug gitx.Slug, base, branch, title, body string) (string, error)
}

// GitOps abstracts the git operations the scheduler runs inside checkouts.
// Real runs use gitOps; tests substitute a fake.
type GitOps interface {
	HasReference(ctx context.Context, repoDir, key string) (bool, error)
	HasChanges(ctx context.Context, dir string) (bool, error)
	CommitAll(ctx context.Context, dir, message string) error
	Push(ctx context.Context, dir, branch string) error
	RemoteSlug(ctx context.Context, repoDir string) (gitx.Slug, error)
}

type gitOps struct{}

func (gitOps) HasReference(ctx context.Context, repoDir, key string) (bool, error) {
	return gitx.HasReference(ctx, repoDir, key)
}
func (gitOps) HasChanges(ctx context.Context, dir string) (bool, error) {
	return gitx.HasChanges(ctx, dir)
}
func (gitOps) CommitAll(ctx context.Context, dir, message string) error {
	return gitx.CommitAll(ctx, dir, message)
}
func (gitOps) Push(ctx context.Context, dir, branch string) error {
	return gitx.Push(ctx, dir, branch)
}
func (gitOps) RemoteSlug(ctx context.Context, repoDir string) (gitx.Slug, error) {
	return gitx.RemoteSlug(ctx, repoDir)
}

// Options bound one run
type Options struct {
	Concurrency   int
	Budget        int
	DryRun        bool
	KeepWorkspace bool
}

// Scheduler admits candidate tasks under bounded concurrency and a shared
// pull-request budget, and drives each admitted task through workspace
// creation, agent invocation, and pull-request creation.
type Scheduler struct {
	cfg        *config.Config
	repos      []string
	workspaces WorkspaceManager
	agent      AgentRunner
	reviews    ReviewService
	git        GitOps
	logs       *runlog.Dir
	logger     *zap.Logger
	opts       Options
}

// New builds a scheduler over the given collaborators
func New(cfg *config.Config, workspaces WorkspaceManager, agentRunner AgentRunner, reviews ReviewService, logs *runlog.Dir, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Scheduler{
		cfg:        cfg,
		repos:      cfg.RepoNames(),
		workspaces: workspaces,
		agent:      agentRunner,
		reviews:    reviews,
		git:        gitOps{},
		logs:       logs,
		logger:     logger,
		opts:       opts,
	}
}

// Run screens all candidates in two batch phases, reclaims finished
// workspaces, then executes what survived. Run-scoped errors abort before
// any task executes; per-task failures land in the summary.
func (s *Scheduler) Run(ctx context.Context, tasks []domain.Task) (*runlog.Summary, error) {
	summary := &runlog.Summary{
		StartedAt: time.Now(),
		DryRun:    s.opts.DryRun,
		Budget:    s.opts.Budget,
	}

	verdicts, err := s.resolveReviews(ctx)
	if err != nil {
		return nil, err
	}

	if !s.opts.DryRun {
		lookup := func(key string) (open bool, known bool) {
			v, ok := verdicts[key]
			return ok && v.State == review.StateOpen, ok
		}
		if err := s.workspaces.Reclaim(ctx, lookup); err != nil {
			s.logger.Warn("workspace reclamation failed", zap.Error(err))
		}
	}

	var runnable []domain.Task
	for _, task := range tasks {
		verdict := verdicts[domain.SanitizeKey(task.Key)]
		if verdict.Blocked() {
			s.record(summary, blockedOutcome(task, verdict))
			continue
		}
		runnable = append(runnable, task)
	}

	runnable, err = s.findReferences(ctx, runnable)
	if err != nil {
		return nil, err
	}

	s.schedule(ctx, runnable, summary)

	summary.FinishedAt = time.Now()
	if err := s.logs.WriteSummary(summary); err != nil {
		s.logger.Warn("writing summary failed", zap.Error(err))
	}
	return summary, nil
}

// resolveReviews performs the safety batch: one pull-request listing per
// repository, reduced to one verdict per task key. Fail-closed.
func (s *Scheduler) resolveReviews(ctx context.Context) (map[string]review.Verdict, error) {
	merged := make(map[string][]review.Record)
	for _, repo := range s.repos {
		slug, err := s.git.RemoteSlug(ctx, s.workspaces.RepoDir(repo))
		if err != nil {
			return nil, &domain.ReviewDiscoveryError{Repo: repo, Err: err}
		}
		records, err := s.reviews.FetchAll(ctx, slug)
		if err != nil {
			return nil, err
		}
		for key, recs := range records {
			merged[key] = append(merged[key], recs...)
		}
	}
	return review.ReduceAll(merged), nil
}

// findReferences performs the presence batch: which repositories mention
// each flag key at all. The result feeds budget reservation only.
func (s *Scheduler) findReferences(ctx context.Context, tasks []domain.Task) ([]domain.Task, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range tasks {
		i := i
		g.Go(func() error {
			var matches []string
			for _, repo := range s.repos {
				found, err := s.git.HasReference(gctx, s.workspaces.RepoDir(repo), tasks[i].Key)
				if err != nil {
					return fmt.Errorf("searching %s for %s: %w", repo, tasks[i].Key, err)
				}
				if found {
					matches = append(matches, repo)
				}
			}
			tasks[i].ReposWithMatch = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tasks, nil
}

type completion struct {
	outcome  runlog.TaskOutcome
	reserved int
	produced int
}

// schedule is the single-threaded admission loop. Budget and the breaker
// counter are only touched here, never from task goroutines.
func (s *Scheduler) schedule(ctx context.Context, pending []domain.Task, summary *runlog.Summary) {
	budget := s.opts.Budget
	inflight := 0
	consecutiveFailures := 0
	breakerOpen := false
	results := make(chan completion)

	for {
		for !breakerOpen && inflight < s.opts.Concurrency {
			idx := pickFit(pending, budget)
			if idx < 0 {
				break
			}
			task := pending[idx]
			pending = append(pending[:idx:idx], pending[idx+1:]...)
			reserved := task.Reservation()
			budget -= reserved
			inflight++
			s.logger.Info("task admitted",
				zap.String("flag", task.Key),
				zap.Int("reserved", reserved),
				zap.Int("budgetLeft", budget))
			go func() {
				results <- s.execute(ctx, task, reserved)
			}()
		}

		if inflight == 0 {
			break
		}

		c := <-results
		inflight--
		if !s.opts.DryRun {
			budget += c.reserved - c.produced
		}
		summary.Produced += c.produced

		switch c.outcome.Status {
		case domain.StatusFailed:
			consecutiveFailures++
		case domain.StatusComplete, domain.StatusRefused:
			consecutiveFailures = 0
		}
		if consecutiveFailures >= breakerThreshold && !breakerOpen {
			breakerOpen = true
			s.logger.Error("circuit breaker open, no further tasks will be admitted",
				zap.Int("consecutiveFailures", consecutiveFailures))
		}

		s.record(summary, c.outcome)
	}

	for _, task := range pending {
		reason := "insufficient budget remaining"
		if breakerOpen {
			reason = fmt.Sprintf("circuit breaker open after %d consecutive failures", breakerThreshold)
		}
		s.record(summary, runlog.TaskOutcome{
			Key:    task.Key,
			Status: domain.StatusSkipped,
			Reason: reason,
		})
	}
}

// pickFit returns the first queued task whose reservation fits the
// remaining budget, so a cheap late task is not starved behind an
// expensive early one.
func pickFit(pending []domain.Task, budget int) int {
	for i, task := range pending {
		if task.Reservation() <= budget {
			return i
		}
	}
	return -1
}

func blockedOutcome(task domain.Task, verdict review.Verdict) runlog.TaskOutcome {
	reason := "blocked by review history"
	if verdict.Representative != nil {
		switch verdict.State {
		case review.StateOpen:
			reason = "open pull request exists: " + verdict.Representative.URL
		case review.StateDeclined:
			reason = "previously declined: " + verdict.Representative.URL
		}
	}
	return runlog.TaskOutcome{Key: task.Key, Status: domain.StatusSkipped, Reason: reason}
}

func (s *Scheduler) record(summary *runlog.Summary, outcome runlog.TaskOutcome) {
	switch outcome.Status {
	case domain.StatusComplete:
		summary.Complete++
	case domain.StatusRefused:
		summary.Refused++
	case domain.StatusFailed:
		summary.Failed++
	case domain.StatusSkipped:
		summary.Skipped++
	}
	summary.Tasks = append(summary.Tasks, outcome)

	s.logger.Info("task finished",
		zap.String("flag", outcome.Key),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.Reason))
}
