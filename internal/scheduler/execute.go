package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flagsweep/flagsweep/internal/agent"
	"github.com/flagsweep/flagsweep/internal/domain"
	"github.com/flagsweep/flagsweep/internal/prompt"
	"github.com/flagsweep/flagsweep/internal/review"
	"github.com/flagsweep/flagsweep/internal/runlog"
	"github.com/flagsweep/flagsweep/internal/workspace"
	"go.uber.org/zap"
)

// execute drives one admitted task to a terminal status. Task-scoped
// failures end up in the completion record, never as panics or aborts.
func (s *Scheduler) execute(ctx context.Context, task domain.Task, reserved int) completion {
	start := time.Now()
	c := completion{reserved: reserved}
	c.outcome = runlog.TaskOutcome{Key: task.Key}

	tlog, err := s.logs.Begin(domain.SanitizeKey(task.Key))
	if err != nil {
		c.outcome.Status = domain.StatusFailed
		c.outcome.Reason = fmt.Sprintf("opening task log: %v", err)
		c.outcome.DurationMS = time.Since(start).Milliseconds()
		return c
	}
	finish := func(status domain.TaskStatus, reason string) completion {
		c.outcome.Status = status
		c.outcome.Reason = reason
		c.outcome.DurationMS = time.Since(start).Milliseconds()
		tlog.Printf("result: %s %s", status, reason)
		if err := tlog.Close(status); err != nil {
			s.logger.Warn("closing task log", zap.String("flag", task.Key), zap.Error(err))
		}
		return c
	}

	tlog.Printf("removing flag %s, keeping the %s path", task.Key, task.KeepBranch)
	if len(task.ReposWithMatch) > 0 {
		tlog.Printf("key referenced in: %s", strings.Join(task.ReposWithMatch, ", "))
	} else {
		tlog.Printf("key not found by text search, agent will verify")
	}

	if s.opts.DryRun {
		tlog.Printf("dry run: would reserve %d of the budget and invoke the agent", reserved)
		return finish(domain.StatusSkipped, "dry run")
	}

	ws, err := s.workspaces.Create(ctx, task.Branch(), s.repos)
	if err != nil {
		return finish(domain.StatusFailed, err.Error())
	}

	removalPrompt := prompt.BuildRemoval(task, ws.Checkouts, s.repos)
	tlog.Printf("invoking agent in %s", ws.Path)
	res, err := s.agent.Invoke(ctx, ws.Path, ws.Branch, removalPrompt)
	if err != nil {
		s.release(ctx, ws, false, &c.outcome)
		return finish(domain.StatusFailed, err.Error())
	}
	tlog.Write([]byte(res.Raw))
	c.outcome.ResumeCommand = res.ResumeCommand

	if res.Status == agent.StatusRefused {
		s.release(ctx, ws, false, &c.outcome)
		return finish(domain.StatusRefused, res.Summary)
	}

	urls, failed := s.publish(ctx, task, ws, res, tlog)
	c.produced = len(urls)
	c.outcome.PullRequests = urls

	switch {
	case len(urls) > 0:
		// keep the workspace so the agent session can be resumed while
		// the pull requests are in review
		s.release(ctx, ws, true, &c.outcome)
		if failed > 0 {
			return finish(domain.StatusComplete,
				fmt.Sprintf("%d repositor%s failed to publish", failed, plural(failed, "y", "ies")))
		}
		return finish(domain.StatusComplete, "")
	case failed > 0:
		s.release(ctx, ws, false, &c.outcome)
		return finish(domain.StatusFailed, "no repository produced a pull request")
	default:
		s.release(ctx, ws, false, &c.outcome)
		return finish(domain.StatusComplete, "no changes needed")
	}
}

// release destroys the workspace unless it is kept, and blanks the resume
// command when the workspace it points at is gone.
func (s *Scheduler) release(ctx context.Context, ws *workspace.Workspace, keep bool, outcome *runlog.TaskOutcome) {
	if keep || s.opts.KeepWorkspace {
		return
	}
	outcome.ResumeCommand = ""
	if err := s.workspaces.Destroy(ctx, ws); err != nil {
		s.logger.Warn("workspace left in place",
			zap.String("path", ws.Path), zap.Error(err))
	}
}

// publish commits, pushes, and opens one pull request per repository with
// a non-empty diff, up to the task's budget reservation. A task counts as
// published if at least one repository made it through.
func (s *Scheduler) publish(ctx context.Context, task domain.Task, ws *workspace.Workspace, res *agent.Result, tlog *runlog.TaskLog) (urls []string, failed int) {
	title := review.PRTitle(&task)
	body := review.BuildPRBody(&task, res.Summary,
		checkOutcome(res, "tests"), checkOutcome(res, "lint"), checkOutcome(res, "typecheck"))

	for _, repo := range s.repos {
		checkout, ok := ws.Checkouts[repo]
		if !ok {
			continue
		}
		changed, err := s.git.HasChanges(ctx, checkout)
		if err != nil {
			tlog.Printf("%s: checking for changes: %v", repo, err)
			failed++
			continue
		}
		if !changed {
			tlog.Printf("%s: no changes", repo)
			continue
		}
		if len(urls) >= task.Reservation() {
			tlog.Printf("%s: has changes but the budget reservation is spent, skipping", repo)
			continue
		}
		url, err := s.publishRepo(ctx, task, ws, repo, checkout, title, body)
		if err != nil {
			tlog.Printf("%s: %v", repo, err)
			failed++
			continue
		}
		tlog.Printf("%s: opened %s", repo, url)
		urls = append(urls, url)
	}
	return urls, failed
}

func (s *Scheduler) publishRepo(ctx context.Context, task domain.Task, ws *workspace.Workspace, repo, checkout, title, body string) (string, error) {
	message := fmt.Sprintf("Remove stale feature flag %s (keep %s)", task.Key, task.KeepBranch)
	if err := s.git.CommitAll(ctx, checkout, message); err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	if err := s.git.Push(ctx, checkout, ws.Branch); err != nil {
		return "", fmt.Errorf("pushing: %w", err)
	}
	slug, err := s.git.RemoteSlug(ctx, s.workspaces.RepoDir(repo))
	if err != nil {
		return "", fmt.Errorf("resolving remote: %w", err)
	}
	base, err := s.cfg.ResolveBaseBranch(repo)
	if err != nil {
		return "", err
	}
	return s.reviews.EnsurePR(ctx, slug, base, ws.Branch, title, body)
}

// checkOutcome prefers the agent's free-form verification detail over the
// bare booleans when it gave one
func checkOutcome(res *agent.Result, kind string) string {
	var pass bool
	var detail string
	switch kind {
	case "tests":
		pass = res.TestsPass
		if res.VerificationDetails != nil {
			detail = res.VerificationDetails.Tests
		}
	case "lint":
		pass = res.LintPass
		if res.VerificationDetails != nil {
			detail = res.VerificationDetails.Lint
		}
	case "typecheck":
		pass = res.TypecheckPass
		if res.VerificationDetails != nil {
			detail = res.VerificationDetails.Typecheck
		}
	}
	if detail != "" {
		return detail
	}
	if pass {
		return "pass"
	}
	return "fail"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
