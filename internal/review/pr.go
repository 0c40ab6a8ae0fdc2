package review

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/flagsweep/flagsweep/internal/domain"
	"github.com/flagsweep/flagsweep/internal/gitx"
)

const prBodyTemplate = `## Summary
Removes the stale feature flag ` + "`%s`" + `, keeping the %s code path.

%s

## Verification
- tests: %s
- lint: %s
- typecheck: %s

---
Automated removal by flagsweep
`

// BuildPRBody constructs the pull request body for a completed removal
func BuildPRBody(task *domain.Task, summary, tests, lint, typecheck string) string {
	return fmt.Sprintf(prBodyTemplate,
		task.Key,
		task.KeepBranch,
		summary,
		orUnknown(tests),
		orUnknown(lint),
		orUnknown(typecheck),
	)
}

func orUnknown(s string) string {
	if s == "" {
		return "not reported"
	}
	return s
}

// EnsurePR opens a pull request for a pushed removal branch, or updates the
// body of an existing open one so reruns refresh rather than duplicate.
// Returns the PR URL.
func (r *Resolver) EnsurePR(ctx context.Context, slug gitx.Slug, base, branch, title, body string) (string, error) {
	opts := &github.PullRequestListOptions{
		State: "open",
		Head:  slug.Owner + ":" + branch,
	}
	existing, _, err := r.client.PullRequests.List(ctx, slug.Owner, slug.Repo, opts)
	if err != nil {
		return "", fmt.Errorf("listing open PRs for %s: %w", branch, err)
	}

	if len(existing) > 0 {
		pr := existing[0]
		pr.Body = github.String(body)
		updated, _, err := r.client.PullRequests.Edit(ctx, slug.Owner, slug.Repo, pr.GetNumber(), pr)
		if err != nil {
			return "", fmt.Errorf("updating PR #%d: %w", pr.GetNumber(), err)
		}
		r.logger.Info("updated pull request",
			zap.String("repo", slug.String()),
			zap.Int("number", updated.GetNumber()),
		)
		return updated.GetHTMLURL(), nil
	}

	pr, _, err := r.client.PullRequests.Create(ctx, slug.Owner, slug.Repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(branch),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("creating PR for %s: %w", branch, err)
	}

	r.logger.Info("created pull request",
		zap.String("repo", slug.String()),
		zap.Int("number", pr.GetNumber()),
		zap.String("url", pr.GetHTMLURL()),
	)
	return pr.GetHTMLURL(), nil
}

// PRTitle returns the pull request title for a task
func PRTitle(task *domain.Task) string {
	return fmt.Sprintf("chore: remove stale feature flag %s (keep %s)", task.Key, task.KeepBranch)
}
