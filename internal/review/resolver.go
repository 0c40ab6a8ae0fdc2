package review

import (
	"context"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/flagsweep/flagsweep/internal/domain"
	"github.com/flagsweep/flagsweep/internal/gitx"
)

// Resolver queries the review host for removal pull requests. All lookups
// fail closed: an unreachable review system surfaces an error instead of an
// empty history, because "no review found" admits tasks and reclaims
// workspaces.
type Resolver struct {
	client *github.Client
	logger *zap.Logger
}

// NewResolver builds a resolver authenticated with a GitHub token
func NewResolver(token string, logger *zap.Logger) *Resolver {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return &Resolver{
		client: github.NewClient(tc),
		logger: logger,
	}
}

// NewResolverWithClient builds a resolver around an existing API client.
// Used by tests with a stub transport.
func NewResolverWithClient(client *github.Client, logger *zap.Logger) *Resolver {
	return &Resolver{client: client, logger: logger}
}

// FetchAll lists every removal pull request of a repository in one batch
// pass and groups the records by sanitized flag key. One paginated listing
// per repository, never one call per task.
func (r *Resolver) FetchAll(ctx context.Context, slug gitx.Slug) (map[string][]Record, error) {
	records := make(map[string][]Record)

	opts := &github.PullRequestListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		prs, resp, err := r.client.PullRequests.List(ctx, slug.Owner, slug.Repo, opts)
		if err != nil {
			return nil, &domain.ReviewDiscoveryError{Repo: slug.String(), Err: err}
		}
		for _, pr := range prs {
			key, ok := domain.KeyFromBranch(pr.GetHead().GetRef())
			if !ok {
				continue
			}
			records[key] = append(records[key], toRecord(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	r.logger.Debug("fetched review history",
		zap.String("repo", slug.String()),
		zap.Int("keys", len(records)),
	)
	return records, nil
}

// Resolve reduces the review history for a single flag key in one
// repository
func (r *Resolver) Resolve(ctx context.Context, slug gitx.Slug, key string) (Verdict, error) {
	branch := domain.BranchPrefix + domain.SanitizeKey(key)
	opts := &github.PullRequestListOptions{
		State:       "all",
		Head:        slug.Owner + ":" + branch,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var records []Record
	prs, _, err := r.client.PullRequests.List(ctx, slug.Owner, slug.Repo, opts)
	if err != nil {
		return Verdict{}, &domain.ReviewDiscoveryError{Repo: slug.String(), Err: err}
	}
	for _, pr := range prs {
		records = append(records, toRecord(pr))
	}
	return Reduce(records), nil
}

func toRecord(pr *github.PullRequest) Record {
	open := strings.EqualFold(pr.GetState(), "open")
	merged := pr.MergedAt != nil
	return Record{
		URL:       pr.GetHTMLURL(),
		Open:      open,
		Declined:  !open && !merged,
		CreatedAt: pr.GetCreatedAt().Time,
	}
}
