package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/flagsweep/flagsweep/internal/domain"
	"go.uber.org/zap"
)

const defaultHost = "https://us.posthog.com"

// PostHogClient lists feature flags from the PostHog API and filters them
// down to stale removal candidates.
type PostHogClient struct {
	host       string
	apiKey     string
	projectIDs []string
	staleDays  int
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewPostHogClient builds a client for the given projects. The API key comes
// from the environment, never from config.
func NewPostHogClient(host, apiKey string, projectIDs []string, staleDays int, logger *zap.Logger) *PostHogClient {
	if host == "" {
		host = defaultHost
	}
	if staleDays <= 0 {
		staleDays = 90
	}
	return &PostHogClient{
		host:       host,
		apiKey:     apiKey,
		projectIDs: projectIDs,
		staleDays:  staleDays,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
}

// featureFlag mirrors the fields we read from the PostHog flag listing
type featureFlag struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Deleted   bool   `json:"deleted"`
	CreatedAt string `json:"created_at"`
	CreatedBy struct {
		Email string `json:"email"`
	} `json:"created_by"`
	Filters struct {
		Groups []struct {
			RolloutPercentage *float64 `json:"rollout_percentage"`
		} `json:"groups"`
	} `json:"filters"`
}

type flagPage struct {
	Next    string        `json:"next"`
	Results []featureFlag `json:"results"`
}

// Fetch lists every flag in every configured project and returns the stale
// ones as removal candidates, deduplicated by key.
func (c *PostHogClient) Fetch(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	seen := make(map[string]bool)

	for _, projectID := range c.projectIDs {
		flags, err := c.listFlags(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("listing flags for project %s: %w", projectID, err)
		}
		c.logger.Info("fetched feature flags",
			zap.String("project", projectID),
			zap.Int("count", len(flags)))

		for _, flag := range flags {
			task, ok := c.candidate(flag)
			if !ok || seen[task.Key] {
				continue
			}
			seen[task.Key] = true
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (c *PostHogClient) listFlags(ctx context.Context, projectID string) ([]featureFlag, error) {
	next := fmt.Sprintf("%s/api/projects/%s/feature_flags/?limit=100", c.host, url.PathEscape(projectID))

	var flags []featureFlag
	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("posthog returned %d: %s", resp.StatusCode, truncate(body, 200))
		}

		var page flagPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decoding flag page: %w", err)
		}
		flags = append(flags, page.Results...)
		next = page.Next
	}
	return flags, nil
}

// candidate decides whether a flag is a removal candidate and which branch
// to keep. Flags at partial rollout are never candidates; removing either
// side would change behavior for someone.
func (c *PostHogClient) candidate(flag featureFlag) (domain.Task, bool) {
	if flag.Deleted {
		return domain.Task{}, false
	}

	created, err := time.Parse(time.RFC3339, flag.CreatedAt)
	if err != nil || c.now().Sub(created) < time.Duration(c.staleDays)*24*time.Hour {
		return domain.Task{}, false
	}

	keep, reason, ok := c.keepSide(flag)
	if !ok {
		return domain.Task{}, false
	}

	return domain.Task{
		Key:          flag.Key,
		KeepBranch:   keep,
		Reason:       reason,
		LastModified: flag.CreatedAt,
		CreatedBy:    flag.CreatedBy.Email,
	}, true
}

func (c *PostHogClient) keepSide(flag featureFlag) (domain.KeepBranch, string, bool) {
	if !flag.Active {
		return domain.KeepDisabled, fmt.Sprintf("flag disabled for over %d days", c.staleDays), true
	}
	for _, group := range flag.Filters.Groups {
		if group.RolloutPercentage != nil && *group.RolloutPercentage < 100 {
			return "", "", false
		}
	}
	return domain.KeepEnabled, fmt.Sprintf("flag at 100%% rollout for over %d days", c.staleDays), true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
