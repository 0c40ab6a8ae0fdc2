package gitx

import (
	"context"
	"fmt"
	"strings"
)

// Slug identifies a repository on the review host
type Slug struct {
	Owner string
	Repo  string
}

func (s Slug) String() string {
	return s.Owner + "/" + s.Repo
}

// RemoteSlug derives the owner/repo slug from a clone's origin URL
func RemoteSlug(ctx context.Context, repoDir string) (Slug, error) {
	out, err := Run(ctx, repoDir, "remote", "get-url", "origin")
	if err != nil {
		return Slug{}, err
	}
	return ParseRemoteURL(strings.TrimSpace(out))
}

// ParseRemoteURL extracts owner/repo from the https and ssh remote URL
// forms:
//
//	https://github.com/owner/repo.git
//	git@github.com:owner/repo.git
//	ssh://git@github.com/owner/repo.git
func ParseRemoteURL(url string) (Slug, error) {
	s := strings.TrimSuffix(url, ".git")

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		// drop host
		if j := strings.Index(s, "/"); j >= 0 {
			s = s[j+1:]
		}
	} else if i := strings.Index(s, ":"); i >= 0 && strings.Contains(s[:i], "@") {
		// scp-like syntax: git@host:owner/repo
		s = s[i+1:]
	}

	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return Slug{}, fmt.Errorf("cannot parse owner/repo from remote url %q", url)
	}
	return Slug{Owner: parts[len(parts)-2], Repo: parts[len(parts)-1]}, nil
}
