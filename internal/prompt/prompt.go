package prompt

import (
	"fmt"
	"strings"

	"github.com/flagsweep/flagsweep/internal/agent"
	"github.com/flagsweep/flagsweep/internal/domain"
)

const removalTemplate = `You are removing the stale feature flag %q from this codebase.

The flag is permanently %s. Remove the flag and keep only the %s code path.

Checked-out repositories in this workspace:
%s

Instructions:
1. Find every reference to the flag key %q across all listed repositories.
2. Remove the flag check and the dead branch; keep the %s behavior inline.
3. Delete flag definitions, registrations, and configuration entries for this flag.
4. Remove tests that only exercise the dead branch; update tests that cover both.
5. Run each repository's test suite, linter, and type checker if available.
6. Commit nothing; the orchestrator handles commits and pull requests.
%s
When you are done, print the line

%s

followed by a single JSON object (no code fence) of the form:

{"status": "success" | "refused", "summary": "...", "filesChanged": ["..."], "testsPass": true, "lintPass": true, "typecheckPass": true}

Use status "refused" with an explanatory summary if the flag cannot be
removed safely, for example because it is still referenced from an active
experiment or external configuration. Do not ask for clarification.
`

// BuildRemoval constructs the removal prompt for a workspace with one
// checkout per configured repository.
func BuildRemoval(task domain.Task, checkouts map[string]string, repoOrder []string) string {
	var repos strings.Builder
	for _, name := range repoOrder {
		if path, ok := checkouts[name]; ok {
			fmt.Fprintf(&repos, "- %s: %s\n", name, path)
		}
	}

	keep := "enabled"
	state := "enabled (100% rollout)"
	if task.KeepBranch == domain.KeepDisabled {
		keep = "disabled"
		state = "disabled"
	}

	var provenance string
	if task.Reason != "" {
		provenance = fmt.Sprintf("\nContext: %s\n", task.Reason)
	}

	return fmt.Sprintf(removalTemplate,
		task.Key,
		state,
		keep,
		strings.TrimRight(repos.String(), "\n"),
		task.Key,
		keep,
		provenance,
		agent.ResultDelimiter,
	)
}
