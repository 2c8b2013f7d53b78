// Package trigger decides which workflows respond to a simulated event.
//
// An event pairs an event type (push, pull_request, workflow_dispatch)
// with a branch name. Workflows declare trigger filters in their "on"
// block; this package matches events against those filters and reports
// a human-readable reason for each decision, which the plan command
// surfaces for skipped workflows.
package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mmr-tortoise/gantry/internal/model"
	"github.com/mmr-tortoise/gantry/internal/workflow"
)

// Event is a simulated repository event that selects workflows to run.
type Event struct {
	// Type is the event kind being simulated.
	Type model.EventType `json:"type"`

	// Branch is the branch the event applies to.
	Branch string `json:"branch"`
}

// String returns the event in "push@main" form for display.
func (e Event) String() string {
	return fmt.Sprintf("%s@%s", e.Type, e.Branch)
}

// Matches reports whether a workflow's triggers respond to an event.
// The reason explains the decision in either direction so the plan
// command can show why a workflow was selected or skipped.
//
// workflow_dispatch events match every workflow: a manual run is an
// explicit request, so the declaration in the "on" block only matters
// for push and pull_request simulation.
func Matches(t *workflow.Triggers, ev Event) (bool, string) {
	switch ev.Type {
	case model.EventDispatch:
		return true, "manual dispatch"

	case model.EventPush:
		return matchEvent("push", t.Push, ev.Branch)

	case model.EventPullRequest:
		return matchEvent("pull_request", t.PullRequest, ev.Branch)
	}

	return false, fmt.Sprintf("unknown event type %q", ev.Type)
}

// matchEvent applies one trigger's branch filter to an event branch.
func matchEvent(kind string, filter *workflow.BranchFilter, branch string) (bool, string) {
	if filter == nil {
		return false, fmt.Sprintf("workflow has no %s trigger", kind)
	}
	if len(filter.Branches) == 0 {
		return true, fmt.Sprintf("%s trigger matches all branches", kind)
	}
	for _, pattern := range filter.Branches {
		if MatchBranch(pattern, branch) {
			return true, fmt.Sprintf("branch %q matches %s filter %q", branch, kind, pattern)
		}
	}
	return false, fmt.Sprintf("branch %q does not match %s branch filters %v", branch, kind, filter.Branches)
}

// MatchBranch reports whether a branch name matches a filter pattern.
//
// Patterns are literal except for two wildcards: "*" matches any
// sequence of characters within one path segment (it does not cross
// "/"), and "**" matches across segments. So "release-*" matches
// "release-1.5" but not "release/1.5", while "feature/**" matches
// "feature/auth/retry".
func MatchBranch(pattern, branch string) bool {
	// Quote the pattern so dots and other regexp metacharacters stay
	// literal, then translate the quoted wildcards back into regexp.
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\*`, `[^/]*`)

	// The pattern is fully quoted apart from the substitutions above,
	// so compilation cannot fail.
	re := regexp.MustCompile("^" + quoted + "$")
	return re.MatchString(branch)
}

// DetectBranch reads the checked-out branch from the workspace's .git
// directory. It understands both regular repositories (.git directory)
// and linked worktrees (.git file containing a gitdir pointer).
//
// Returns the branch name for a symbolic HEAD, the raw commit hash for
// a detached HEAD, or an error when the workspace is not a git
// repository.
func DetectBranch(workspace string) (string, error) {
	gitPath := filepath.Join(workspace, ".git")

	info, err := os.Stat(gitPath)
	if err != nil {
		return "", fmt.Errorf("not a git repository: %s", workspace)
	}

	headPath := filepath.Join(gitPath, "HEAD")
	if !info.IsDir() {
		// A linked worktree's .git is a one-line file:
		//   gitdir: /path/to/repo/.git/worktrees/<name>
		content, err := os.ReadFile(gitPath)
		if err != nil {
			return "", fmt.Errorf("failed to read .git file: %w", err)
		}
		gitdir, found := strings.CutPrefix(strings.TrimSpace(string(content)), "gitdir: ")
		if !found {
			return "", fmt.Errorf("unrecognized .git file format in %s", workspace)
		}
		if !filepath.IsAbs(gitdir) {
			gitdir = filepath.Join(workspace, gitdir)
		}
		headPath = filepath.Join(gitdir, "HEAD")
	}

	head, err := os.ReadFile(headPath)
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}

	line := strings.TrimSpace(string(head))
	if ref, found := strings.CutPrefix(line, "ref: "); found {
		return strings.TrimPrefix(ref, "refs/heads/"), nil
	}

	// Detached HEAD: the file holds a bare commit hash. Branch filters
	// will not match it, but all-branch triggers still fire.
	return line, nil
}
