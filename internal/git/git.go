// Package git provides the branch and worktree helpers a workspace needs to
// check out its branch and to add or remove a revision's shared-branch
// worktree.
package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// run executes a git command and returns combined output. It returns an error
// if the command exits non-zero.
func run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w\n%s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CreateOrCheckoutBranch checks out an existing branch or creates a new one
// from the current HEAD.
func CreateOrCheckoutBranch(name string) error {
	// Try checking out existing branch first.
	_, err := run("checkout", name)
	if err == nil {
		return nil
	}
	// Branch doesn't exist — create it from HEAD.
	_, err = run("checkout", "-b", name)
	if err != nil {
		return fmt.Errorf("create or checkout branch %q: %w", name, err)
	}
	return nil
}

// WorktreeAddExisting creates a new git worktree at the given path checked
// out onto an already-existing branch, rather than cutting a new one. This
// is how a revision workspace reuses its parent workspace's branch instead
// of forking a sibling branch.
func WorktreeAddExisting(path, branch string) error {
	_, err := run("worktree", "add", path, branch)
	if err != nil {
		return fmt.Errorf("worktree add (existing branch) %q: %w", path, err)
	}
	return nil
}

// WorktreeRemove removes a git worktree at the given path and prunes stale
// worktree entries.
func WorktreeRemove(path string) error {
	_, err := run("worktree", "remove", "--force", path)
	if err != nil {
		return fmt.Errorf("worktree remove %q: %w", path, err)
	}
	return nil
}
