// Package vcs provides the git plumbing the Completion and Self-Heal stages
// need on top of a worktree: push (with force-on-rejection retry), commit
// history, and changed-file stats against a base branch.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Commit is one entry in a short commit history.
type Commit struct {
	ShortHash string
	Subject   string
	Author    string
	Date      string
}

// Stats summarizes a branch's divergence from a base branch.
type Stats struct {
	Commits      []Commit
	ChangedFiles []string
}

func gitCmd(ctx context.Context, repoPath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

// Push pushes branch to origin, retrying with --force-with-lease once on
// rejection, per §4.14(b).
func Push(ctx context.Context, repoPath, branch string) error {
	cmd := gitCmd(ctx, repoPath, "push", "-u", "origin", branch)
	if out, err := cmd.CombinedOutput(); err != nil {
		forceCmd := gitCmd(ctx, repoPath, "push", "--force-with-lease", "-u", "origin", branch)
		if forceOut, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			return fmt.Errorf("push rejected (%s), force push also failed: %s", strings.TrimSpace(string(out)), strings.TrimSpace(string(forceOut)))
		}
	}
	return nil
}

// RecentCommits returns the last n commits on the current branch, newest
// first, per the Self-Heal loop's failure-context collection (§4.13 step 2).
func RecentCommits(ctx context.Context, repoPath string, n int) ([]Commit, error) {
	cmd := gitCmd(ctx, repoPath, "log", fmt.Sprintf("-%d", n), "--pretty=format:%h%x1f%s%x1f%an%x1f%ad", "--date=short")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}

	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\x1f")
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, Commit{ShortHash: parts[0], Subject: parts[1], Author: parts[2], Date: parts[3]})
	}
	return commits, nil
}

// DiffStats computes the commit list and changed-file list of branch
// relative to baseBranch, per §4.14(c).
func DiffStats(ctx context.Context, repoPath, baseBranch, branch string) (*Stats, error) {
	logCmd := gitCmd(ctx, repoPath, "log", baseBranch+".."+branch, "--pretty=format:%h%x1f%s%x1f%an%x1f%ad", "--date=short")
	logOut, err := logCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git log %s..%s: %w", baseBranch, branch, err)
	}

	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(string(logOut)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\x1f")
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, Commit{ShortHash: parts[0], Subject: parts[1], Author: parts[2], Date: parts[3]})
	}

	diffCmd := gitCmd(ctx, repoPath, "diff", "--name-only", baseBranch+"..."+branch)
	diffOut, err := diffCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --name-only %s...%s: %w", baseBranch, branch, err)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(diffOut)), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}

	return &Stats{Commits: commits, ChangedFiles: files}, nil
}

// CurrentBranch returns the repository's current branch name.
func CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	cmd := gitCmd(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse --abbrev-ref HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
