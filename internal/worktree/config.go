package worktree

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// Enabled controls whether worktree creation is active. When false the
	// Worktree Manager is a no-op and stages run directly against the
	// configured repository path.
	Enabled bool `mapstructure:"enabled"`

	// BasePath is the base directory under which worktrees are created.
	// Supports ~ expansion for the home directory.
	BasePath string `mapstructure:"basePath"`

	// CleanupOnCompletion removes the worktree once a ticket reaches the
	// completed terminal state.
	CleanupOnCompletion bool `mapstructure:"cleanupOnCompletion"`

	// CleanupOnFailure removes the worktree once a ticket reaches the
	// failed terminal state. Default false: failed runs keep their working
	// copy around for inspection.
	CleanupOnFailure bool `mapstructure:"cleanupOnFailure"`
}

const defaultBasePath = "~/.pipeflow/worktrees"

// BranchPrefix is the fixed branch naming convention this spec uses: every
// worktree branch is "orch/issue-<N>" for ticket N.
const BranchPrefix = "orch/"

// Validate fills in defaults.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		c.BasePath = defaultBasePath
	}
	return nil
}

// ExpandedBasePath returns BasePath with a leading "~/" expanded to the
// user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorktreeDirName returns the "<repo>-<N>" directory name for a ticket's
// worktree under the repository named repoName.
func WorktreeDirName(repoName string, ticketID int) string {
	return repoName + "-" + strconv.Itoa(ticketID)
}

// BranchName returns the "orch/issue-<N>" branch name for a ticket.
func BranchName(ticketID int) string {
	return BranchPrefix + "issue-" + strconv.Itoa(ticketID)
}
