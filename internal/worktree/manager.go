package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/pipeflow/internal/common/logger"
)

const (
	defaultGitFetchTimeout = 8 * time.Second
	defaultGitPullTimeout  = 8 * time.Second
)

// Worktree is the isolated working copy created for a single ticket.
type Worktree struct {
	TicketID  int
	Path      string
	Branch    string
	CreatedAt time.Time
}

// repoLockEntry tracks a repository lock and its reference count, so
// concurrent worktree operations against the same repository serialize
// without holding a lock per repository forever.
type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager creates, validates, and removes per-ticket git worktrees,
// tracking them in a write-through JSON registry (§4.6).
type Manager struct {
	config Config
	logger *logger.Logger
	store  *Store

	repoLocks  map[string]*repoLockEntry
	repoLockMu sync.Mutex

	fetchTimeout time.Duration
	pullTimeout  time.Duration
}

// NewManager creates a worktree manager backed by the given registry store.
func NewManager(cfg Config, store *Store, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config:       cfg,
		logger:       log.WithFields(zap.String("component", "worktree-manager")),
		store:        store,
		repoLocks:    make(map[string]*repoLockEntry),
		fetchTimeout: defaultGitFetchTimeout,
		pullTimeout:  defaultGitPullTimeout,
	}, nil
}

// IsEnabled reports whether worktree creation is active.
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled
}

func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if entry, exists := m.repoLocks[repoPath]; exists {
		entry.refCount++
		return entry.mu
	}
	entry := &repoLockEntry{mu: &sync.Mutex{}, refCount: 1}
	m.repoLocks[repoPath] = entry
	return entry.mu
}

func (m *Manager) releaseRepoLock(repoPath string) {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	entry, exists := m.repoLocks[repoPath]
	if !exists {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.repoLocks, repoPath)
	}
}

// Create returns the worktree for a ticket, creating it if necessary. The
// existence check is idempotent: a registry entry whose directory is still
// a valid git worktree is returned as-is; an entry whose directory has
// gone missing or been corrupted is recreated from the stored branch.
func (m *Manager) Create(ctx context.Context, ticketID int, repoPath, repoName, baseBranch string) (*Worktree, error) {
	if rec, ok, err := m.store.Get(ticketID); err != nil {
		return nil, err
	} else if ok {
		if m.IsValid(rec.Path) {
			return &Worktree{TicketID: rec.TicketID, Path: rec.Path, Branch: rec.Branch, CreatedAt: rec.CreatedAt}, nil
		}
		m.logger.Warn("worktree directory invalid, recreating",
			zap.Int("ticket", ticketID), zap.String("path", rec.Path))
		return m.recreate(ctx, rec, repoPath)
	}

	if !m.isGitRepo(repoPath) {
		return nil, ErrRepoNotGit
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(repoPath)
	}()

	baseRef := m.pullBaseBranch(repoPath, baseBranch)

	if !m.branchExists(repoPath, baseRef) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, baseRef)
	}

	return m.createWorktree(ctx, ticketID, repoPath, repoName, baseRef)
}

func (m *Manager) createWorktree(ctx context.Context, ticketID int, repoPath, repoName, baseRef string) (*Worktree, error) {
	branch := BranchName(ticketID)
	dirName := WorktreeDirName(repoName, ticketID)

	worktreePath, err := m.worktreePath(dirName)
	if err != nil {
		return nil, err
	}

	if err := m.gitAddWorktree(ctx, repoPath, branch, worktreePath, baseRef); err != nil {
		return nil, err
	}

	rec := &Record{
		TicketID:  ticketID,
		Path:      worktreePath,
		Branch:    branch,
		CreatedAt: time.Now(),
	}
	if err := m.store.Put(rec); err != nil {
		if cleanupErr := m.removeWorktreeDir(ctx, worktreePath, repoPath); cleanupErr != nil {
			m.logger.Warn("failed to cleanup worktree after registry write failure", zap.Error(cleanupErr))
		}
		return nil, fmt.Errorf("failed to persist worktree record: %w", err)
	}

	m.logger.Info("created worktree",
		zap.Int("ticket", ticketID), zap.String("path", worktreePath), zap.String("branch", branch))

	return &Worktree{TicketID: ticketID, Path: worktreePath, Branch: branch, CreatedAt: rec.CreatedAt}, nil
}

func (m *Manager) worktreePath(dirName string) (string, error) {
	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, dirName), nil
}

func (m *Manager) gitAddWorktree(ctx context.Context, repoPath, branchName, worktreePath, baseRef string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branchName, worktreePath, baseRef)
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Error("git worktree add failed", zap.String("output", string(output)), zap.Error(err))
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

// IsValid reports whether path is still a usable git worktree directory.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	gitFile := filepath.Join(path, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// Remove deletes a ticket's worktree: removes the git worktree, clears the
// registry entry, and deletes any residual directory. Idempotent: removing
// a ticket with no registry entry is not an error.
func (m *Manager) Remove(ctx context.Context, ticketID int, repoPath string) error {
	rec, ok, err := m.store.Get(ticketID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(repoPath)
	}()

	if err := m.removeWorktreeDir(ctx, rec.Path, repoPath); err != nil {
		m.logger.Warn("failed to remove worktree directory", zap.String("path", rec.Path), zap.Error(err))
	}

	if err := m.store.Delete(ticketID); err != nil {
		return fmt.Errorf("failed to clear worktree registry entry: %w", err)
	}

	m.logger.Info("removed worktree", zap.Int("ticket", ticketID), zap.String("path", rec.Path))
	return nil
}

func (m *Manager) isGitRepo(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func (m *Manager) currentBranch(repoPath string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (m *Manager) newNonInteractiveGitCmd(ctx context.Context, repoPath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	// After the context cancels and the process is killed, child processes
	// (e.g. credential helpers) may still hold stdout/stderr pipes open.
	// WaitDelay bounds how long CombinedOutput waits for those pipes to close.
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

func classifyGitFallbackReason(cmdErr error, cmdOutput string, ctxErr error) string {
	if errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(cmdErr, context.DeadlineExceeded) {
		return "timeout"
	}

	out := strings.ToLower(cmdOutput)
	if strings.Contains(out, "authentication failed") ||
		strings.Contains(out, "terminal prompts disabled") ||
		strings.Contains(out, "could not read username") ||
		strings.Contains(out, "username for 'https://") ||
		strings.Contains(out, "askpass") {
		return "non_interactive_auth_failed"
	}
	return "git_command_failed"
}

// pullBaseBranch fetches the latest changes from origin and returns the
// best ref to create the worktree from. On fetch/pull failure, errors are
// logged but the function continues with the best available ref rather
// than failing the whole operation for a transient network issue.
func (m *Manager) pullBaseBranch(repoPath, baseBranch string) string {
	localBranch := strings.TrimPrefix(baseBranch, "origin/")
	isRemoteRef := localBranch != baseBranch

	fetchCtx, cancelFetch := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancelFetch()

	fetchArgs := []string{"fetch", "origin"}
	if localBranch != "" {
		fetchArgs = append(fetchArgs, localBranch)
	}
	fetchCmd := m.newNonInteractiveGitCmd(fetchCtx, repoPath, fetchArgs...)
	if output, err := fetchCmd.CombinedOutput(); err != nil {
		m.logger.Warn("git fetch failed before worktree creation; continuing with fallback ref",
			zap.String("branch", baseBranch),
			zap.String("reason", classifyGitFallbackReason(err, string(output), fetchCtx.Err())),
			zap.String("fallback_ref", baseBranch),
			zap.Error(err))
		return baseBranch
	}

	if isRemoteRef {
		return "origin/" + localBranch
	}

	remoteRef := "origin/" + localBranch
	if m.currentBranch(repoPath) == baseBranch {
		pullCtx, cancelPull := context.WithTimeout(context.Background(), m.pullTimeout)
		defer cancelPull()

		pullCmd := m.newNonInteractiveGitCmd(pullCtx, repoPath, "pull", "--ff-only", "origin", baseBranch)
		if output, err := pullCmd.CombinedOutput(); err != nil {
			m.logger.Warn("git pull failed before worktree creation; continuing with remote ref",
				zap.String("branch", baseBranch),
				zap.String("reason", classifyGitFallbackReason(err, string(output), pullCtx.Err())),
				zap.String("remote_ref", remoteRef),
				zap.Error(err))
			return remoteRef
		}
		return baseBranch
	}

	if m.branchExists(repoPath, remoteRef) {
		return remoteRef
	}
	return baseBranch
}

// removeWorktreeDir removes a worktree using "git worktree remove --force",
// falling back to a direct directory removal if that fails.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm", zap.String("output", string(output)), zap.Error(err))

		if err := m.forceRemoveDir(ctx, worktreePath); err != nil {
			return err
		}

		pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		pruneCmd.Dir = repoPath
		if err := pruneCmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

// forceRemoveDir removes a directory, retrying a few times before
// shelling out to rm -rf as a last resort for filesystems where
// os.RemoveAll can transiently report "directory not empty".
func (m *Manager) forceRemoveDir(ctx context.Context, dir string) error {
	const maxRetries = 3
	const retryDelay = 200 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		if err := os.RemoveAll(dir); err == nil {
			return nil
		} else if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	cmd := exec.CommandContext(ctx, "rm", "-rf", dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rm -rf failed: %w (output: %s)", err, string(output))
	}
	return nil
}

// recreate rebuilds a worktree directory from its stored branch after the
// directory has gone missing or been corrupted, without changing the
// branch or registry entry's ticket association.
func (m *Manager) recreate(ctx context.Context, existing *Record, repoPath string) (*Worktree, error) {
	if existing.Path != "" {
		if err := os.RemoveAll(existing.Path); err != nil {
			m.logger.Debug("failed to remove existing worktree path", zap.Error(err))
		}
	}

	pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	pruneCmd.Dir = repoPath
	if err := pruneCmd.Run(); err != nil {
		m.logger.Debug("git worktree prune failed", zap.Error(err))
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(repoPath)
	}()

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", existing.Path, existing.Branch)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("failed to recreate worktree", zap.String("output", string(output)), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}

	m.logger.Info("recreated worktree", zap.Int("ticket", existing.TicketID), zap.String("path", existing.Path))

	return &Worktree{TicketID: existing.TicketID, Path: existing.Path, Branch: existing.Branch, CreatedAt: existing.CreatedAt}, nil
}

// Reconcile scans the registry against the filesystem and returns the
// ticket ids of entries whose directory is no longer a valid worktree. It
// only reports this drift: those entries are neither deleted nor
// recreated.
func (m *Manager) Reconcile(ctx context.Context) ([]int, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, err
	}

	var orphaned []int
	for _, rec := range records {
		if !m.IsValid(rec.Path) {
			orphaned = append(orphaned, rec.TicketID)
		}
	}
	return orphaned, nil
}
