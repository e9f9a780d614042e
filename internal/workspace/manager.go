package workspace

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

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
)

// CloneAuthTokenFn refreshes an auth token for a retried push.
type CloneAuthTokenFn func(ctx context.Context) (string, error)

// PushOptions carries pushBranch's authentication inputs (§4.C).
type PushOptions struct {
	RepoURL        string
	AuthToken      string
	TokenRefreshFn CloneAuthTokenFn
}

// CleanupOptions carries cleanupWorktree's inputs (§4.C).
type CleanupOptions struct {
	DeleteBranch      bool
	Success           bool
	IssueNumber       int
	RetentionStrategy domain.RetentionStrategy
	MaxAgeHours       time.Duration
}

// Manager allocates and reclaims git worktrees for issue jobs. Every
// filesystem-mutating call shells out to the git binary, mirroring the
// subprocess-driven workflow of the reference coding-agent repos (no git
// library dependency is pulled in; the teacher itself never wraps git).
type Manager struct {
	clonesBase    string
	worktreesBase string
	defaultBranch string

	mu      sync.Mutex
	cloning map[string]*sync.Mutex
}

// New constructs a Manager rooted at clonesBase/worktreesBase.
func New(clonesBase, worktreesBase, defaultBranch string) *Manager {
	return &Manager{
		clonesBase:    clonesBase,
		worktreesBase: worktreesBase,
		defaultBranch: defaultBranch,
		cloning:       map[string]*sync.Mutex{},
	}
}

func (m *Manager) repoLock(owner, repo string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := owner + "/" + repo
	if l, ok := m.cloning[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.cloning[key] = l
	return l
}

func authenticatedURL(repoURL, token string) string {
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	return "https://x-access-token:" + token + "@" + strings.TrimPrefix(repoURL, "https://")
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// EnsureClone creates or refreshes the shared bare-ish clone for
// (owner, repo), tolerating transient network failures with bounded retry.
func (m *Manager) EnsureClone(ctx context.Context, repoURL, owner, repo, authToken string) (string, error) {
	lock := m.repoLock(owner, repo)
	lock.Lock()
	defer lock.Unlock()

	localPath := filepath.Join(m.clonesBase, owner, repo)
	authed := authenticatedURL(repoURL, authToken)

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)

	if _, err := os.Stat(filepath.Join(localPath, ".git")); err == nil {
		err := backoff.Retry(func() error {
			_, fetchErr := runGit(ctx, localPath, "fetch", "--prune", "origin")
			return fetchErr
		}, policy)
		if err != nil {
			return "", fmt.Errorf("workspace: refresh clone %s/%s: %w", owner, repo, err)
		}
		return localPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", fmt.Errorf("workspace: create clones dir: %w", err)
	}

	err := backoff.Retry(func() error {
		_, cloneErr := runGit(ctx, filepath.Dir(localPath), "clone", authed, localPath)
		return cloneErr
	}, policy)
	if err != nil {
		return "", fmt.Errorf("workspace: clone %s/%s: %w", owner, repo, err)
	}
	return localPath, nil
}

// CreateWorktreeForIssue allocates a fresh branch+worktree for an issue job.
// baseBranch="" selects the forge's default branch.
func (m *Manager) CreateWorktreeForIssue(ctx context.Context, localRepoPath string, issueNumber int, title, owner, repo, baseBranch, modelName string, forge port.ForgeClient) (domain.Workspace, error) {
	if baseBranch == "" {
		resolved, err := forge.DefaultBranch(ctx, owner, repo)
		if err != nil {
			return domain.Workspace{}, fmt.Errorf("workspace: resolve default branch: %w", err)
		}
		baseBranch = resolved
	}

	branch, err := BranchName(issueNumber, title, modelName, time.Now())
	if err != nil {
		return domain.Workspace{}, err
	}
	worktreePath := filepath.Join(m.worktreesBase, WorktreeDirName(branch))

	if _, err := runGit(ctx, localRepoPath, "worktree", "add", "-b", branch, worktreePath, "origin/"+baseBranch); err != nil {
		return domain.Workspace{}, fmt.Errorf("workspace: add worktree for issue #%d: %w", issueNumber, err)
	}

	return domain.Workspace{
		LocalRepoPath: localRepoPath,
		WorktreePath:  worktreePath,
		BranchName:    branch,
		BaseBranch:    baseBranch,
	}, nil
}

// CreateWorktreeFromExistingBranch checks out an already-pushed branch into
// a new worktree, used by the follow-up processor to resume a PR.
func (m *Manager) CreateWorktreeFromExistingBranch(ctx context.Context, localRepoPath, branchName, dirName, owner, repo string) (domain.Workspace, error) {
	if _, err := runGit(ctx, localRepoPath, "fetch", "origin", branchName); err != nil {
		return domain.Workspace{}, fmt.Errorf("workspace: fetch existing branch %s: %w", branchName, err)
	}

	worktreePath := filepath.Join(m.worktreesBase, dirName)
	if _, err := runGit(ctx, localRepoPath, "worktree", "add", worktreePath, branchName); err != nil {
		if _, err2 := runGit(ctx, localRepoPath, "worktree", "add", "-b", branchName, worktreePath, "origin/"+branchName); err2 != nil {
			return domain.Workspace{}, fmt.Errorf("workspace: checkout existing branch %s: %w", branchName, err)
		}
	}

	return domain.Workspace{
		LocalRepoPath: localRepoPath,
		WorktreePath:  worktreePath,
		BranchName:    branchName,
	}, nil
}

// CommitChanges stages and commits the worktree's changes, returning an
// empty commit hash with no error when the tree is clean (never creates an
// empty commit).
func (m *Manager) CommitChanges(ctx context.Context, ws domain.Workspace, message, authorName, authorEmail string) (string, error) {
	if _, err := runGit(ctx, ws.WorktreePath, "add", "-A"); err != nil {
		return "", fmt.Errorf("workspace: stage changes: %w", err)
	}

	status, err := runGit(ctx, ws.WorktreePath, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("workspace: check status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return "", nil
	}

	commitArgs := []string{
		"-c", "user.name=" + authorName,
		"-c", "user.email=" + authorEmail,
		"commit", "-m", message,
	}
	if _, err := runGit(ctx, ws.WorktreePath, commitArgs...); err != nil {
		return "", fmt.Errorf("workspace: commit: %w", err)
	}

	hashOut, err := runGit(ctx, ws.WorktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("workspace: read commit hash: %w", err)
	}
	return strings.TrimSpace(hashOut), nil
}

// PushBranch pushes ws.BranchName to origin, retrying once with a
// refreshed token on an auth-expired failure.
func (m *Manager) PushBranch(ctx context.Context, ws domain.Workspace, opts PushOptions) error {
	authed := authenticatedURL(opts.RepoURL, opts.AuthToken)
	_, err := runGit(ctx, ws.WorktreePath, "push", authed, "HEAD:refs/heads/"+ws.BranchName, "--force-with-lease")
	if err == nil {
		return nil
	}
	if !isAuthExpired(err) || opts.TokenRefreshFn == nil {
		return fmt.Errorf("workspace: push branch %s: %w", ws.BranchName, err)
	}

	refreshed, refreshErr := opts.TokenRefreshFn(ctx)
	if refreshErr != nil {
		return fmt.Errorf("workspace: refresh push token: %w", refreshErr)
	}
	retryURL := authenticatedURL(opts.RepoURL, refreshed)
	if _, err := runGit(ctx, ws.WorktreePath, "push", retryURL, "HEAD:refs/heads/"+ws.BranchName, "--force-with-lease"); err != nil {
		return fmt.Errorf("workspace: push branch %s after token refresh: %w", ws.BranchName, err)
	}
	return nil
}

func isAuthExpired(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "bad credentials")
}

// retentionMarkerName is the sidecar file recording a keep_for_hours
// worktree's scheduled cleanup time.
const retentionMarkerName = ".ai-issue-resolver-retention"

// CleanupWorktree reclaims a worktree per the configured retention
// strategy. It never touches localRepoPath's .git directory.
func (m *Manager) CleanupWorktree(ctx context.Context, localRepoPath string, ws domain.Workspace, opts CleanupOptions) error {
	switch opts.RetentionStrategy {
	case domain.RetentionKeepOnFailure:
		if !opts.Success {
			return m.writeRetentionMarker(ws, opts)
		}
	case domain.RetentionKeepForHours:
		scheduled := time.Now().Add(opts.MaxAgeHours)
		marker := filepath.Join(ws.WorktreePath, retentionMarkerName)
		content := fmt.Sprintf("scheduledCleanup=%s\nlocalRepoPath=%s\n", scheduled.UTC().Format(time.RFC3339), localRepoPath)
		if err := os.WriteFile(marker, []byte(content), 0o644); err != nil {
			return fmt.Errorf("workspace: write retention marker: %w", err)
		}
		return nil
	case domain.RetentionAlwaysDelete:
		// fallthrough to removal below
	default:
		// unknown strategy: default to conservative always_delete
	}

	return m.removeWorktree(ctx, localRepoPath, ws, opts.DeleteBranch)
}

// writeRetentionMarker writes the RETENTION.json sidecar documenting why a
// worktree was kept: timestamp, issue number, and success flag (§4.H
// cleanup policy, keep_on_failure branch).
func (m *Manager) writeRetentionMarker(ws domain.Workspace, opts CleanupOptions) error {
	content := fmt.Sprintf(`{"timestamp":%q,"issueNumber":%d,"success":%t}`,
		time.Now().UTC().Format(time.RFC3339), opts.IssueNumber, opts.Success)
	marker := filepath.Join(ws.WorktreePath, "RETENTION.json")
	if err := os.WriteFile(marker, []byte(content), 0o644); err != nil {
		return fmt.Errorf("workspace: write RETENTION.json: %w", err)
	}
	return nil
}

func (m *Manager) removeWorktree(ctx context.Context, localRepoPath string, ws domain.Workspace, deleteBranch bool) error {
	if _, err := runGit(ctx, localRepoPath, "worktree", "remove", "--force", ws.WorktreePath); err != nil {
		if rmErr := os.RemoveAll(ws.WorktreePath); rmErr != nil {
			return fmt.Errorf("workspace: remove worktree %s: %w (fallback rm also failed: %v)", ws.WorktreePath, err, rmErr)
		}
		if _, pruneErr := runGit(ctx, localRepoPath, "worktree", "prune"); pruneErr != nil {
			return fmt.Errorf("workspace: prune worktrees after manual removal: %w", pruneErr)
		}
	}
	if deleteBranch {
		if _, err := runGit(ctx, localRepoPath, "branch", "-D", ws.BranchName); err != nil {
			return fmt.Errorf("workspace: delete local branch %s: %w", ws.BranchName, err)
		}
	}
	return nil
}

// SweepExpired scans worktreesBase for retention markers past their
// scheduledCleanup time and removes those worktrees, grounded on the
// teacher's stuck-job sweeper's periodic-scan pattern. worktreesBase is
// shared across every cloned repo, so each marker also records the clone
// path it belongs to; SweepExpired needs no per-call repo argument and can
// run as a single worker-wide background loop.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.worktreesBase)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("workspace: list worktrees base: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		worktreePath := filepath.Join(m.worktreesBase, entry.Name())
		marker := filepath.Join(worktreePath, retentionMarkerName)
		data, err := os.ReadFile(marker)
		if err != nil {
			continue
		}
		scheduled, localRepoPath, ok := parseRetentionMarker(string(data))
		if !ok || time.Now().Before(scheduled) {
			continue
		}
		ws := domain.Workspace{WorktreePath: worktreePath}
		if err := m.removeWorktree(ctx, localRepoPath, ws, false); err != nil {
			return removed, fmt.Errorf("workspace: sweep expired worktree %s: %w", worktreePath, err)
		}
		removed++
	}
	return removed, nil
}

// parseRetentionMarker reads the scheduledCleanup=.../localRepoPath=...
// lines written by CleanupWorktree's keep_for_hours branch.
func parseRetentionMarker(content string) (scheduled time.Time, localRepoPath string, ok bool) {
	const cleanupPrefix = "scheduledCleanup="
	const repoPrefix = "localRepoPath="
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, cleanupPrefix):
			t, err := time.Parse(time.RFC3339, strings.TrimPrefix(line, cleanupPrefix))
			if err != nil {
				return time.Time{}, "", false
			}
			scheduled = t
			ok = true
		case strings.HasPrefix(line, repoPrefix):
			localRepoPath = strings.TrimPrefix(line, repoPrefix)
		}
	}
	return scheduled, localRepoPath, ok && localRepoPath != ""
}
