package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-issue-resolver/internal/adapter/forge"
	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
)

// initBareRemote creates a bare git repo with a single commit on main, to
// act as a local "origin" the Manager clones from.
func initBareRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	remotePath := filepath.Join(dir, "remote.git")
	seedPath := filepath.Join(dir, "seed")

	runOrSkip(t, dir, "git", "init", "--bare", "-b", "main", remotePath)
	runOrSkip(t, dir, "git", "clone", remotePath, seedPath)
	runOrSkip(t, seedPath, "git", "config", "user.email", "test@example.com")
	runOrSkip(t, seedPath, "git", "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(seedPath, "README.md"), []byte("hello\n"), 0o644))
	runOrSkip(t, seedPath, "git", "add", "-A")
	runOrSkip(t, seedPath, "git", "commit", "-m", "seed")
	runOrSkip(t, seedPath, "git", "push", "origin", "main")
	return remotePath
}

func runOrSkip(t *testing.T, dir string, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Skipf("git unavailable in test environment (%v): %s", err, out)
	}
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	clones := filepath.Join(base, "clones")
	worktrees := filepath.Join(base, "worktrees")
	require.NoError(t, os.MkdirAll(clones, 0o755))
	require.NoError(t, os.MkdirAll(worktrees, 0o755))
	return New(clones, worktrees, "main"), base
}

func TestManager_EnsureClone_ClonesThenRefreshesIdempotently(t *testing.T) {
	remote := initBareRemote(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	path1, err := m.EnsureClone(ctx, remote, "acme", "widget", "")
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(path1, ".git"))

	path2, err := m.EnsureClone(ctx, remote, "acme", "widget", "")
	require.NoError(t, err)
	require.Equal(t, path1, path2)
}

func TestManager_CreateWorktreeForIssue_AllocatesBranchAndWorktree(t *testing.T) {
	remote := initBareRemote(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	localPath, err := m.EnsureClone(ctx, remote, "acme", "widget", "")
	require.NoError(t, err)

	stub := forge.NewStub("main")
	ws, err := m.CreateWorktreeForIssue(ctx, localPath, 42, "Fix the parser", "acme", "widget", "", "sonnet", stub)
	require.NoError(t, err)
	require.DirExists(t, ws.WorktreePath)
	require.Contains(t, ws.BranchName, "ai-fix/42-fix-the-parser")
	require.Equal(t, "main", ws.BaseBranch)
}

func TestManager_CommitChanges_CleanTreeReturnsEmptyHash(t *testing.T) {
	remote := initBareRemote(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	localPath, err := m.EnsureClone(ctx, remote, "acme", "widget", "")
	require.NoError(t, err)
	stub := forge.NewStub("main")
	ws, err := m.CreateWorktreeForIssue(ctx, localPath, 1, "Bug", "acme", "widget", "", "", stub)
	require.NoError(t, err)

	hash, err := m.CommitChanges(ctx, ws, "no changes", "Claude Code", "claude-code@anthropic.com")
	require.NoError(t, err)
	require.Empty(t, hash, "a clean tree must never produce a commit")
}

func TestManager_CommitChanges_DirtyTreeCommits(t *testing.T) {
	remote := initBareRemote(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	localPath, err := m.EnsureClone(ctx, remote, "acme", "widget", "")
	require.NoError(t, err)
	stub := forge.NewStub("main")
	ws, err := m.CreateWorktreeForIssue(ctx, localPath, 1, "Bug", "acme", "widget", "", "", stub)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(ws.WorktreePath, "fix.txt"), []byte("patched\n"), 0o644))

	hash, err := m.CommitChanges(ctx, ws, "Fix #1: patch", "Claude Code", "claude-code@anthropic.com")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
}

func TestManager_CleanupWorktree_AlwaysDeleteRemovesWorktree(t *testing.T) {
	remote := initBareRemote(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	localPath, err := m.EnsureClone(ctx, remote, "acme", "widget", "")
	require.NoError(t, err)
	stub := forge.NewStub("main")
	ws, err := m.CreateWorktreeForIssue(ctx, localPath, 1, "Bug", "acme", "widget", "", "", stub)
	require.NoError(t, err)

	err = m.CleanupWorktree(ctx, localPath, ws, CleanupOptions{
		DeleteBranch:      true,
		Success:           true,
		RetentionStrategy: domain.RetentionAlwaysDelete,
	})
	require.NoError(t, err)
	require.NoDirExists(t, ws.WorktreePath)
}

func TestManager_CleanupWorktree_KeepOnFailurePreservesFailedWorktree(t *testing.T) {
	remote := initBareRemote(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	localPath, err := m.EnsureClone(ctx, remote, "acme", "widget", "")
	require.NoError(t, err)
	stub := forge.NewStub("main")
	ws, err := m.CreateWorktreeForIssue(ctx, localPath, 1, "Bug", "acme", "widget", "", "", stub)
	require.NoError(t, err)

	err = m.CleanupWorktree(ctx, localPath, ws, CleanupOptions{
		Success:           false,
		RetentionStrategy: domain.RetentionKeepOnFailure,
	})
	require.NoError(t, err)
	require.DirExists(t, ws.WorktreePath)
}

func TestManager_CleanupWorktree_KeepForHoursWritesMarker(t *testing.T) {
	remote := initBareRemote(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	localPath, err := m.EnsureClone(ctx, remote, "acme", "widget", "")
	require.NoError(t, err)
	stub := forge.NewStub("main")
	ws, err := m.CreateWorktreeForIssue(ctx, localPath, 1, "Bug", "acme", "widget", "", "", stub)
	require.NoError(t, err)

	err = m.CleanupWorktree(ctx, localPath, ws, CleanupOptions{
		RetentionStrategy: domain.RetentionKeepForHours,
		MaxAgeHours:       2,
	})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(ws.WorktreePath, retentionMarkerName))
}

func TestManager_SweepExpired_RemovesPastDueMarkerRegardlessOfCaller(t *testing.T) {
	remote := initBareRemote(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	localPath, err := m.EnsureClone(ctx, remote, "acme", "widget", "")
	require.NoError(t, err)
	stub := forge.NewStub("main")
	ws, err := m.CreateWorktreeForIssue(ctx, localPath, 1, "Bug", "acme", "widget", "", "", stub)
	require.NoError(t, err)

	// Already-expired: MaxAgeHours negative puts scheduledCleanup in the past.
	err = m.CleanupWorktree(ctx, localPath, ws, CleanupOptions{
		RetentionStrategy: domain.RetentionKeepForHours,
		MaxAgeHours:       -time.Hour,
	})
	require.NoError(t, err)

	removed, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.NoDirExists(t, ws.WorktreePath)
}
