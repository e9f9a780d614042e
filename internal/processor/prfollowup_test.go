package processor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-issue-resolver/internal/adapter/agent"
	"github.com/fairyhunter13/ai-issue-resolver/internal/adapter/forge"
	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/metricsrecorder"
	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
	"github.com/fairyhunter13/ai-issue-resolver/internal/taskstate"
	"github.com/fairyhunter13/ai-issue-resolver/internal/workspace"
)

// pushBranchToRemote pushes a new branch, identical to main, onto the bare
// remote created by initBareRemote, so CreateWorktreeFromExistingBranch has
// something to fetch.
func pushBranchToRemote(t *testing.T, base, owner, repo, branch string) {
	t.Helper()
	seedPath := filepath.Join(t.TempDir(), "reseed")
	remotePath := filepath.Join(base, owner, repo+".git")
	runOrSkip(t, base, "git", "clone", remotePath, seedPath)
	runOrSkip(t, seedPath, "git", "config", "user.email", "test@example.com")
	runOrSkip(t, seedPath, "git", "config", "user.name", "Test")
	runOrSkip(t, seedPath, "git", "checkout", "-b", branch)
	runOrSkip(t, seedPath, "git", "push", "origin", branch)
}

func newFollowupHarness(t *testing.T, remoteBase string) (*PRFollowupProcessor, *forge.Stub, *agent.Stub, *taskstate.Manager) {
	t.Helper()
	h := newTestHarness(t, remoteBase)

	worktreeBase := t.TempDir()
	clones := filepath.Join(worktreeBase, "clones")
	worktrees := filepath.Join(worktreeBase, "worktrees")
	require.NoError(t, os.MkdirAll(clones, 0o755))
	require.NoError(t, os.MkdirAll(worktrees, 0o755))
	ws := workspace.New(clones, worktrees, "main")

	proc := NewPRFollowupProcessor(h.proc.cfg, ws, h.forge, h.agent, h.tasks, metricsrecorder.New(h.store, 100), nil, nil)
	return proc, h.forge, h.agent, h.tasks
}

func TestPRFollowupProcessor_Process_SkipsWhenAllCommentsAlreadyCited(t *testing.T) {
	base, owner, repo := initBareRemote(t)
	proc, forgeStub, _, _ := newFollowupHarness(t, base)
	ctx := context.Background()

	_, err := forgeStub.AddIssueComment(ctx, owner, repo, 5, "Already addressed. Comment ID: 100")
	require.NoError(t, err)

	payload := domain.ApplyPRFollowupPayload{
		PullRequestNumber: 5, BranchName: "main", RepoOwner: owner, RepoName: repo,
		Comments: []domain.PRFollowupComment{{ID: 100, Body: "please fix X", Author: "reviewer"}},
	}
	data := mustMarshal(t, payload)
	job := domain.JobEnvelope{JobID: "job-1", Kind: domain.JobKindApplyPRFollowup, Payload: data}

	result, err := proc.Process(ctx, job)
	require.NoError(t, err)
	skipped, ok := result.(*skippedResult)
	require.True(t, ok)
	require.Equal(t, "already_processed", skipped.Reason)
}

func TestPRFollowupProcessor_Process_AppliesNewComment(t *testing.T) {
	base, owner, repo := initBareRemote(t)
	pushBranchToRemote(t, base, owner, repo, "ai-fix/5-x")
	proc, forgeStub, _, tasks := newFollowupHarness(t, base)
	ctx := context.Background()

	payload := domain.ApplyPRFollowupPayload{
		PullRequestNumber: 5, BranchName: "ai-fix/5-x", RepoOwner: owner, RepoName: repo,
		Comments: []domain.PRFollowupComment{{ID: 200, Body: "please rename the function", Author: "reviewer"}},
	}
	data := mustMarshal(t, payload)
	job := domain.JobEnvelope{JobID: "job-2", Kind: domain.JobKindApplyPRFollowup, Payload: data}

	result, err := proc.Process(ctx, job)
	require.NoError(t, err)
	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "completed", m["status"])

	comments, err := forgeStub.ListIssueComments(ctx, owner, repo, 5)
	require.NoError(t, err)
	require.NotEmpty(t, comments)

	state, err := tasks.Get(ctx, domain.TaskID(owner, repo, 5, "claude-sonnet-4"))
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, state.State)
}

func TestCitedCommentIDs_ParsesMultipleMarkerForms(t *testing.T) {
	comments := []port.Comment{
		{AuthorLogin: "ai-issue-resolver[bot]", AuthorIsBot: true, Body: "Processing comment ID: 11"},
		{AuthorLogin: "ai-issue-resolver[bot]", AuthorIsBot: true, Body: "done with comment #22"},
		{AuthorLogin: "human", Body: "comment ID: 33 (not a bot, should not count)"},
	}
	cited := citedCommentIDs(comments, "")
	require.True(t, cited[11])
	require.True(t, cited[22])
	require.False(t, cited[33])
}

func TestIsBotComment_MatchesSuffixAndConfiguredUsername(t *testing.T) {
	require.True(t, isBotComment(port.Comment{AuthorLogin: "some-app[bot]"}, ""))
	require.True(t, isBotComment(port.Comment{AuthorIsBot: true}, ""))
	require.True(t, isBotComment(port.Comment{AuthorLogin: "ci-runner"}, "ci-runner"))
	require.False(t, isBotComment(port.Comment{AuthorLogin: "human"}, "ci-runner"))
}
