package processor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-issue-resolver/internal/adapter/agent"
	"github.com/fairyhunter13/ai-issue-resolver/internal/adapter/forge"
	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/kvstore"
	"github.com/fairyhunter13/ai-issue-resolver/internal/metricsrecorder"
	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
	"github.com/fairyhunter13/ai-issue-resolver/internal/queue"
	"github.com/fairyhunter13/ai-issue-resolver/internal/taskstate"
	"github.com/fairyhunter13/ai-issue-resolver/internal/workspace"
)

var errTestAgentFailure = errors.New("agent exploded")

// initBareRemote creates a bare git repo with a single commit on main, laid
// out at <base>/acme/widget.git so Config.repoURL("acme", "widget") resolves
// straight to it when GithubBaseURL is set to base.
func initBareRemote(t *testing.T) (base, owner, repo string) {
	t.Helper()
	base = t.TempDir()
	owner, repo = "acme", "widget"
	remotePath := filepath.Join(base, owner, repo+".git")
	seedPath := filepath.Join(base, "seed")

	require.NoError(t, os.MkdirAll(filepath.Join(base, owner), 0o755))
	runOrSkip(t, base, "git", "init", "--bare", "-b", "main", remotePath)
	runOrSkip(t, base, "git", "clone", remotePath, seedPath)
	runOrSkip(t, seedPath, "git", "config", "user.email", "test@example.com")
	runOrSkip(t, seedPath, "git", "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(seedPath, "README.md"), []byte("hello\n"), 0o644))
	runOrSkip(t, seedPath, "git", "add", "-A")
	runOrSkip(t, seedPath, "git", "commit", "-m", "seed")
	runOrSkip(t, seedPath, "git", "push", "origin", "main")
	return base, owner, repo
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

type testHarness struct {
	proc  *IssueProcessor
	forge *forge.Stub
	agent *agent.Stub
	q     *queue.Queue
	store kvstore.Store
	tasks *taskstate.Manager
}

func newTestHarness(t *testing.T, remoteBase string) testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := kvstore.NewFromClient(client)

	workspaceBase := t.TempDir()
	clones := filepath.Join(workspaceBase, "clones")
	worktrees := filepath.Join(workspaceBase, "worktrees")
	require.NoError(t, os.MkdirAll(clones, 0o755))
	require.NoError(t, os.MkdirAll(worktrees, 0o755))
	ws := workspace.New(clones, worktrees, "main")

	q := queue.New(store, "issues", domain.DefaultRetryConfig())
	tasks := taskstate.New(store)
	metrics := metricsrecorder.New(store, 100)
	models, err := domain.LoadModelAliasTable()
	require.NoError(t, err)

	forgeStub := forge.NewStub("main")
	agentStub := agent.NewStub()

	cfg := Config{
		AIPrimaryTag: "ai-fix", AIProcessingTag: "ai-processing", AIDoneTag: "ai-done",
		PRLabel: "gitfix", DefaultModel: "claude-sonnet-4", BotUsername: "ai-issue-resolver[bot]",
		GithubBaseURL: remoteBase,
	}

	proc := NewIssueProcessor(cfg, q, ws, forgeStub, agentStub, tasks, metrics, models, nil)
	proc.sleep = func(context.Context, time.Duration) {}

	return testHarness{proc: proc, forge: forgeStub, agent: agentStub, q: q, store: store, tasks: tasks}
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func seedPayload(t *testing.T, h testHarness, owner, repo string, number int, title string, labels []string) domain.JobEnvelope {
	t.Helper()
	h.forge.SeedIssue(owner, repo, number, port.Issue{Title: title, Body: "body text", Labels: labels})
	payload := domain.ImplementIssuePayload{RepoOwner: owner, RepoName: repo, Number: number, Title: title, ModelName: "claude-sonnet-4"}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.JobEnvelope{JobID: "job-1", Kind: domain.JobKindImplementIssue, Payload: data, MaxAttempts: 3, EnqueuedAt: time.Now()}
}

func TestIssueProcessor_Process_SkipsWithoutPrimaryLabel(t *testing.T) {
	base, owner, repo := initBareRemote(t)
	h := newTestHarness(t, base)
	job := seedPayload(t, h, owner, repo, 1, "Fix the thing", []string{"bug"})

	result, err := h.proc.Process(context.Background(), job)
	require.NoError(t, err)

	skipped, ok := result.(*skippedResult)
	require.True(t, ok)
	require.Equal(t, "skipped", skipped.Status)
}

func TestIssueProcessor_Process_SkipsWhenAlreadyDone(t *testing.T) {
	base, owner, repo := initBareRemote(t)
	h := newTestHarness(t, base)
	job := seedPayload(t, h, owner, repo, 1, "Fix the thing", []string{"ai-fix", "ai-done"})

	result, err := h.proc.Process(context.Background(), job)
	require.NoError(t, err)
	_, ok := result.(*skippedResult)
	require.True(t, ok)
}

func TestIssueProcessor_Process_HappyPathCreatesPR(t *testing.T) {
	base, owner, repo := initBareRemote(t)
	h := newTestHarness(t, base)
	job := seedPayload(t, h, owner, repo, 42, "Fix the parser", []string{"ai-fix"})

	result, err := h.proc.Process(context.Background(), job)
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "completed", m["status"])
	require.NotEmpty(t, m["prUrl"])

	state, err := h.tasks.Get(context.Background(), domain.TaskID(owner, repo, 42, "claude-sonnet-4"))
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, state.State)

	issue, err := h.forge.GetIssue(context.Background(), owner, repo, 42)
	require.NoError(t, err)
	require.Contains(t, issue.Labels, "ai-done")
	require.NotContains(t, issue.Labels, "ai-processing")
}

func TestIssueProcessor_Process_NoChangesSkipsPRAndPostsComment(t *testing.T) {
	base, owner, repo := initBareRemote(t)
	h := newTestHarness(t, base)
	job := seedPayload(t, h, owner, repo, 13, "Investigate flaky test", []string{"ai-fix"})

	ref := domain.IssueRef{RepoOwner: owner, RepoName: repo, Number: 13, ModelName: "claude-sonnet-4"}
	h.agent.NoChangesFor(ref.String())

	result, err := h.proc.Process(context.Background(), job)
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "completed", m["status"])
	require.Empty(t, m["prUrl"])
	require.Equal(t, false, m["changed"])
	require.Equal(t, 0, h.forge.CreatePRCalls())

	state, err := h.tasks.Get(context.Background(), domain.TaskID(owner, repo, 13, "claude-sonnet-4"))
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, state.State)

	issue, err := h.forge.GetIssue(context.Background(), owner, repo, 13)
	require.NoError(t, err)
	require.Contains(t, issue.Labels, "ai-done")
	require.NotContains(t, issue.Labels, "ai-processing")

	comments, err := h.forge.ListIssueComments(context.Background(), owner, repo, 13)
	require.NoError(t, err)
	require.Len(t, comments, 1, "starting-work comment should have been deleted, leaving only the no-changes comment")
	require.Contains(t, comments[0].Body, "Analyzed — no changes necessary")
	require.Contains(t, comments[0].Body, "claude_success_no_changes")
}

func TestIssueProcessor_Process_UsageLimitRequeuesWithoutFailing(t *testing.T) {
	base, owner, repo := initBareRemote(t)
	h := newTestHarness(t, base)
	job := seedPayload(t, h, owner, repo, 7, "Fix the thing", []string{"ai-fix"})

	ref := domain.IssueRef{RepoOwner: owner, RepoName: repo, Number: 7, ModelName: "claude-sonnet-4"}
	h.agent.UsageLimitFor(ref.String(), time.Now().Add(-time.Minute))

	result, err := h.proc.Process(context.Background(), job)
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "requeued", m["status"])
	require.Equal(t, "usage_limit", m["reason"])
	require.NotEmpty(t, m["jobId"])

	state, err := h.tasks.Get(context.Background(), domain.TaskID(owner, repo, 7, "claude-sonnet-4"))
	require.NoError(t, err)
	require.NotEqual(t, domain.TaskFailed, state.State)
}

func TestIssueProcessor_Process_AgentFailureMarksTaskFailed(t *testing.T) {
	base, owner, repo := initBareRemote(t)
	h := newTestHarness(t, base)
	job := seedPayload(t, h, owner, repo, 9, "Fix the thing", []string{"ai-fix"})

	ref := domain.IssueRef{RepoOwner: owner, RepoName: repo, Number: 9, ModelName: "claude-sonnet-4"}
	h.agent.FailFor(ref.String(), errTestAgentFailure)

	_, err := h.proc.Process(context.Background(), job)
	require.Error(t, err)

	state, err := h.tasks.Get(context.Background(), domain.TaskID(owner, repo, 9, "claude-sonnet-4"))
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, state.State)
}

func TestIssueProcessor_PostProcess_AdoptsExistingPR(t *testing.T) {
	base, owner, repo := initBareRemote(t)
	h := newTestHarness(t, base)
	ctx := context.Background()

	pr, err := h.forge.CreatePR(ctx, owner, repo, port.CreatePRParams{Title: "t", Head: "ai-fix/1-x", Base: "main"})
	require.NoError(t, err)

	ws := domain.Workspace{BranchName: "ai-fix/1-x", BaseBranch: "main"}
	ref := domain.IssueRef{RepoOwner: owner, RepoName: repo, Number: 1}
	url, err := h.proc.postProcess(ctx, ref, ws, "deadbeef", port.AgentResult{Success: true}, 0)
	require.NoError(t, err)
	require.Equal(t, pr.URL, url)
}
