// Package processor implements the job-kind state machines (§4.H, §4.I):
// IssueJobProcessor walks an issue from intake through LLM execution to PR
// creation and final validation; PRFollowupJobProcessor applies reviewer
// follow-up comments to an existing PR. Both are queue.Handler-shaped and
// report to a taskstate.Manager and metricsrecorder.Recorder by calling
// them directly, the way the teacher's usecase handlers call
// observability.StartProcessingJob/CompleteJob/FailJob. They are not wired
// through the queue's Observer interface; the worker registers no Observer.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/metricsrecorder"
	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
	"github.com/fairyhunter13/ai-issue-resolver/internal/queue"
	"github.com/fairyhunter13/ai-issue-resolver/internal/taskstate"
	"github.com/fairyhunter13/ai-issue-resolver/internal/workspace"
)

var payloadValidator = validator.New()

// Config carries the operator-tunable knobs both processors read from
// config.Config, kept decoupled from the config package so this package has
// no import-cycle risk and stays easy to unit test with literal values.
type Config struct {
	AIPrimaryTag    string
	AIProcessingTag string
	AIDoneTag       string
	PRLabel         string
	DefaultModel    string
	BotUsername     string
	GithubBaseURL   string // e.g. "https://github.com"

	RequeueBuffer time.Duration
	RequeueJitter time.Duration

	RetentionStrategy domain.RetentionStrategy
	RetentionHours    time.Duration
}

// repoURL builds the clone/push URL for owner/repo under cfg.GithubBaseURL.
func (c Config) repoURL(owner, repo string) string {
	base := c.GithubBaseURL
	if base == "" {
		base = "https://github.com"
	}
	return fmt.Sprintf("%s/%s/%s.git", base, owner, repo)
}

// IssueProcessor implements the ImplementIssue state machine (§4.H).
type IssueProcessor struct {
	cfg       Config
	queue     *queue.Queue
	workspace *workspace.Manager
	forge     port.ForgeClient
	agent     port.CodingAgent
	tasks     *taskstate.Manager
	metrics   *metricsrecorder.Recorder
	models    *domain.ModelAliasTable
	logger    *slog.Logger

	// sleep is overridable in tests to skip the real stagger delay.
	sleep func(ctx context.Context, d time.Duration)
}

// NewIssueProcessor constructs an IssueProcessor.
func NewIssueProcessor(
	cfg Config,
	q *queue.Queue,
	ws *workspace.Manager,
	forge port.ForgeClient,
	agent port.CodingAgent,
	tasks *taskstate.Manager,
	metrics *metricsrecorder.Recorder,
	models *domain.ModelAliasTable,
	logger *slog.Logger,
) *IssueProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &IssueProcessor{
		cfg: cfg, queue: q, workspace: ws, forge: forge, agent: agent,
		tasks: tasks, metrics: metrics, models: models, logger: logger,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// skippedResult is returned when label preconditions aren't satisfied; the
// job is reported as handled (no retry), not failed.
type skippedResult struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Process is the queue.Handler entry point for ImplementIssue jobs.
func (p *IssueProcessor) Process(ctx context.Context, job domain.JobEnvelope) (interface{}, error) {
	var payload domain.ImplementIssuePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("processor: decode ImplementIssue payload: %w", err)
	}
	if err := payloadValidator.Struct(payload); err != nil {
		p.logger.Error("rejected malformed ImplementIssue payload", slog.String("error", err.Error()))
		return nil, fmt.Errorf("processor: invalid ImplementIssue payload: %w: %w", domain.ErrInvalidArgument, err)
	}

	model := payload.ModelName
	if model == "" {
		model = p.cfg.DefaultModel
	}
	if p.models != nil {
		model = p.models.Resolve(model)
	}

	ref := domain.IssueRef{
		RepoOwner: payload.RepoOwner, RepoName: payload.RepoName, Number: payload.Number,
		Title: payload.Title, ModelName: model, CorrelationID: payload.CorrelationID,
	}
	taskID := ref.TaskIDFor()

	if _, err := p.tasks.CreateTaskState(ctx, taskID, ref, payload.CorrelationID, taskstate.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("processor: create task state for %s: %w", taskID, err)
	}

	result, err := p.run(ctx, taskID, ref, job)
	duration := time.Since(job.EnqueuedAt).Seconds()

	if err != nil {
		if ule, ok := asUsageLimitError(err); ok {
			return p.requeueOnUsageLimit(ctx, taskID, ref, job, ule)
		}

		category := domain.CategorizeFailure(err)
		if _, mErr := p.tasks.MarkTaskFailed(ctx, taskID, err, taskstate.MarkFailedOptions{ErrorCategory: category}); mErr != nil {
			p.logger.Error("failed to mark task failed", slog.String("taskId", taskID), slog.String("error", mErr.Error()))
		}
		if mErr := p.metrics.RecordFailure(ctx, metricsrecorder.CompletionParams{
			Kind: string(domain.JobKindImplementIssue), Model: model, DurationSeconds: duration,
			IssueNumber: ref.Number, Repo: ref.RepoOwner + "/" + ref.RepoName, CorrelationID: ref.CorrelationID,
			Now: time.Now(),
		}, string(category)); mErr != nil {
			p.logger.Error("failed to record failure metrics", slog.String("error", mErr.Error()))
		}
		return nil, err
	}

	if result.skipped != nil {
		return result.skipped, nil
	}

	if _, err := p.tasks.UpdateTaskState(ctx, taskID, domain.TaskCompleted, taskstate.UpdateOptions{
		Reason:         "completed",
		PullRequestURL: result.prURL,
	}); err != nil {
		p.logger.Error("failed to mark task completed", slog.String("taskId", taskID), slog.String("error", err.Error()))
	}
	status := ""
	if !result.changed {
		status = noChangesStatusTag
	}
	if err := p.metrics.RecordCompletion(ctx, metricsrecorder.CompletionParams{
		Kind: string(domain.JobKindImplementIssue), Model: model, CostUSD: result.agentResult.CostUSD,
		Turns: result.agentResult.Turns, ExecutionTimeMs: result.agentResult.ExecutionTimeMs,
		DurationSeconds: duration, IssueNumber: ref.Number, Repo: ref.RepoOwner + "/" + ref.RepoName,
		CorrelationID: ref.CorrelationID, Status: status, Now: time.Now(),
	}); err != nil {
		p.logger.Error("failed to record completion metrics", slog.String("error", err.Error()))
	}

	return map[string]interface{}{"status": "completed", "taskId": taskID, "prUrl": result.prURL, "changed": result.changed}, nil
}

// runOutcome carries the non-error results of a successful (or skipped) run.
type runOutcome struct {
	skipped     *skippedResult
	prURL       string
	agentResult port.AgentResult
	changed     bool
}

func (p *IssueProcessor) run(ctx context.Context, taskID string, ref domain.IssueRef, job domain.JobEnvelope) (runOutcome, error) {
	// CREATED: stagger, then assert label preconditions.
	p.sleep(ctx, StaggerDelay(ref.ModelName))

	issue, err := p.forge.GetIssue(ctx, ref.RepoOwner, ref.RepoName, ref.Number)
	if err != nil {
		return runOutcome{}, fmt.Errorf("processor: get issue: %w", err)
	}
	if !hasLabel(issue.Labels, p.cfg.AIPrimaryTag) || hasLabel(issue.Labels, p.cfg.AIDoneTag) {
		return runOutcome{skipped: &skippedResult{Status: "skipped", Reason: "label preconditions not met"}}, nil
	}
	if err := p.forge.AddLabels(ctx, ref.RepoOwner, ref.RepoName, ref.Number, []string{p.cfg.AIProcessingTag}); err != nil {
		return runOutcome{}, fmt.Errorf("processor: add processing label: %w", err)
	}

	// SETUP
	if _, err := p.tasks.UpdateTaskState(ctx, taskID, domain.TaskSetup, taskstate.UpdateOptions{}); err != nil {
		return runOutcome{}, fmt.Errorf("processor: update state SETUP: %w", err)
	}
	token, err := p.forge.GetInstallationToken(ctx)
	if err != nil {
		return runOutcome{}, fmt.Errorf("processor: get installation token: %w", err)
	}
	repoURL := p.cfg.repoURL(ref.RepoOwner, ref.RepoName)
	localRepoPath, err := p.workspace.EnsureClone(ctx, repoURL, ref.RepoOwner, ref.RepoName, token)
	if err != nil {
		return runOutcome{}, fmt.Errorf("processor: ensure clone: %w", err)
	}
	ws, err := p.workspace.CreateWorktreeForIssue(ctx, localRepoPath, ref.Number, ref.Title, ref.RepoOwner, ref.RepoName, "", ref.ModelName, p.forge)
	if err != nil {
		return runOutcome{}, fmt.Errorf("processor: create worktree: %w", err)
	}

	commentID, err := p.forge.AddIssueComment(ctx, ref.RepoOwner, ref.RepoName, ref.Number,
		ProcessingStartedComment(ref, ws, workspace.WorktreeDirName(ws.BranchName)))
	if err != nil {
		p.logger.Warn("failed to post processing-started comment", slog.String("error", err.Error()))
	}

	pushOpts := workspace.PushOptions{RepoURL: repoURL, AuthToken: token, TokenRefreshFn: func(ctx context.Context) (string, error) {
		return p.forge.GetInstallationToken(ctx)
	}}
	if err := p.workspace.PushBranch(ctx, ws, pushOpts); err != nil {
		return p.cleanupAndReturn(ctx, localRepoPath, ws, ref.Number, false, fmt.Errorf("processor: push empty branch: %w", err))
	}

	// CLAUDE_EXECUTION
	if _, err := p.tasks.UpdateTaskState(ctx, taskID, domain.TaskClaudeExecution, taskstate.UpdateOptions{}); err != nil {
		return runOutcome{}, fmt.Errorf("processor: update state CLAUDE_EXECUTION: %w", err)
	}
	issueDetails, err := p.buildIssueDetails(ctx, ref, issue)
	if err != nil {
		p.logger.Warn("failed to build filtered issue details", slog.String("error", err.Error()))
	}

	agentResult, execErr := p.agent.Execute(ctx, port.ExecuteParams{
		WorktreePath: ws.WorktreePath, IssueRef: ref, GithubToken: token,
		BranchName: ws.BranchName, ModelName: ref.ModelName, IssueDetails: issueDetails,
		OnSessionID: func(sessionID string) {
			_ = p.tasks.UpdateHistoryMetadata(ctx, taskID, domain.TaskClaudeExecution, map[string]any{"sessionId": sessionID})
		},
		OnContainerID: func(containerID string) {
			_ = p.tasks.UpdateHistoryMetadata(ctx, taskID, domain.TaskClaudeExecution, map[string]any{"containerId": containerID})
		},
	})
	if execErr != nil {
		if _, ok := asUsageLimitError(execErr); ok {
			return runOutcome{}, execErr
		}
		return p.cleanupAndReturn(ctx, localRepoPath, ws, ref.Number, false, fmt.Errorf("processor: execute agent: %w", execErr))
	}

	// GIT_OPERATIONS
	if _, err := p.tasks.UpdateTaskState(ctx, taskID, domain.TaskGitOperations, taskstate.UpdateOptions{}); err != nil {
		return runOutcome{}, fmt.Errorf("processor: update state GIT_OPERATIONS: %w", err)
	}
	commitHash, err := p.workspace.CommitChanges(ctx, ws, CommitMessage(ref, agentResult), commitAuthorName, commitAuthorEmail)
	if err != nil {
		return p.cleanupAndReturn(ctx, localRepoPath, ws, ref.Number, false, fmt.Errorf("processor: commit changes: %w", err))
	}
	if commitHash != "" {
		if err := p.workspace.PushBranch(ctx, ws, pushOpts); err != nil {
			return p.cleanupAndReturn(ctx, localRepoPath, ws, ref.Number, false, fmt.Errorf("processor: push branch: %w", err))
		}
	}

	// POST_PROCESSING
	if _, err := p.tasks.UpdateTaskState(ctx, taskID, domain.TaskPostProcessing, taskstate.UpdateOptions{}); err != nil {
		return runOutcome{}, fmt.Errorf("processor: update state POST_PROCESSING: %w", err)
	}

	if commitHash == "" {
		return p.finishNoChanges(ctx, ref, localRepoPath, ws, commentID, agentResult)
	}

	prURL, postErr := p.postProcess(ctx, ref, ws, commitHash, agentResult, commentID)
	if postErr != nil {
		return p.cleanupAndReturn(ctx, localRepoPath, ws, ref.Number, false, postErr)
	}

	if err := p.forge.RemoveLabel(ctx, ref.RepoOwner, ref.RepoName, ref.Number, p.cfg.AIProcessingTag); err != nil {
		p.logger.Warn("failed to remove processing label", slog.String("error", err.Error()))
	}
	if err := p.forge.AddLabels(ctx, ref.RepoOwner, ref.RepoName, ref.Number, []string{p.cfg.AIDoneTag}); err != nil {
		p.logger.Warn("failed to add done label", slog.String("error", err.Error()))
	}

	outcome := runOutcome{prURL: prURL, agentResult: agentResult, changed: true}
	_, cleanupErr := p.cleanupAndReturn(ctx, localRepoPath, ws, ref.Number, true, nil)
	if cleanupErr != nil {
		p.logger.Warn("worktree cleanup failed after success", slog.String("error", cleanupErr.Error()))
	}
	return outcome, nil
}

// finishNoChanges completes an ImplementIssue job when the agent reported
// success but left the working tree unchanged: no PR is created. The
// starting-work comment is replaced by a no-changes report, and the issue
// is labeled done the same as the PR path (§4.H, E2E-2).
func (p *IssueProcessor) finishNoChanges(ctx context.Context, ref domain.IssueRef, localRepoPath string, ws domain.Workspace, startingCommentID int64, agentResult port.AgentResult) (runOutcome, error) {
	if startingCommentID != 0 {
		if err := p.forge.DeleteIssueComment(ctx, ref.RepoOwner, ref.RepoName, startingCommentID); err != nil {
			p.logger.Warn("failed to delete starting-work comment", slog.String("error", err.Error()))
		}
	}
	if _, err := p.forge.AddIssueComment(ctx, ref.RepoOwner, ref.RepoName, ref.Number, NoChangesComment(ref, agentResult)); err != nil {
		p.logger.Warn("failed to post no-changes comment", slog.String("error", err.Error()))
	}
	if err := p.forge.RemoveLabel(ctx, ref.RepoOwner, ref.RepoName, ref.Number, p.cfg.AIProcessingTag); err != nil {
		p.logger.Warn("failed to remove processing label", slog.String("error", err.Error()))
	}
	if err := p.forge.AddLabels(ctx, ref.RepoOwner, ref.RepoName, ref.Number, []string{p.cfg.AIDoneTag}); err != nil {
		p.logger.Warn("failed to add done label", slog.String("error", err.Error()))
	}

	outcome := runOutcome{agentResult: agentResult, changed: false}
	_, cleanupErr := p.cleanupAndReturn(ctx, localRepoPath, ws, ref.Number, true, nil)
	if cleanupErr != nil {
		p.logger.Warn("worktree cleanup failed after success", slog.String("error", cleanupErr.Error()))
	}
	return outcome, nil
}

// postProcess creates (or adopts an existing) PR for ws.BranchName, adds the
// configured PR label, and runs the FINAL VALIDATION emergency-retry path
// when the agent reported success and the branch was pushed but no PR was
// created. No separate helper exists for the non-emergency path to
// "bypass" — this function IS that single path (§9 Open Question #1).
func (p *IssueProcessor) postProcess(ctx context.Context, ref domain.IssueRef, ws domain.Workspace, commitHash string, agentResult port.AgentResult, startingCommentID int64) (string, error) {
	existing, err := p.forge.ListPRsByHead(ctx, ref.RepoOwner, ref.RepoName, ws.BranchName)
	if err != nil {
		return "", fmt.Errorf("processor: list PRs by head: %w", err)
	}
	if len(existing) > 0 {
		return p.finishPR(ctx, ref, existing[0])
	}

	status := "success"
	if !agentResult.Success {
		status = "failed"
	}
	pr, createErr := p.forge.CreatePR(ctx, ref.RepoOwner, ref.RepoName, port.CreatePRParams{
		Title: PRTitle(ref), Head: ws.BranchName, Base: ws.BaseBranch,
		Body: PRBody(ref, ws.BranchName, commitHash, agentResult, status),
	})
	if createErr == nil {
		return p.finishPR(ctx, ref, pr)
	}

	if agentResult.Success && commitHash != "" {
		emergencyResult, emergencyErr := p.agent.Execute(ctx, port.ExecuteParams{
			WorktreePath: ws.WorktreePath, IssueRef: ref, BranchName: ws.BranchName, ModelName: ref.ModelName,
			IsRetry: true, RetryReason: "no pull request detected after a successful run; create one now",
			CustomPrompt: "Create a pull request for the already-committed and pushed branch. Do not make further code changes.",
		})
		if emergencyErr == nil {
			again, listErr := p.forge.ListPRsByHead(ctx, ref.RepoOwner, ref.RepoName, ws.BranchName)
			if listErr == nil && len(again) > 0 {
				return p.finishPR(ctx, ref, again[0])
			}
			_ = emergencyResult
		}
	}

	if startingCommentID != 0 {
		if _, err := p.forge.AddIssueComment(ctx, ref.RepoOwner, ref.RepoName, ref.Number,
			CompletionReport(ref, agentResult, "failed: unable to create pull request")); err != nil {
			p.logger.Warn("failed to post fallback completion comment", slog.String("error", err.Error()))
		}
	}
	return "", fmt.Errorf("processor: create PR: %w", createErr)
}

func (p *IssueProcessor) finishPR(ctx context.Context, ref domain.IssueRef, pr port.PullRequest) (string, error) {
	label := p.cfg.PRLabel
	if label == "" {
		label = "gitfix"
	}
	if err := p.forge.AddLabels(ctx, ref.RepoOwner, ref.RepoName, pr.Number, []string{label}); err != nil {
		p.logger.Warn("failed to add PR label", slog.String("error", err.Error()))
	}
	return pr.URL, nil
}

// buildIssueDetails renders the issue body plus bot-filtered comments for
// the agent prompt, logging the filtered/removed counts per §4.H.
func (p *IssueProcessor) buildIssueDetails(ctx context.Context, ref domain.IssueRef, issue port.Issue) (string, error) {
	comments, err := p.forge.ListIssueComments(ctx, ref.RepoOwner, ref.RepoName, ref.Number)
	if err != nil {
		return issue.Body, err
	}
	kept, removed := port.FilterBotComments(comments, p.cfg.BotUsername)
	p.logger.Info("filtered issue comments", slog.Int("kept", len(kept)), slog.Int("removed", removed))

	details := issue.Body
	for _, c := range kept {
		details += fmt.Sprintf("\n\n---\n%s:\n%s", c.AuthorLogin, c.Body)
	}
	return details, nil
}

// cleanupAndReturn runs CleanupWorktree per the configured retention
// strategy, preserving the original error (if any) over a cleanup failure.
func (p *IssueProcessor) cleanupAndReturn(ctx context.Context, localRepoPath string, ws domain.Workspace, issueNumber int, success bool, originalErr error) (runOutcome, error) {
	cleanupCtx := context.Background()
	deleteBranch := p.cfg.RetentionStrategy == domain.RetentionAlwaysDelete && !success
	opts := workspaceCleanupOptions{
		DeleteBranch:      deleteBranch,
		Success:           success,
		IssueNumber:       issueNumber,
		RetentionStrategy: p.cfg.RetentionStrategy,
		MaxAgeHours:       p.cfg.RetentionHours,
	}
	if err := p.workspace.CleanupWorktree(cleanupCtx, localRepoPath, ws, opts); err != nil {
		p.logger.Warn("worktree cleanup failed", slog.String("error", err.Error()))
	}
	return runOutcome{}, originalErr
}

func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if l == target {
			return true
		}
	}
	return false
}

func asUsageLimitError(err error) (*domain.UsageLimitError, bool) {
	var ule *domain.UsageLimitError
	if errors.As(err, &ule) {
		return ule, true
	}
	return nil, false
}

// requeueOnUsageLimit re-enqueues the job after the provider's quota resets,
// without consuming the original job's retry budget, then reports this
// attempt as handled (not failed) so the queue doesn't separately retry it.
func (p *IssueProcessor) requeueOnUsageLimit(ctx context.Context, taskID string, ref domain.IssueRef, job domain.JobEnvelope, ule *domain.UsageLimitError) (interface{}, error) {
	delay := time.Until(ule.ResetAt()) + p.cfg.RequeueBuffer
	if p.cfg.RequeueJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.cfg.RequeueJitter)))
	}
	if delay < 0 {
		delay = p.cfg.RequeueBuffer
	}

	newJobID, err := p.queue.RequeueWithDelay(ctx, job, delay)
	if err != nil {
		return nil, fmt.Errorf("processor: requeue on usage limit: %w", err)
	}
	if _, err := p.tasks.UpdateTaskState(ctx, taskID, domain.TaskCreated, taskstate.UpdateOptions{
		Reason:          "usage limit reached, requeued",
		HistoryMetadata: map[string]any{"requeuedJobId": newJobID, "delayMs": delay.Milliseconds()},
	}); err != nil {
		p.logger.Warn("failed to record usage-limit requeue", slog.String("error", err.Error()))
	}
	return map[string]interface{}{"status": "requeued", "reason": "usage_limit", "jobId": newJobID}, nil
}

// workspaceCleanupOptions aliases workspace.CleanupOptions to keep this
// file's signatures readable without a second import alias.
type workspaceCleanupOptions = workspace.CleanupOptions
