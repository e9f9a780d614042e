package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/metricsrecorder"
	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
	"github.com/fairyhunter13/ai-issue-resolver/internal/taskstate"
	"github.com/fairyhunter13/ai-issue-resolver/internal/workspace"
)

func citedCommentIDs(comments []port.Comment, botUsername string) map[int64]bool {
	cited := make(map[int64]bool)
	for _, c := range comments {
		if !isBotComment(c, botUsername) {
			continue
		}
		for _, candidate := range candidateCommentIDs(c.Body) {
			cited[candidate] = true
		}
	}
	return cited
}

var citationIDRegex = regexp.MustCompile(`(?i)comment(?:\s+id)?\s*[:#]\s*(\d+)|processing comment id:\s*(\d+)`)

func candidateCommentIDs(body string) []int64 {
	var ids []int64
	for _, m := range citationIDRegex.FindAllStringSubmatch(body, -1) {
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			if id, err := strconv.ParseInt(g, 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func isBotComment(c port.Comment, botUsername string) bool {
	if c.AuthorIsBot {
		return true
	}
	if strings.HasSuffix(c.AuthorLogin, "[bot]") {
		return true
	}
	return botUsername != "" && c.AuthorLogin == botUsername
}

// PRFollowupProcessor implements the ApplyPRFollowup state machine (§4.I).
type PRFollowupProcessor struct {
	cfg       Config
	workspace *workspace.Manager
	forge     port.ForgeClient
	agent     port.CodingAgent
	tasks     *taskstate.Manager
	metrics   *metricsrecorder.Recorder
	models    *domain.ModelAliasTable
	logger    *slog.Logger
}

// NewPRFollowupProcessor constructs a PRFollowupProcessor.
func NewPRFollowupProcessor(
	cfg Config,
	ws *workspace.Manager,
	forge port.ForgeClient,
	agent port.CodingAgent,
	tasks *taskstate.Manager,
	metrics *metricsrecorder.Recorder,
	models *domain.ModelAliasTable,
	logger *slog.Logger,
) *PRFollowupProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PRFollowupProcessor{cfg: cfg, workspace: ws, forge: forge, agent: agent, tasks: tasks, metrics: metrics, models: models, logger: logger}
}

// Process is the queue.Handler entry point for ApplyPRFollowup jobs.
func (p *PRFollowupProcessor) Process(ctx context.Context, job domain.JobEnvelope) (interface{}, error) {
	var payload domain.ApplyPRFollowupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("processor: decode ApplyPRFollowup payload: %w", err)
	}
	if err := payloadValidator.Struct(payload); err != nil {
		return nil, fmt.Errorf("processor: invalid ApplyPRFollowup payload: %w: %w", domain.ErrInvalidArgument, err)
	}

	model := payload.ModelName
	if model == "" {
		model = p.cfg.DefaultModel
	}
	if p.models != nil {
		model = p.models.Resolve(model)
	}

	ref := domain.IssueRef{
		RepoOwner: payload.RepoOwner, RepoName: payload.RepoName, Number: payload.PullRequestNumber,
		ModelName: model, CorrelationID: payload.CorrelationID,
	}
	taskID := domain.TaskID(payload.RepoOwner, payload.RepoName, payload.PullRequestNumber, model)

	if _, err := p.tasks.CreateTaskState(ctx, taskID, ref, payload.CorrelationID, taskstate.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("processor: create task state for %s: %w", taskID, err)
	}

	start := time.Now()
	result, err := p.run(ctx, taskID, ref, payload)
	duration := time.Since(start).Seconds()

	if err != nil {
		category := domain.CategorizeFailure(err)
		if _, mErr := p.tasks.MarkTaskFailed(ctx, taskID, err, taskstate.MarkFailedOptions{ErrorCategory: category}); mErr != nil {
			p.logger.Error("failed to mark follow-up task failed", slog.String("error", mErr.Error()))
		}
		if mErr := p.metrics.RecordFailure(ctx, metricsrecorder.CompletionParams{
			Kind: string(domain.JobKindApplyPRFollowup), Model: model, DurationSeconds: duration,
			IssueNumber: ref.Number, Repo: ref.RepoOwner + "/" + ref.RepoName, CorrelationID: ref.CorrelationID,
			Now: time.Now(),
		}, string(category)); mErr != nil {
			p.logger.Error("failed to record follow-up failure metrics", slog.String("error", mErr.Error()))
		}
		return nil, err
	}

	if result.skipped != nil {
		return result.skipped, nil
	}

	if _, err := p.tasks.UpdateTaskState(ctx, taskID, domain.TaskCompleted, taskstate.UpdateOptions{Reason: "completed"}); err != nil {
		p.logger.Error("failed to mark follow-up task completed", slog.String("error", err.Error()))
	}
	if err := p.metrics.RecordCompletion(ctx, metricsrecorder.CompletionParams{
		Kind: string(domain.JobKindApplyPRFollowup), Model: model, CostUSD: result.agentResult.CostUSD,
		Turns: result.agentResult.Turns, ExecutionTimeMs: result.agentResult.ExecutionTimeMs,
		DurationSeconds: duration, IssueNumber: ref.Number, Repo: ref.RepoOwner + "/" + ref.RepoName,
		CorrelationID: ref.CorrelationID, Now: time.Now(),
	}); err != nil {
		p.logger.Error("failed to record follow-up completion metrics", slog.String("error", err.Error()))
	}

	return map[string]interface{}{"status": "completed", "taskId": taskID, "changed": result.changed}, nil
}

func (p *PRFollowupProcessor) run(ctx context.Context, taskID string, ref domain.IssueRef, payload domain.ApplyPRFollowupPayload) (runOutcome, error) {
	existingComments, err := p.forge.ListIssueComments(ctx, payload.RepoOwner, payload.RepoName, payload.PullRequestNumber)
	if err != nil {
		return runOutcome{}, fmt.Errorf("processor: list PR comments: %w", err)
	}
	cited := citedCommentIDs(existingComments, p.cfg.BotUsername)

	var remaining []domain.PRFollowupComment
	for _, c := range payload.Comments {
		if !cited[c.ID] {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		return runOutcome{skipped: &skippedResult{Status: "skipped", Reason: "already_processed"}}, nil
	}

	startingCommentID, err := p.forge.AddIssueComment(ctx, payload.RepoOwner, payload.RepoName, payload.PullRequestNumber,
		startingWorkComment(remaining))
	if err != nil {
		p.logger.Warn("failed to post starting-work comment", slog.String("error", err.Error()))
	}

	token, err := p.forge.GetInstallationToken(ctx)
	if err != nil {
		return runOutcome{}, fmt.Errorf("processor: get installation token: %w", err)
	}
	repoURL := p.cfg.repoURL(payload.RepoOwner, payload.RepoName)
	localRepoPath, err := p.workspace.EnsureClone(ctx, repoURL, payload.RepoOwner, payload.RepoName, token)
	if err != nil {
		return runOutcome{}, fmt.Errorf("processor: ensure clone: %w", err)
	}

	worktreeName := workspace.WorktreeDirName(payload.BranchName) + "-followup-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	ws, err := p.workspace.CreateWorktreeFromExistingBranch(ctx, localRepoPath, payload.BranchName, worktreeName, payload.RepoOwner, payload.RepoName)
	if err != nil {
		return runOutcome{}, fmt.Errorf("processor: create worktree from branch %s: %w", payload.BranchName, err)
	}

	agentResult, execErr := p.agent.Execute(ctx, port.ExecuteParams{
		WorktreePath: ws.WorktreePath, IssueRef: ref, GithubToken: token, BranchName: payload.BranchName,
		ModelName: ref.ModelName, CustomPrompt: followupPrompt(remaining, payload),
	})
	if execErr != nil {
		return p.cleanupFollowup(ctx, localRepoPath, ws, fmt.Errorf("processor: execute follow-up agent: %w", execErr))
	}

	commitMsg := followupCommitMessage(remaining)
	commitHash, err := p.workspace.CommitChanges(ctx, ws, commitMsg, commitAuthorName, commitAuthorEmail)
	if err != nil {
		return p.cleanupFollowup(ctx, localRepoPath, ws, fmt.Errorf("processor: commit follow-up changes: %w", err))
	}

	if commitHash == "" {
		if _, err := p.forge.AddIssueComment(ctx, payload.RepoOwner, payload.RepoName, payload.PullRequestNumber,
			"Analyzed the requested changes — no changes were necessary."); err != nil {
			p.logger.Warn("failed to post no-changes comment", slog.String("error", err.Error()))
		}
		p.deleteStartingComment(ctx, payload, startingCommentID)
		out, cleanupErr := p.cleanupFollowup(ctx, localRepoPath, ws, nil)
		out.agentResult = agentResult
		return out, cleanupErr
	}

	pushOpts := workspace.PushOptions{RepoURL: repoURL, AuthToken: token, TokenRefreshFn: func(ctx context.Context) (string, error) {
		return p.forge.GetInstallationToken(ctx)
	}}
	if err := p.workspace.PushBranch(ctx, ws, pushOpts); err != nil {
		return p.cleanupFollowup(ctx, localRepoPath, ws, fmt.Errorf("processor: push follow-up branch: %w", err))
	}

	if _, err := p.forge.AddIssueComment(ctx, payload.RepoOwner, payload.RepoName, payload.PullRequestNumber,
		followupConfirmationComment(commitHash, agentResult)); err != nil {
		p.logger.Warn("failed to post follow-up confirmation comment", slog.String("error", err.Error()))
	}
	p.deleteStartingComment(ctx, payload, startingCommentID)

	out, cleanupErr := p.cleanupFollowup(ctx, localRepoPath, ws, nil)
	out.changed = true
	out.agentResult = agentResult
	return out, cleanupErr
}

func (p *PRFollowupProcessor) deleteStartingComment(ctx context.Context, payload domain.ApplyPRFollowupPayload, commentID int64) {
	if commentID == 0 {
		return
	}
	if err := p.forge.DeleteIssueComment(ctx, payload.RepoOwner, payload.RepoName, commentID); err != nil {
		p.logger.Warn("failed to delete starting-work comment", slog.String("error", err.Error()))
	}
}

// cleanupFollowup always keeps the branch: it belongs to the PR, per §4.I
// step 8.
func (p *PRFollowupProcessor) cleanupFollowup(ctx context.Context, localRepoPath string, ws domain.Workspace, originalErr error) (runOutcome, error) {
	opts := workspace.CleanupOptions{
		DeleteBranch:      false,
		Success:           originalErr == nil,
		RetentionStrategy: p.cfg.RetentionStrategy,
		MaxAgeHours:       p.cfg.RetentionHours,
	}
	if err := p.workspace.CleanupWorktree(context.Background(), localRepoPath, ws, opts); err != nil {
		p.logger.Warn("follow-up worktree cleanup failed", slog.String("error", err.Error()))
	}
	return runOutcome{}, originalErr
}

func startingWorkComment(comments []domain.PRFollowupComment) string {
	var b strings.Builder
	b.WriteString("🤖 Starting work on follow-up changes requested in:\n")
	for _, c := range comments {
		fmt.Fprintf(&b, "- Comment ID: %d (by %s)\n", c.ID, c.Author)
	}
	return b.String()
}

func followupPrompt(comments []domain.PRFollowupComment, payload domain.ApplyPRFollowupPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Apply the following reviewer follow-up requests to %s/%s PR #%d.\n", payload.RepoOwner, payload.RepoName, payload.PullRequestNumber)
	b.WriteString("Do not commit your changes and do not open a new pull request; the caller handles both.\n\n")
	for i, c := range comments {
		fmt.Fprintf(&b, "%d. (%s) %s\n", i+1, c.Author, c.Body)
	}
	return b.String()
}

func followupCommitMessage(comments []domain.PRFollowupComment) string {
	var b strings.Builder
	b.WriteString("feat(ai): Apply follow-up changes from PR comments\n\n")
	for _, c := range comments {
		fmt.Fprintf(&b, "Addresses comment #%d from %s\n", c.ID, c.Author)
	}
	return b.String()
}

func followupConfirmationComment(commitHash string, result port.AgentResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Follow-up changes applied in commit `%s`.\n\n", shortHash(commitHash))
	if result.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", result.Summary)
	}
	fmt.Fprintf(&b, "**Turns:** %d | **Time:** %.1fs | **Cost:** $%.4f\n",
		result.Turns, float64(result.ExecutionTimeMs)/1000.0, result.CostUSD)
	return b.String()
}
