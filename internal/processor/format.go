package processor

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
)

// commitAuthorName and commitAuthorEmail are fixed per §4.H: the agent does
// not author its own commits.
const (
	commitAuthorName  = "Claude Code"
	commitAuthorEmail = "claude-code@anthropic.com"
)

const maxCommitTitleLen = 50

func truncateTitle(title string) string {
	if len(title) <= maxCommitTitleLen {
		return title
	}
	return title[:maxCommitTitleLen]
}

// CommitMessage builds the default commit message for an ImplementIssue job,
// deferring to agentResult.SuggestedCommitMessage when the agent supplied one.
func CommitMessage(ref domain.IssueRef, result port.AgentResult) string {
	if result.SuggestedCommitMessage != "" {
		return result.SuggestedCommitMessage
	}
	status := "Implementation attempted; manual review recommended."
	if result.Success {
		status = "Implementation completed successfully."
	}
	return fmt.Sprintf(
		"fix(ai): Resolve issue #%d - %s\n\nImplemented by Claude Code using %s model.\n%s",
		ref.Number, truncateTitle(ref.Title), result.Model, status,
	)
}

func resultGlyph(success bool) string {
	if success {
		return "✅"
	}
	return "❌"
}

// CompletionReport renders the status block posted as a PR body or as a
// fallback issue comment (§4.H): status, issue ref, glyph, execution time,
// conversation ID, model, turns, cost, session ID, and optional summary.
// When the agent hit its turn cap, an explicit notice is appended.
func CompletionReport(ref domain.IssueRef, result port.AgentResult, status string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Status:** %s\n", status)
	fmt.Fprintf(&b, "**Issue:** %s\n", ref.String())
	fmt.Fprintf(&b, "**Result:** %s\n", resultGlyph(result.Success))
	fmt.Fprintf(&b, "**Execution time:** %.1fs\n", float64(result.ExecutionTimeMs)/1000.0)
	if result.ConversationID != "" {
		fmt.Fprintf(&b, "**Conversation ID:** %s\n", result.ConversationID)
	}
	fmt.Fprintf(&b, "**Model:** %s\n", result.Model)
	fmt.Fprintf(&b, "**Turns used:** %d\n", result.Turns)
	fmt.Fprintf(&b, "**Cost:** $%.4f\n", result.CostUSD)
	if result.SessionID != "" {
		fmt.Fprintf(&b, "**Session ID:** %s\n", result.SessionID)
	}
	if result.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", result.Summary)
	}
	if result.HitMaxTurns {
		b.WriteString("\n⚠️ **Max Turns Reached** — the agent stopped before declaring the task complete.\n")
	}
	return b.String()
}

func shortHash(commitHash string) string {
	if len(commitHash) > 7 {
		return commitHash[:7]
	}
	return commitHash
}

// PRBody renders the pull-request description (§4.H): a closes-keyword
// referencing the issue, model, branch, short commit hash, status, and the
// embedded completion report.
func PRBody(ref domain.IssueRef, branch, commitHash string, result port.AgentResult, status string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolves #%d\n\n", ref.Number)
	fmt.Fprintf(&b, "**Branch:** `%s`\n", branch)
	fmt.Fprintf(&b, "**Commit:** `%s`\n\n", shortHash(commitHash))
	b.WriteString("---\n\n")
	b.WriteString(CompletionReport(ref, result, status))
	return b.String()
}

// PRTitle renders the PR's title.
func PRTitle(ref domain.IssueRef) string {
	return fmt.Sprintf("fix: Resolve issue #%d - %s", ref.Number, truncateTitle(ref.Title))
}

// noChangesStatusTag is the terminal status recorded (both in the issue
// comment and the metrics log) when the agent succeeds but the working tree
// is unchanged — no commit, no PR (§4.H, E2E-2).
const noChangesStatusTag = "claude_success_no_changes"

// NoChangesComment renders the issue comment posted when the agent
// succeeded but made no changes: no PR follows this job.
func NoChangesComment(ref domain.IssueRef, result port.AgentResult) string {
	var b strings.Builder
	b.WriteString("🤖 Analyzed — no changes necessary.\n\n")
	b.WriteString(CompletionReport(ref, result, noChangesStatusTag))
	return b.String()
}

// ProcessingStartedComment renders the issue comment posted on entry to
// SETUP, announcing the model, branch, base branch, and worktree name.
func ProcessingStartedComment(ref domain.IssueRef, ws domain.Workspace, worktreeName string) string {
	return fmt.Sprintf(
		"🤖 Starting work on this issue using model `%s`.\n\n"+
			"**Branch:** `%s`\n**Base:** `%s`\n**Worktree:** `%s`\n",
		ref.ModelName, ws.BranchName, ws.BaseBranch, worktreeName,
	)
}
