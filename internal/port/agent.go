package port

import (
	"context"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
)

// AgentMessage is one entry in an optional conversation log.
type AgentMessage struct {
	Role    string
	Content string
}

// ExecuteParams carries CodingAgent.Execute's inputs (§4.F).
type ExecuteParams struct {
	WorktreePath  string
	IssueRef      domain.IssueRef
	GithubToken   string
	CustomPrompt  string
	IsRetry       bool
	RetryReason   string
	BranchName    string
	ModelName     string
	IssueDetails  string
	OnSessionID   func(sessionID string)
	OnContainerID func(containerID string)
}

// AgentResult is CodingAgent.Execute's return value. Advisory about file
// changes: the processor always diffs the worktree rather than trusting
// ModifiedFiles.
type AgentResult struct {
	Success                bool
	ExecutionTimeMs        int64
	ExitCode               int
	Model                  string
	SessionID              string
	ConversationID         string
	RawOutput              string
	Logs                   []string
	ConversationLog        []AgentMessage
	ModifiedFiles          []string
	SuggestedCommitMessage string
	Summary                string
	CostUSD                float64
	Turns                  int
	HitMaxTurns            bool
}

// CodingAgent is the provider-agnostic capability that runs an AI coding
// session inside a sandbox against a prepared worktree (§4.F). Sandboxing,
// credential injection, turn caps, and wall-clock timeouts stay inside the
// implementation; Execute either returns an AgentResult or a
// *domain.UsageLimitError on quota exhaustion.
type CodingAgent interface {
	Execute(ctx context.Context, params ExecuteParams) (AgentResult, error)
}
