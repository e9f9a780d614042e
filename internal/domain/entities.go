// Package domain defines core entities, ports, and domain-specific errors
// for the issue-resolution worker.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels). Components wrap these with fmt.Errorf("op=...: %w", err)
// so callers can classify failures with errors.Is while still getting a
// human-readable chain.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyExists   = errors.New("already exists")
	ErrAuth            = errors.New("authentication failed")
	ErrNetwork         = errors.New("network error")
	ErrTimeout         = errors.New("timeout")
	ErrGit             = errors.New("git error")
	ErrForgeAPI        = errors.New("forge api error")
	ErrUsageLimit      = errors.New("usage limit")
	ErrInternal        = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across
// layers that want to stay decoupled from importing "context" directly in
// interface-only files.
type Context = context.Context

// JobKind enumerates the kinds of jobs the queue carries.
type JobKind string

// Job kinds.
const (
	JobKindImplementIssue  JobKind = "ImplementIssue"
	JobKindApplyPRFollowup JobKind = "ApplyPRFollowup"
	JobKindImportTask      JobKind = "ImportTask"
)

// IssueRef identifies an inbound unit of work. Immutable within a job.
type IssueRef struct {
	RepoOwner     string
	RepoName      string
	Number        int
	Title         string
	ModelName     string
	CorrelationID string
}

// String returns a short human-readable identifier, e.g. "acme/widget#42".
func (r IssueRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.RepoOwner, r.RepoName, r.Number)
}

// TaskID returns the model-qualified task identifier mandated by the spec:
// "{owner}-{repo}-{issue#}-{model}". This is the single canonical form used
// everywhere in this codebase (see DESIGN.md Open Question #2).
func TaskID(owner, repo string, number int, model string) string {
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf("%s-%s-%d-%s", owner, repo, number, model)
}

// TaskIDFor is a convenience wrapper around TaskID for an IssueRef.
func (r IssueRef) TaskIDFor() string {
	return TaskID(r.RepoOwner, r.RepoName, r.Number, r.ModelName)
}

// JobEnvelope is the durable record the Queue stores per job.
type JobEnvelope struct {
	JobID        string
	Kind         JobKind
	Payload      []byte
	Attempt      int
	MaxAttempts  int
	EnqueuedAt   time.Time
	DelayedUntil time.Time
	Progress     int
}

// ImplementIssuePayload is the JSON payload carried by an ImplementIssue job.
type ImplementIssuePayload struct {
	RepoOwner     string `json:"repoOwner" validate:"required"`
	RepoName      string `json:"repoName" validate:"required"`
	Number        int    `json:"number" validate:"required,gt=0"`
	Title         string `json:"title"`
	ModelName     string `json:"modelName"`
	CorrelationID string `json:"correlationId"`
}

// PRFollowupComment is one reviewer comment included in a follow-up payload.
type PRFollowupComment struct {
	ID     int64  `json:"id" validate:"required"`
	Body   string `json:"body"`
	Author string `json:"author"`
}

// ApplyPRFollowupPayload is the JSON payload carried by an ApplyPRFollowup job.
type ApplyPRFollowupPayload struct {
	PullRequestNumber int                  `json:"pullRequestNumber" validate:"required,gt=0"`
	BranchName        string               `json:"branchName" validate:"required"`
	RepoOwner         string               `json:"repoOwner" validate:"required"`
	RepoName          string               `json:"repoName" validate:"required"`
	ModelName         string               `json:"llm"`
	CorrelationID     string               `json:"correlationId"`
	Comments          []PRFollowupComment `json:"comments" validate:"required,dive"`
}

// TaskStateKind is the lifecycle state of a TaskState record. States form a
// DAG; transitions are append-only; terminal states are Completed and Failed.
type TaskStateKind string

// Task states, in the order the processor normally walks through them.
const (
	TaskCreated         TaskStateKind = "CREATED"
	TaskSetup           TaskStateKind = "SETUP"
	TaskProcessing      TaskStateKind = "PROCESSING"
	TaskClaudeExecution TaskStateKind = "CLAUDE_EXECUTION"
	TaskGitOperations   TaskStateKind = "GIT_OPERATIONS"
	TaskPostProcessing  TaskStateKind = "POST_PROCESSING"
	TaskCompleted       TaskStateKind = "COMPLETED"
	TaskFailed          TaskStateKind = "FAILED"
)

// IsTerminal reports whether the state is one of the two terminal states.
func (s TaskStateKind) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskHistoryEntry is one append-only entry in a TaskState's history.
type TaskHistoryEntry struct {
	State         TaskStateKind  `json:"state"`
	TimestampUTC  time.Time      `json:"timestampUtc"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SubsystemMetadata carries cross-cutting fields published for dashboards.
type SubsystemMetadata struct {
	SessionID      string `json:"sessionId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	ContainerID    string `json:"containerId,omitempty"`
	ContainerName  string `json:"containerName,omitempty"`
	Model          string `json:"model,omitempty"`
	PullRequestURL string `json:"pullRequestUrl,omitempty"`
	ErrorCategory  string `json:"errorCategory,omitempty"`
}

// TaskState is the per-task record keyed by TaskID(owner, repo, number, model).
type TaskState struct {
	TaskID        string             `json:"taskId"`
	State         TaskStateKind      `json:"state"`
	History       []TaskHistoryEntry `json:"history"`
	CorrelationID string             `json:"correlationId"`
	IssueRef      IssueRef           `json:"issueRef"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	Subsystem     SubsystemMetadata  `json:"subsystem"`
}

// Workspace describes an allocated per-(issue, model) worktree.
type Workspace struct {
	LocalRepoPath string
	WorktreePath  string
	BranchName    string
	BaseBranch    string
}

// RetentionStrategy controls how cleanupWorktree treats a finished job's
// worktree and branch.
type RetentionStrategy string

// Retention strategies recognized by WORKTREE_RETENTION_STRATEGY.
const (
	RetentionAlwaysDelete  RetentionStrategy = "always_delete"
	RetentionKeepOnFailure RetentionStrategy = "keep_on_failure"
	RetentionKeepForHours  RetentionStrategy = "keep_for_hours"
)

// UsageLimitError is returned by a CodingAgent when the provider reports
// quota exhaustion. It is not a failure: the processor catches it specifically
// and triggers a requeue-with-delay instead of counting the attempt.
type UsageLimitError struct {
	ResetTimestamp int64 // unix seconds
	Message        string
}

func (e *UsageLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("usage limit reached, resets at %d", e.ResetTimestamp)
}

func (e *UsageLimitError) Unwrap() error { return ErrUsageLimit }

// ResetAt returns the reset timestamp as a time.Time in UTC.
func (e *UsageLimitError) ResetAt() time.Time {
	return time.Unix(e.ResetTimestamp, 0).UTC()
}
