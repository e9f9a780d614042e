// Package taskstate implements the TaskStateManager (spec §4.D): a per-task
// record with state, history, correlation ID, and subsystem metadata, read
// by the external dashboard over task-state:{taskId} pub/sub.
package taskstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/kvstore"
)

const (
	terminalRetention    = 30 * 24 * time.Hour
	nonTerminalRetention = 24 * time.Hour
)

func stateKey(taskID string) string { return "worker:state:" + taskID }

// Manager is the TaskStateManager capability.
type Manager struct {
	store kvstore.Store
}

// New constructs a Manager atop store.
func New(store kvstore.Store) *Manager {
	return &Manager{store: store}
}

// CreateOptions configure CreateTaskState's create-vs-upsert behavior.
type CreateOptions struct {
	// StrictCreate, when true, fails with domain.ErrAlreadyExists if a
	// record for taskID already exists. Default (false) upserts.
	StrictCreate bool
}

// CreateTaskState initializes a TaskState in the CREATED state. By default
// this upserts; pass CreateOptions{StrictCreate: true} to require a fresh
// record.
func (m *Manager) CreateTaskState(ctx context.Context, taskID string, ref domain.IssueRef, correlationID string, opts CreateOptions) (domain.TaskState, error) {
	if opts.StrictCreate {
		if _, err := m.get(ctx, taskID); err == nil {
			return domain.TaskState{}, fmt.Errorf("taskstate.CreateTaskState(%s): %w", taskID, domain.ErrAlreadyExists)
		}
	}

	now := time.Now().UTC()
	state := domain.TaskState{
		TaskID:        taskID,
		State:         domain.TaskCreated,
		CorrelationID: correlationID,
		IssueRef:      ref,
		CreatedAt:     now,
		UpdatedAt:     now,
		History: []domain.TaskHistoryEntry{
			{State: domain.TaskCreated, TimestampUTC: now},
		},
	}
	if err := m.save(ctx, state); err != nil {
		return domain.TaskState{}, err
	}
	return state, nil
}

// UpdateOptions carries the optional fields an UpdateTaskState call may set.
type UpdateOptions struct {
	Reason           string
	HistoryMetadata  map[string]any
	PullRequestURL   string
	SubsystemPartial domain.SubsystemMetadata
}

// UpdateTaskState appends a history entry, updates subsystem metadata, and
// publishes the new state on task-state:{taskId}. States form a DAG:
// transitions are append-only, so this never rewrites prior history.
func (m *Manager) UpdateTaskState(ctx context.Context, taskID string, newState domain.TaskStateKind, opts UpdateOptions) (domain.TaskState, error) {
	state, err := m.get(ctx, taskID)
	if err != nil {
		return domain.TaskState{}, fmt.Errorf("taskstate.UpdateTaskState(%s): %w", taskID, err)
	}

	now := time.Now().UTC()
	state.State = newState
	state.UpdatedAt = now
	state.History = append(state.History, domain.TaskHistoryEntry{
		State:        newState,
		TimestampUTC: now,
		Reason:       opts.Reason,
		Metadata:     opts.HistoryMetadata,
	})
	if opts.PullRequestURL != "" {
		state.Subsystem.PullRequestURL = opts.PullRequestURL
	}
	mergeSubsystem(&state.Subsystem, opts.SubsystemPartial)

	if err := m.save(ctx, state); err != nil {
		return domain.TaskState{}, err
	}
	m.publish(ctx, state)
	return state, nil
}

// UpdateHistoryMetadata merges partialMetadata into the most recent history
// entry tagged stateTag without changing the task's current state.
func (m *Manager) UpdateHistoryMetadata(ctx context.Context, taskID string, stateTag domain.TaskStateKind, partialMetadata map[string]any) error {
	state, err := m.get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("taskstate.UpdateHistoryMetadata(%s): %w", taskID, err)
	}

	for i := len(state.History) - 1; i >= 0; i-- {
		if state.History[i].State == stateTag {
			if state.History[i].Metadata == nil {
				state.History[i].Metadata = map[string]any{}
			}
			for k, v := range partialMetadata {
				state.History[i].Metadata[k] = v
			}
			break
		}
	}
	state.UpdatedAt = time.Now().UTC()
	return m.save(ctx, state)
}

// MarkFailedOptions carries the failure context recorded on the terminal
// FAILED transition.
type MarkFailedOptions struct {
	ErrorCategory   domain.FailureCategory
	ProcessingStage domain.TaskStateKind
	Requeued        bool
	Delay           time.Duration
}

// MarkTaskFailed transitions the task to FAILED, recording the error and
// classification metadata used by the dashboard and metrics.
func (m *Manager) MarkTaskFailed(ctx context.Context, taskID string, cause error, opts MarkFailedOptions) (domain.TaskState, error) {
	meta := map[string]any{
		"error":           cause.Error(),
		"errorCategory":   string(opts.ErrorCategory),
		"processingStage": string(opts.ProcessingStage),
		"requeued":        opts.Requeued,
	}
	if opts.Delay > 0 {
		meta["delayMs"] = opts.Delay.Milliseconds()
	}
	return m.UpdateTaskState(ctx, taskID, domain.TaskFailed, UpdateOptions{
		Reason:          cause.Error(),
		HistoryMetadata: meta,
		SubsystemPartial: domain.SubsystemMetadata{
			ErrorCategory: string(opts.ErrorCategory),
		},
	})
}

// Get retrieves a task's current record.
func (m *Manager) Get(ctx context.Context, taskID string) (domain.TaskState, error) {
	return m.get(ctx, taskID)
}

func (m *Manager) get(ctx context.Context, taskID string) (domain.TaskState, error) {
	raw, err := m.store.Get(ctx, stateKey(taskID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return domain.TaskState{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
		}
		return domain.TaskState{}, err
	}
	var state domain.TaskState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return domain.TaskState{}, fmt.Errorf("taskstate: unmarshal %s: %w", taskID, err)
	}
	return state, nil
}

// save persists state with a TTL appropriate to its terminality: terminal
// records (COMPLETED/FAILED) are kept 30 days; non-terminal records refresh
// a shorter TTL on every update so abandoned tasks eventually expire.
func (m *Manager) save(ctx context.Context, state domain.TaskState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("taskstate: marshal %s: %w", state.TaskID, err)
	}
	ttl := nonTerminalRetention
	if state.State.IsTerminal() {
		ttl = terminalRetention
	}
	if err := m.store.Set(ctx, stateKey(state.TaskID), string(data), ttl); err != nil {
		return fmt.Errorf("taskstate: save %s: %w", state.TaskID, err)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, state domain.TaskState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = m.store.Publish(ctx, "task-state:"+state.TaskID, string(data))
}

func mergeSubsystem(dst *domain.SubsystemMetadata, partial domain.SubsystemMetadata) {
	if partial.SessionID != "" {
		dst.SessionID = partial.SessionID
	}
	if partial.ConversationID != "" {
		dst.ConversationID = partial.ConversationID
	}
	if partial.ContainerID != "" {
		dst.ContainerID = partial.ContainerID
	}
	if partial.ContainerName != "" {
		dst.ContainerName = partial.ContainerName
	}
	if partial.Model != "" {
		dst.Model = partial.Model
	}
	if partial.PullRequestURL != "" {
		dst.PullRequestURL = partial.PullRequestURL
	}
	if partial.ErrorCategory != "" {
		dst.ErrorCategory = partial.ErrorCategory
	}
}
