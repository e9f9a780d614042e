package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
)

func TestMock_ReplaysStepsInOrder(t *testing.T) {
	m := NewMock(
		Step{Result: port.AgentResult{Success: true, SessionID: "s1"}},
		Step{Err: &domain.UsageLimitError{ResetTimestamp: 100}},
		Step{Result: port.AgentResult{Success: true, SessionID: "s3"}},
	)

	ref := domain.IssueRef{RepoOwner: "acme", RepoName: "widget", Number: 1}

	r1, err := m.Execute(context.Background(), port.ExecuteParams{IssueRef: ref})
	require.NoError(t, err)
	require.Equal(t, "s1", r1.SessionID)

	_, err = m.Execute(context.Background(), port.ExecuteParams{IssueRef: ref})
	var usageErr *domain.UsageLimitError
	require.ErrorAs(t, err, &usageErr)

	r3, err := m.Execute(context.Background(), port.ExecuteParams{IssueRef: ref})
	require.NoError(t, err)
	require.Equal(t, "s3", r3.SessionID)

	require.Equal(t, 3, m.CallCount())
}

func TestMock_ExhaustedStepsReturnsError(t *testing.T) {
	m := NewMock(Step{Result: port.AgentResult{Success: true}})
	ref := domain.IssueRef{RepoOwner: "acme", RepoName: "widget", Number: 1}

	_, err := m.Execute(context.Background(), port.ExecuteParams{IssueRef: ref})
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), port.ExecuteParams{IssueRef: ref})
	require.Error(t, err)
}

func TestMock_InvokesSessionCallbackOnSuccess(t *testing.T) {
	m := NewMock(Step{Result: port.AgentResult{Success: true, SessionID: "abc"}})
	ref := domain.IssueRef{RepoOwner: "acme", RepoName: "widget", Number: 1}

	var gotSession, gotContainer string
	_, err := m.Execute(context.Background(), port.ExecuteParams{
		IssueRef:      ref,
		OnSessionID:   func(id string) { gotSession = id },
		OnContainerID: func(id string) { gotContainer = id },
	})
	require.NoError(t, err)
	require.Equal(t, "abc", gotSession)
	require.Equal(t, "mock-container", gotContainer)
}

func TestMock_CallsRecordsParams(t *testing.T) {
	m := NewMock(Step{Result: port.AgentResult{Success: true}})
	ref := domain.IssueRef{RepoOwner: "acme", RepoName: "widget", Number: 7}

	_, err := m.Execute(context.Background(), port.ExecuteParams{IssueRef: ref, ModelName: "opus"})
	require.NoError(t, err)

	calls := m.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "opus", calls[0].ModelName)
	require.Equal(t, ref, calls[0].IssueRef)
}

func TestMock_GenericFailureStep(t *testing.T) {
	wantErr := errors.New("boom")
	m := NewMock(Step{Err: wantErr})
	ref := domain.IssueRef{RepoOwner: "acme", RepoName: "widget", Number: 1}

	_, err := m.Execute(context.Background(), port.ExecuteParams{IssueRef: ref})
	require.ErrorIs(t, err, wantErr)
}
