package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
)

// Step is one scripted response in a Mock's sequence.
type Step struct {
	Result port.AgentResult
	Err    error
}

// Mock replays a fixed, caller-provided sequence of results, grounded on the
// teacher's mock.go pattern of deterministic canned responses, but driven by
// an explicit script instead of a hash so processor tests can exercise
// specific state-machine branches (success, failure, usage-limit) in order.
type Mock struct {
	mu      sync.Mutex
	steps   []Step
	calls   []port.ExecuteParams
	nextIdx int
}

// NewMock constructs a Mock that replays steps in order, one per call to
// Execute. Calling Execute more times than len(steps) returns an error.
func NewMock(steps ...Step) *Mock {
	return &Mock{steps: steps}
}

func (m *Mock) Execute(_ context.Context, params port.ExecuteParams) (port.AgentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, params)
	if m.nextIdx >= len(m.steps) {
		return port.AgentResult{}, fmt.Errorf("agent mock: no scripted step for call %d", m.nextIdx+1)
	}
	step := m.steps[m.nextIdx]
	m.nextIdx++

	if step.Err == nil && step.Result.Success {
		if params.OnSessionID != nil && step.Result.SessionID != "" {
			params.OnSessionID(step.Result.SessionID)
		}
		if params.OnContainerID != nil {
			params.OnContainerID("mock-container")
		}
	}
	return step.Result, step.Err
}

// Calls returns the ExecuteParams the mock was invoked with, in order.
func (m *Mock) Calls() []port.ExecuteParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]port.ExecuteParams(nil), m.calls...)
}

// CallCount reports how many times Execute has been invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
