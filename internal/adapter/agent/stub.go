// Package agent provides CodingAgent implementations. Stub is a fast,
// deterministic implementation for local development and tests, grounded on
// the teacher's internal/adapter/ai/stub.Client (a fixed-latency, canned
// response client used when no real provider is configured).
package agent

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
)

// Stub is a deterministic CodingAgent: it never calls a real provider, takes
// a small simulated latency, and always succeeds unless configured to fail
// for a given issue (via FailFor) or to simulate a usage-limit error (via
// UsageLimitFor).
type Stub struct {
	latency time.Duration

	failFor        map[string]error
	usageLimitFor  map[string]time.Time
	noChangesFor   map[string]bool
	sessionCounter int64
}

// NewStub constructs a Stub with a small fixed processing latency, matching
// the teacher's stub client's "resemble real work" sleep.
func NewStub() *Stub {
	return &Stub{
		latency:       50 * time.Millisecond,
		failFor:       map[string]error{},
		usageLimitFor: map[string]time.Time{},
		noChangesFor:  map[string]bool{},
	}
}

// FailFor makes Execute return err the next time issueKey is requested.
func (s *Stub) FailFor(issueKey string, err error) {
	s.failFor[issueKey] = err
}

// UsageLimitFor makes Execute return a *domain.UsageLimitError resetting at
// resetAt the next time issueKey is requested.
func (s *Stub) UsageLimitFor(issueKey string, resetAt time.Time) {
	s.usageLimitFor[issueKey] = resetAt
}

// NoChangesFor makes Execute succeed without writing anything to the
// worktree the next time issueKey is requested, simulating an agent that
// concludes the issue needs no code changes (§4.H, E2E-2).
func (s *Stub) NoChangesFor(issueKey string) {
	s.noChangesFor[issueKey] = true
}

func (s *Stub) Execute(ctx context.Context, params port.ExecuteParams) (port.AgentResult, error) {
	key := params.IssueRef.String()

	if resetAt, ok := s.usageLimitFor[key]; ok {
		delete(s.usageLimitFor, key)
		return port.AgentResult{}, &domain.UsageLimitError{ResetTimestamp: resetAt.Unix()}
	}
	if err, ok := s.failFor[key]; ok {
		delete(s.failFor, key)
		return port.AgentResult{}, err
	}

	select {
	case <-ctx.Done():
		return port.AgentResult{}, ctx.Err()
	case <-time.After(s.latency):
	}

	s.sessionCounter++
	sessionID := fmt.Sprintf("stub-session-%d", s.sessionCounter)
	if params.OnSessionID != nil {
		params.OnSessionID(sessionID)
	}
	containerID := fmt.Sprintf("stub-container-%d", s.sessionCounter)
	if params.OnContainerID != nil {
		params.OnContainerID(containerID)
	}

	summary := deterministicSummary(params.IssueDetails, params.IssueRef.Number)
	var modifiedFiles []string
	if s.noChangesFor[key] {
		delete(s.noChangesFor, key)
		summary = "Reviewed the issue; the existing behavior already matches what was requested."
	} else {
		if err := s.applyChange(params.WorktreePath, params.IssueRef.Number); err != nil {
			return port.AgentResult{}, fmt.Errorf("agent: stub apply change: %w", err)
		}
		modifiedFiles = []string{"README.md"}
	}

	return port.AgentResult{
		Success:                true,
		ExecutionTimeMs:        s.latency.Milliseconds(),
		ExitCode:               0,
		Model:                  params.ModelName,
		SessionID:              sessionID,
		ConversationID:         sessionID,
		RawOutput:              summary,
		Logs:                   []string{"starting session", "applying patch", "session complete"},
		ConversationLog:        []port.AgentMessage{{Role: "assistant", Content: summary}},
		ModifiedFiles:          modifiedFiles,
		SuggestedCommitMessage: fmt.Sprintf("Fix #%d: %s", params.IssueRef.Number, topWords(params.IssueDetails, 6)),
		Summary:                summary,
		CostUSD:                deterministicCost(key),
		Turns:                  deterministicTurns(key),
		HitMaxTurns:            false,
	}, nil
}

// applyChange appends a deterministic line to README.md in the worktree, so
// CommitChanges finds a real diff to commit, matching ModifiedFiles' claim.
// A blank worktreePath (unit tests that never set one up) is a no-op.
func (s *Stub) applyChange(worktreePath string, issueNumber int) error {
	if worktreePath == "" {
		return nil
	}
	path := filepath.Join(worktreePath, "README.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "\nResolved issue #%d by the stub coding agent.\n", issueNumber)
	return err
}

func deterministicSummary(issueDetails string, number int) string {
	words := topWords(issueDetails, 8)
	if words == "" {
		words = fmt.Sprintf("issue #%d", number)
	}
	return "Resolved by addressing " + words + "."
}

func deterministicCost(key string) float64 {
	u := hashUint32(key)
	// Map into a plausible cost range of $0.01-$2.00.
	return float64(u%200)/100.0 + 0.01
}

func deterministicTurns(key string) int {
	u := hashUint32("turns|" + key)
	return int(u%8) + 1
}

func hashUint32(s string) uint32 {
	h := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint32(h[:4])
}

func topWords(s string, n int) string {
	parts := strings.Fields(s)
	if len(parts) > n {
		parts = parts[:n]
	}
	return strings.Join(parts, " ")
}
