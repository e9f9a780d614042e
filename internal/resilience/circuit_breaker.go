// Package resilience provides circuit breaker implementation for the
// worker's external connections (forge API, git remotes, coding agent,
// KV store, queue).
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates the circuit is open and operations are blocked for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state where limited operations are allowed to test recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	mu sync.RWMutex

	// Identity, surfaced in every log line so a multi-dependency worker
	// (forge API, git remotes, the coding agent, KV store, queue) can tell
	// its breakers apart in shared logs.
	connType ConnectionType

	// Configuration
	maxFailures      int
	timeout          time.Duration
	successThreshold float64

	// State
	state           CircuitBreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	// Metrics
	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	stateChanges   int64
}

// NewCircuitBreaker creates a new unlabeled circuit breaker with explicit
// thresholds. Prefer NewCircuitBreakerForConnection for anything wired to a
// real dependency, so its logs carry a connection identity.
func NewCircuitBreaker(maxFailures int, timeout time.Duration, successThreshold float64) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:      maxFailures,
		timeout:          timeout,
		successThreshold: successThreshold,
		state:            StateClosed,
	}
}

// circuitBreakerPolicy is the (maxFailures, timeout, successThreshold) triple
// applied to a given ConnectionType by NewCircuitBreakerForConnection.
type circuitBreakerPolicy struct {
	maxFailures      int
	timeout          time.Duration
	successThreshold float64
}

// defaultCircuitBreakerPolicies reflects how differently each dependency
// fails in this worker: the forge API rate-limits and recovers in seconds,
// git network operations (clone/push) are slow and worth fewer retries
// before tripping, the coding agent is an expensive long-running process
// whose breaker trips after two failures and stays open for two minutes,
// and the KV store/queue are local-network and fast to both fail and recover.
var defaultCircuitBreakerPolicies = map[ConnectionType]circuitBreakerPolicy{
	ConnectionTypeForge:   {maxFailures: 5, timeout: 30 * time.Second, successThreshold: 0.5},
	ConnectionTypeGit:     {maxFailures: 3, timeout: 45 * time.Second, successThreshold: 0.5},
	ConnectionTypeAgent:   {maxFailures: 2, timeout: 2 * time.Minute, successThreshold: 0.34},
	ConnectionTypeKVStore: {maxFailures: 8, timeout: 15 * time.Second, successThreshold: 0.5},
	ConnectionTypeQueue:   {maxFailures: 8, timeout: 15 * time.Second, successThreshold: 0.5},
	ConnectionTypeHTTP:    {maxFailures: 5, timeout: 30 * time.Second, successThreshold: 0.5},
}

// NewCircuitBreakerForConnection creates a circuit breaker tuned for connType,
// falling back to the ConnectionTypeHTTP policy for a type with no entry.
func NewCircuitBreakerForConnection(connType ConnectionType) *CircuitBreaker {
	policy, ok := defaultCircuitBreakerPolicies[connType]
	if !ok {
		policy = defaultCircuitBreakerPolicies[ConnectionTypeHTTP]
	}
	cb := NewCircuitBreaker(policy.maxFailures, policy.timeout, policy.successThreshold)
	cb.connType = connType
	return cb
}

// CanExecute returns true if the circuit breaker allows execution
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		// Check if timeout has passed
		if time.Since(cb.lastFailureTime) >= cb.timeout {
			cb.mu.RUnlock()
			cb.mu.Lock()
			cb.state = StateHalfOpen
			cb.failureCount = 0
			cb.successCount = 0
			cb.stateChanges++
			cb.mu.Unlock()
			cb.mu.RLock()

			slog.Info("circuit breaker transitioning to half-open",
				slog.String("connection_type", string(cb.connType)),
				slog.Duration("timeout", cb.timeout),
				slog.Time("last_failure", cb.lastFailureTime))

			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalSuccesses++
	cb.successCount++

	if cb.state == StateHalfOpen {
		// Check if we have enough successes to close the circuit
		if cb.successCount >= int(float64(cb.successCount+cb.failureCount)*cb.successThreshold) {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.stateChanges++

			slog.Info("circuit breaker closed due to success threshold",
				slog.String("connection_type", string(cb.connType)),
				slog.Int("success_count", cb.successCount),
				slog.Float64("success_threshold", cb.successThreshold))
		}
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		// Check if we should open the circuit
		if cb.failureCount >= cb.maxFailures {
			cb.state = StateOpen
			cb.stateChanges++

			slog.Warn("circuit breaker opened due to failure threshold",
				slog.String("connection_type", string(cb.connType)),
				slog.Int("failure_count", cb.failureCount),
				slog.Int("max_failures", cb.maxFailures))
		}
	case StateHalfOpen:
		// Any failure in half-open state opens the circuit
		cb.state = StateOpen
		cb.stateChanges++

		slog.Warn("circuit breaker opened due to failure in half-open state",
			slog.String("connection_type", string(cb.connType)),
			slog.Int("failure_count", cb.failureCount))
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	successRate := float64(0)
	if cb.totalRequests > 0 {
		successRate = float64(cb.totalSuccesses) / float64(cb.totalRequests) * 100
	}

	return map[string]interface{}{
		"connection_type":   string(cb.connType),
		"state":             cb.state.String(),
		"max_failures":      cb.maxFailures,
		"timeout":           cb.timeout.String(),
		"success_threshold": cb.successThreshold,
		"failure_count":     cb.failureCount,
		"success_count":     cb.successCount,
		"total_requests":    cb.totalRequests,
		"total_failures":    cb.totalFailures,
		"total_successes":   cb.totalSuccesses,
		"success_rate":      successRate,
		"state_changes":     cb.stateChanges,
		"last_failure":      cb.lastFailureTime.Format(time.RFC3339),
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.totalRequests = 0
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.stateChanges = 0
	cb.lastFailureTime = time.Time{}

	slog.Info("circuit breaker reset to closed state",
		slog.String("connection_type", string(cb.connType)))
}
