// Package domain defines retry and DLQ entities for resilient job processing.
package domain

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryStatus represents the retry state of a job.
type RetryStatus string

const (
	// RetryStatusNone indicates no retries have been attempted.
	RetryStatusNone RetryStatus = "none"
	// RetryStatusRetrying indicates the job is being retried.
	RetryStatusRetrying RetryStatus = "retrying"
	// RetryStatusExhausted indicates all retries have been exhausted.
	RetryStatusExhausted RetryStatus = "exhausted"
	// RetryStatusDLQ indicates the job has been moved to the dead-letter queue.
	RetryStatusDLQ RetryStatus = "dlq"
)

// RetryConfig defines retry behavior for job processing. Mirrors the
// attempts/backoff job options from §4.B: MaxRetries corresponds to
// "attempts", InitialDelay/Multiplier to the "base 2000ms, exponential"
// backoff policy.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int
	// InitialDelay is the initial delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds randomness to prevent thundering herd.
	Jitter bool
	// RetryableErrors defines substrings of errors that should trigger retries.
	RetryableErrors []string
	// NonRetryableErrors defines substrings of errors that should not retry.
	NonRetryableErrors []string
}

// DefaultRetryConfig returns the queue's default retry configuration: 3
// attempts, exponential backoff with a 2s base, per §4.B.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"rate limit",
			"429",
			"500",
			"502",
			"503",
			"504",
			"try again",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"schema invalid",
			"authentication failed",
			"authorization failed",
		},
	}
}

// RetryInfo tracks retry attempts for a job.
type RetryInfo struct {
	AttemptCount  int
	MaxAttempts   int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	RetryStatus   RetryStatus
	LastError     string
	ErrorHistory  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShouldRetry determines if a job should be retried based on the error and
// retry config. Non-retryable patterns win over retryable ones when both
// match. The default non-retryable list holds auth wording ("authentication
// failed", "authorization failed") and no git wording, so git failures are
// retried like any other unmatched error.
func (ri *RetryInfo) ShouldRetry(err error, config RetryConfig) bool {
	if ri.AttemptCount >= config.MaxRetries {
		return false
	}
	if ri.RetryStatus == RetryStatusDLQ {
		return false
	}
	if err == nil {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	for _, nonRetryableErr := range config.NonRetryableErrors {
		if strings.Contains(errorStr, strings.ToLower(nonRetryableErr)) {
			return false
		}
	}
	for _, retryableErr := range config.RetryableErrors {
		if strings.Contains(errorStr, strings.ToLower(retryableErr)) {
			return true
		}
	}

	// Default to retryable for unknown errors.
	return true
}

// CalculateNextRetryDelay calculates the delay for the next retry attempt.
func (ri *RetryInfo) CalculateNextRetryDelay(config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(ri.AttemptCount)))

	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.1) // up to 10% jitter
		delay += jitter
	}

	return delay
}

// UpdateRetryAttempt updates the retry info after an attempt.
func (ri *RetryInfo) UpdateRetryAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()

	if err != nil {
		ri.LastError = err.Error()
		ri.ErrorHistory = append(ri.ErrorHistory, err.Error())
	}
}

// MarkAsExhausted marks the retry info as exhausted.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the retry info as moved to the dead-letter queue.
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the retry info as currently retrying.
func (ri *RetryInfo) MarkAsRetrying() {
	ri.RetryStatus = RetryStatusRetrying
	ri.UpdatedAt = time.Now()
}

// DLQJob represents a job that has exhausted its retry budget.
type DLQJob struct {
	JobID            string
	OriginalPayload  JobEnvelope
	RetryInfo        RetryInfo
	FailureReason    string
	MovedToDLQAt     time.Time
	CanBeReprocessed bool
}

// FailureCategory is the metrics-facing bucket a failed job is sorted into.
// Only affects reporting; it never changes control flow (§4.H).
type FailureCategory string

// Failure categories, checked by substring search, first match wins.
const (
	FailureAuth     FailureCategory = "auth_error"
	FailureNetwork  FailureCategory = "network_error"
	FailureGit      FailureCategory = "git_error"
	FailureForgeAPI FailureCategory = "github_api_error"
	FailureTimeout  FailureCategory = "timeout_error"
	FailureUnknown  FailureCategory = "unknown_error"
)

// CategorizeFailure maps an error to a FailureCategory by substring search
// over its message, first match wins, in the order listed in §4.H.
func CategorizeFailure(err error) FailureCategory {
	if err == nil {
		return FailureUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth"):
		return FailureAuth
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "dns"):
		return FailureNetwork
	case strings.Contains(strings.ReplaceAll(msg, "github", ""), "git"):
		return FailureGit
	case strings.Contains(msg, "github"), strings.Contains(msg, "forge"), strings.Contains(msg, "pull request"), strings.Contains(msg, "pr "):
		return FailureForgeAPI
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return FailureTimeout
	default:
		return FailureUnknown
	}
}
