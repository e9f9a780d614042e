package domain

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultRetryConfigValues(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 2*time.Second {
		t.Fatalf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Fatalf("MaxDelay = %v, want 30s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Fatalf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if !cfg.Jitter {
		t.Fatalf("Jitter = false, want true")
	}
	if len(cfg.RetryableErrors) == 0 {
		t.Fatalf("RetryableErrors should not be empty")
	}
	if len(cfg.NonRetryableErrors) == 0 {
		t.Fatalf("NonRetryableErrors should not be empty")
	}
}

func TestRetryInfo_ShouldRetry_BasicDecisions(t *testing.T) {
	cfg := DefaultRetryConfig()

	ri := &RetryInfo{AttemptCount: cfg.MaxRetries}
	if ri.ShouldRetry(errors.New("timeout"), cfg) {
		t.Fatalf("ShouldRetry returned true when max retries reached")
	}

	ri = &RetryInfo{RetryStatus: RetryStatusDLQ}
	if ri.ShouldRetry(errors.New("timeout"), cfg) {
		t.Fatalf("ShouldRetry returned true when status is DLQ")
	}

	ri = &RetryInfo{}
	if !ri.ShouldRetry(errors.New("timeout while calling upstream"), cfg) {
		t.Fatalf("ShouldRetry returned false for retryable error")
	}

	ri = &RetryInfo{}
	if ri.ShouldRetry(errors.New("invalid argument: bad payload"), cfg) {
		t.Fatalf("ShouldRetry returned true for non-retryable error")
	}

	ri = &RetryInfo{}
	if !ri.ShouldRetry(errors.New("some unknown error"), cfg) {
		t.Fatalf("ShouldRetry returned false for unknown error")
	}
}

func TestRetryInfo_CalculateNextRetryDelay(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}

	ri := &RetryInfo{AttemptCount: 2}
	delay := ri.CalculateNextRetryDelay(cfg)
	if delay != 8*time.Second {
		t.Fatalf("delay = %v, want 8s", delay)
	}
}

func TestRetryInfo_CalculateNextRetryDelay_WithCapAndJitter(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay: 5 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   10.0,
		Jitter:       true,
	}

	ri := &RetryInfo{AttemptCount: 3}
	delay := ri.CalculateNextRetryDelay(cfg)

	minRetryDelay := 10 * time.Second
	maxRetryDelay := 11 * time.Second
	if delay < minRetryDelay || delay > maxRetryDelay {
		t.Fatalf("delay = %v, want between %v and %v", delay, minRetryDelay, maxRetryDelay)
	}
}

func TestRetryInfo_UpdateAndStatusTransitions(t *testing.T) {
	ri := &RetryInfo{}
	if ri.AttemptCount != 0 {
		t.Fatalf("initial AttemptCount = %d, want 0", ri.AttemptCount)
	}

	err := errors.New("first")
	ri.UpdateRetryAttempt(err)
	if ri.AttemptCount != 1 {
		t.Fatalf("AttemptCount = %d, want 1", ri.AttemptCount)
	}
	if ri.LastError != err.Error() {
		t.Fatalf("LastError = %q, want %q", ri.LastError, err.Error())
	}
	if len(ri.ErrorHistory) != 1 {
		t.Fatalf("ErrorHistory len = %d, want 1", len(ri.ErrorHistory))
	}
	if ri.LastAttemptAt.IsZero() || ri.UpdatedAt.IsZero() {
		t.Fatalf("timestamps should be set after UpdateRetryAttempt")
	}

	before := ri.UpdatedAt
	ri.MarkAsRetrying()
	if ri.RetryStatus != RetryStatusRetrying {
		t.Fatalf("RetryStatus = %q, want %q", ri.RetryStatus, RetryStatusRetrying)
	}
	if !ri.UpdatedAt.After(before) && !ri.UpdatedAt.Equal(before) {
		t.Fatalf("UpdatedAt should be updated or equal after MarkAsRetrying")
	}

	ri.MarkAsExhausted()
	if ri.RetryStatus != RetryStatusExhausted {
		t.Fatalf("RetryStatus = %q, want %q", ri.RetryStatus, RetryStatusExhausted)
	}

	ri.MarkAsDLQ()
	if ri.RetryStatus != RetryStatusDLQ {
		t.Fatalf("RetryStatus = %q, want %q", ri.RetryStatus, RetryStatusDLQ)
	}
}

func TestShouldRetry_MatchesSubstringAnywhere(t *testing.T) {
	cfg := DefaultRetryConfig()
	ri := &RetryInfo{}
	// "upstream timeout" only contains "timeout" as a non-prefix substring;
	// retryability must not depend on where the match occurs in the string.
	if !ri.ShouldRetry(errors.New("received upstream timeout from provider"), cfg) {
		t.Fatalf("ShouldRetry should match retryable substrings anywhere in the message")
	}
}

func TestShouldRetry_NonRetryableWinsOverRetryable(t *testing.T) {
	cfg := DefaultRetryConfig()
	ri := &RetryInfo{}
	if ri.ShouldRetry(errors.New("authentication failed while retrying after timeout"), cfg) {
		t.Fatalf("non-retryable substrings should take priority over retryable ones")
	}
}

func TestCategorizeFailure(t *testing.T) {
	cases := []struct {
		err  error
		want FailureCategory
	}{
		{errors.New("authentication failed: bad token"), FailureAuth},
		{errors.New("dial tcp: connection refused"), FailureNetwork},
		{errors.New("git push failed: non-fast-forward"), FailureGit},
		{errors.New("github api returned 422"), FailureForgeAPI},
		{errors.New("context deadline exceeded"), FailureTimeout},
		{errors.New("something strange happened"), FailureUnknown},
	}
	for _, c := range cases {
		if got := CategorizeFailure(c.err); got != c.want {
			t.Fatalf("CategorizeFailure(%q) = %q, want %q", c.err, got, c.want)
		}
	}
}
