// Package config defines retry and DLQ configuration.
package config

import (
	"time"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
)

// DLQConfig holds dead-letter-queue maintenance configuration.
type DLQConfig struct {
	MaxAge          time.Duration
	CleanupInterval time.Duration
}

// GetRetryConfig returns the queue's retry configuration, seeded with the
// domain's default retryable/non-retryable substring lists and overridden
// with the operator-tunable numeric knobs.
func (c Config) GetRetryConfig() domain.RetryConfig {
	cfg := domain.DefaultRetryConfig()
	cfg.MaxRetries = c.RetryMaxRetries
	cfg.InitialDelay = c.RetryInitialDelay
	cfg.MaxDelay = c.RetryMaxDelay
	cfg.Multiplier = c.RetryMultiplier
	cfg.Jitter = c.RetryJitter
	return cfg
}

// GetDLQConfig returns the dead-letter-queue maintenance configuration.
func (c Config) GetDLQConfig() DLQConfig {
	return DLQConfig{
		MaxAge:          c.DLQMaxAge,
		CleanupInterval: c.DLQCleanupInterval,
	}
}
