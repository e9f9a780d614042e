package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		if had {
			t.Cleanup(func() { os.Setenv(k, old) })
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "REDIS_HOST", "REDIS_PORT", "WORKER_CONCURRENCY", "DEFAULT_CLAUDE_MODEL", "WORKER_ID", "HOSTNAME")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RedisHost != "localhost" {
		t.Fatalf("RedisHost = %q, want localhost", cfg.RedisHost)
	}
	if cfg.RedisPort != 6379 {
		t.Fatalf("RedisPort = %d, want 6379", cfg.RedisPort)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("WorkerConcurrency = %d, want 4", cfg.WorkerConcurrency)
	}
	if cfg.DefaultClaudeModel != "claude-sonnet-4" {
		t.Fatalf("DefaultClaudeModel = %q, want claude-sonnet-4", cfg.DefaultClaudeModel)
	}
	if cfg.WorkerID == "" {
		t.Fatalf("WorkerID should fall back to a derived value when unset")
	}
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearEnv(t, "REDIS_HOST", "REDIS_PORT", "WORKER_CONCURRENCY", "WORKER_ID")
	os.Setenv("REDIS_HOST", "redis.internal")
	os.Setenv("REDIS_PORT", "6380")
	os.Setenv("WORKER_CONCURRENCY", "8")
	os.Setenv("WORKER_ID", "worker-7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RedisHost != "redis.internal" || cfg.RedisPort != 6380 {
		t.Fatalf("redis addr = %s:%d, want redis.internal:6380", cfg.RedisHost, cfg.RedisPort)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Fatalf("WorkerConcurrency = %d, want 8", cfg.WorkerConcurrency)
	}
	if cfg.WorkerID != "worker-7" {
		t.Fatalf("WorkerID = %q, want worker-7", cfg.WorkerID)
	}
	if got, want := cfg.RedisAddr(), "redis.internal:6380"; got != want {
		t.Fatalf("RedisAddr() = %q, want %q", got, want)
	}
}

func TestConfig_EnvironmentPredicates(t *testing.T) {
	cfg := Config{AppEnv: "Prod"}
	if !cfg.IsProd() || cfg.IsDev() || cfg.IsTest() {
		t.Fatalf("expected only IsProd true for AppEnv=Prod")
	}

	cfg = Config{AppEnv: "test"}
	if !cfg.IsTest() {
		t.Fatalf("expected IsTest true for AppEnv=test")
	}
}

func TestGetRetryConfig_InheritsDomainDefaultsWithOverrides(t *testing.T) {
	cfg := Config{
		RetryMaxRetries:   5,
		RetryInitialDelay: 1 * time.Second,
		RetryMaxDelay:     10 * time.Second,
		RetryMultiplier:   3.0,
		RetryJitter:       false,
	}
	rc := cfg.GetRetryConfig()
	if rc.MaxRetries != 5 {
		t.Fatalf("MaxRetries = %d, want 5", rc.MaxRetries)
	}
	if len(rc.RetryableErrors) == 0 {
		t.Fatalf("RetryableErrors should be inherited from domain defaults")
	}
}

func TestGetDLQConfig(t *testing.T) {
	cfg := Config{DLQMaxAge: 48 * time.Hour, DLQCleanupInterval: 6 * time.Hour}
	dlq := cfg.GetDLQConfig()
	if dlq.MaxAge != 48*time.Hour || dlq.CleanupInterval != 6*time.Hour {
		t.Fatalf("GetDLQConfig() = %+v, unexpected", dlq)
	}
}
