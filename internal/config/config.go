// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment
// variables, per the recognized options table (§6).
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// KV/PubSub endpoint.
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Worker identity and scaling.
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WorkerID          string `env:"WORKER_ID"`
	Hostname          string `env:"HOSTNAME"`

	// Queue and label gating.
	GithubIssueQueueName string `env:"GITHUB_ISSUE_QUEUE_NAME" envDefault:"github-issue-jobs"`
	AIPrimaryTag         string `env:"AI_PRIMARY_TAG" envDefault:"ai-fix"`
	AIProcessingTag      string `env:"AI_PROCESSING_TAG" envDefault:"ai-processing"`
	AIDoneTag            string `env:"AI_DONE_TAG" envDefault:"ai-done"`
	PRLabel              string `env:"GITFIX_PR_LABEL" envDefault:"gitfix"`

	// Model routing.
	DefaultClaudeModel string `env:"DEFAULT_CLAUDE_MODEL" envDefault:"claude-sonnet-4"`

	// Quota-reset re-enqueue pacing.
	RequeueBufferMs int `env:"REQUEUE_BUFFER_MS" envDefault:"5000"`
	RequeueJitterMs int `env:"REQUEUE_JITTER_MS" envDefault:"2000"`

	// Worktree lifecycle.
	WorktreeRetentionStrategy string        `env:"WORKTREE_RETENTION_STRATEGY" envDefault:"keep_on_failure"`
	WorktreeRetentionHours    time.Duration `env:"WORKTREE_RETENTION_HOURS" envDefault:"24h"`

	// Cost alerting.
	LLMCostThresholdUSD float64 `env:"LLM_COST_THRESHOLD_USD" envDefault:"5.0"`

	// Filesystem / git defaults.
	GitClonesBasePath    string `env:"GIT_CLONES_BASE_PATH" envDefault:"/var/lib/ai-issue-resolver/clones"`
	GitWorktreesBasePath string `env:"GIT_WORKTREES_BASE_PATH" envDefault:"/var/lib/ai-issue-resolver/worktrees"`
	GitDefaultBranch     string `env:"GIT_DEFAULT_BRANCH" envDefault:"main"`

	// Forge auth.
	GHAppID            int64  `env:"GH_APP_ID"`
	GHPrivateKeyPath    string `env:"GH_PRIVATE_KEY_PATH"`
	GHInstallationID   int64  `env:"GH_INSTALLATION_ID"`
	GithubBotUsername string `env:"GITHUB_BOT_USERNAME" envDefault:"ai-issue-resolver[bot]"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-issue-resolver"`

	// HTTP admin surface.
	AdminPort             int           `env:"ADMIN_PORT" envDefault:"8080"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`

	// Heartbeat.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTTL      time.Duration `env:"HEARTBEAT_TTL" envDefault:"90s"`

	// Retry configuration.
	RetryMaxRetries   int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryJitter       bool          `env:"RETRY_JITTER" envDefault:"true"`

	// DLQ configuration (DLQ always enabled).
	DLQMaxAge          time.Duration `env:"DLQ_MAX_AGE" envDefault:"168h"`
	DLQCleanupInterval time.Duration `env:"DLQ_CLEANUP_INTERVAL" envDefault:"24h"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = fallbackWorkerID(cfg.Hostname)
	}
	return cfg, nil
}

// fallbackWorkerID derives a worker identity from the hostname when
// WORKER_ID is unset, so the workers registry always has a stable key.
func fallbackWorkerID(hostname string) string {
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "unknown-host"
		}
	}
	return fmt.Sprintf("worker-%s", hostname)
}

// RedisAddr returns the "host:port" address go-redis expects.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
