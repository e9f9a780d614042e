// Package main is the worker process entry point: it resolves labeled
// GitHub issues and PR review comments into AI-authored pull requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/ai-issue-resolver/internal/adapter/agent"
	"github.com/fairyhunter13/ai-issue-resolver/internal/adapter/forge"
	"github.com/fairyhunter13/ai-issue-resolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-issue-resolver/internal/config"
	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/kvstore"
	"github.com/fairyhunter13/ai-issue-resolver/internal/metricsrecorder"
	"github.com/fairyhunter13/ai-issue-resolver/internal/processor"
	"github.com/fairyhunter13/ai-issue-resolver/internal/queue"
	"github.com/fairyhunter13/ai-issue-resolver/internal/runtime"
	"github.com/fairyhunter13/ai-issue-resolver/internal/taskstate"
	"github.com/fairyhunter13/ai-issue-resolver/internal/workspace"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return runtime.ExitError
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	opts, err := runtime.ParseFlags(args, cfg.WorkerConcurrency, os.Stderr)
	if err != nil {
		return runtime.ExitError
	}
	if opts.Help {
		return runtime.ExitOK
	}

	// Register Prometheus metrics and serve them from the admin mux below,
	// not a second dedicated listener.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		logger.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := kvstore.New(cfg.RedisAddr(), cfg.RedisDB)

	if opts.Reset {
		logger.Warn("--reset requested: wiping queue, task state, and heartbeat state", slog.String("queue", cfg.GithubIssueQueueName))
		if err := queue.ResetSystem(ctx, store, cfg.GithubIssueQueueName); err != nil {
			logger.Error("reset failed", slog.Any("error", err))
			return runtime.ExitError
		}
	}

	models, err := domain.LoadModelAliasTable()
	if err != nil {
		logger.Error("model alias table load failed", slog.Any("error", err))
		return runtime.ExitError
	}

	q := queue.New(store, cfg.GithubIssueQueueName, cfg.GetRetryConfig())

	tasks := taskstate.New(store)
	metrics := metricsrecorder.New(store, cfg.LLMCostThresholdUSD)
	ws := workspace.New(cfg.GitClonesBasePath, cfg.GitWorktreesBasePath, cfg.GitDefaultBranch)

	// The forge's concrete REST surface and the coding agent's concrete CLI
	// wire protocol are out of scope; both adapters are the deterministic
	// in-memory Stub, decorated the same way a real implementation would be.
	forgeClient := forge.NewRetrying(forge.NewStub(cfg.GitDefaultBranch), cfg.RetryMaxRetries)
	codingAgent := agent.NewStub()

	procCfg := processor.Config{
		AIPrimaryTag:    cfg.AIPrimaryTag,
		AIProcessingTag: cfg.AIProcessingTag,
		AIDoneTag:       cfg.AIDoneTag,
		PRLabel:         cfg.PRLabel,
		DefaultModel:    cfg.DefaultClaudeModel,
		BotUsername:     cfg.GithubBotUsername,
		GithubBaseURL:   "",
		RequeueBuffer:   time.Duration(cfg.RequeueBufferMs) * time.Millisecond,
		RequeueJitter:   time.Duration(cfg.RequeueJitterMs) * time.Millisecond,

		RetentionStrategy: domain.RetentionStrategy(cfg.WorktreeRetentionStrategy),
		RetentionHours:    cfg.WorktreeRetentionHours,
	}

	issueProc := processor.NewIssueProcessor(procCfg, q, ws, forgeClient, codingAgent, tasks, metrics, models, logger)
	followupProc := processor.NewPRFollowupProcessor(procCfg, ws, forgeClient, codingAgent, tasks, metrics, models, logger)

	worker := runtime.NewWorker(cfg.WorkerID, opts.Concurrency, q, store, logger, cfg.HeartbeatInterval, cfg.HeartbeatTTL)
	worker.NoHeartbeat = opts.NoHeartbeat
	worker.StallCheckInterval = 60 * time.Second
	worker.Workspace = ws
	worker.WorkspaceSweepInterval = 30 * time.Minute
	worker.Register(domain.JobKindImplementIssue, issueProc)
	worker.Register(domain.JobKindApplyPRFollowup, followupProc)

	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:      runtime.BuildRouter(cfg, store, tasks),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	go func() {
		logger.Info("admin surface listening", slog.String("addr", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin surface error", slog.Any("error", err))
		}
	}()

	logger.Info("worker starting", slog.String("workerId", cfg.WorkerID), slog.Int("concurrency", opts.Concurrency))

	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin surface shutdown error", slog.Any("error", err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("worker exited with error", slog.Any("error", runErr))
		return runtime.ExitError
	}

	logger.Info("worker shut down cleanly")
	return runtime.ExitOK
}
