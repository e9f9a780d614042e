// Package metricsrecorder durably records job-processing metrics in the
// KV/PubSub Store alongside the in-process Prometheus series, per §4.G.
// Durable counters survive process restarts and back the dashboard's
// read-only views; Prometheus series back operational alerting. Grounded on
// the teacher's dual recording (adapter/observability for Prometheus,
// plain KV updates elsewhere) generalized to this domain.
package metricsrecorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fairyhunter13/ai-issue-resolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-issue-resolver/internal/kvstore"
)

const (
	keyJobsProcessed = "metrics:jobs:processed"
	keyJobsFailed    = "metrics:jobs:failed"
	keyAvgTime       = "metrics:jobs:avgTime"
	keyAILogZSet     = "metrics:ai:log:v1"
	keyActivityLog   = "system:activity:log"
	keyModelsUsedSet = "llm:metrics:models:used"
	keyHighCostList  = "llm:metrics:alerts:highcost"

	activityLogCap = 1000
	highCostLogCap = 10
)

func dayKey(base string, t time.Time) string {
	return fmt.Sprintf("%s:day:%s", base, t.UTC().Format("20060102"))
}

func modelKey(model, field string) string {
	return fmt.Sprintf("llm:metrics:model:%s:%s", model, field)
}

// CompletionParams carries the inputs shared by a completed job, successful
// or failed, needed to update every durable metrics key.
type CompletionParams struct {
	Kind            string
	Model           string
	CostUSD         float64
	Turns           int
	ExecutionTimeMs int64
	DurationSeconds float64
	IssueNumber     int
	Repo            string
	CorrelationID   string
	Status          string // "success" or "failed"
	Now             time.Time
}

// Recorder writes durable metrics to the KV store and mirrors them onto
// Prometheus series. costThresholdUSD gates the high-cost alert path.
type Recorder struct {
	store            kvstore.Store
	costThresholdUSD float64
}

// New constructs a Recorder. costThresholdUSD is LLM_COST_THRESHOLD_USD.
func New(store kvstore.Store, costThresholdUSD float64) *Recorder {
	return &Recorder{store: store, costThresholdUSD: costThresholdUSD}
}

// RecordCompletion records a successfully completed job. p.Status may be
// set by the caller to a more specific terminal tag (e.g.
// "claude_success_no_changes"); it defaults to "success" otherwise.
func (r *Recorder) RecordCompletion(ctx context.Context, p CompletionParams) error {
	if p.Status == "" {
		p.Status = "success"
	}
	if err := r.recordCommon(ctx, p); err != nil {
		return err
	}

	if _, err := r.store.Incr(ctx, keyJobsProcessed); err != nil {
		return fmt.Errorf("metricsrecorder: incr jobs processed: %w", err)
	}
	if _, err := r.store.Incr(ctx, dayKey(keyJobsProcessed, p.Now)); err != nil {
		return fmt.Errorf("metricsrecorder: incr day jobs processed: %w", err)
	}
	if err := r.updateAvgTime(ctx, p.DurationSeconds); err != nil {
		return err
	}
	if _, err := r.store.Incr(ctx, modelKey(p.Model, "successful")); err != nil {
		return fmt.Errorf("metricsrecorder: incr model successful: %w", err)
	}

	observability.CompleteJob(p.Kind, p.DurationSeconds)
	return nil
}

// RecordFailure records a job that exhausted its retry budget.
func (r *Recorder) RecordFailure(ctx context.Context, p CompletionParams, category string) error {
	p.Status = "failed"
	if err := r.recordCommon(ctx, p); err != nil {
		return err
	}

	if _, err := r.store.Incr(ctx, keyJobsFailed); err != nil {
		return fmt.Errorf("metricsrecorder: incr jobs failed: %w", err)
	}
	if _, err := r.store.Incr(ctx, dayKey(keyJobsFailed, p.Now)); err != nil {
		return fmt.Errorf("metricsrecorder: incr day jobs failed: %w", err)
	}
	if _, err := r.store.Incr(ctx, modelKey(p.Model, "failed")); err != nil {
		return fmt.Errorf("metricsrecorder: incr model failed: %w", err)
	}

	observability.FailJob(p.Kind, category, p.DurationSeconds)
	return nil
}

// recordCommon performs the updates shared by both success and failure:
// the AI log sorted set, the activity log, per-model cost/turns/time
// counters, the models-used set, Prometheus LLM usage, and the high-cost
// alert path.
func (r *Recorder) recordCommon(ctx context.Context, p CompletionParams) error {
	entry := map[string]interface{}{
		"cost":            p.CostUSD,
		"model":           p.Model,
		"turns":           p.Turns,
		"executionTimeMs": p.ExecutionTimeMs,
		"issueNumber":     p.IssueNumber,
		"repo":            p.Repo,
		"status":          p.Status,
		"correlationId":   p.CorrelationID,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("metricsrecorder: marshal ai log entry: %w", err)
	}
	score := float64(p.Now.UnixNano()) / 1e9
	if err := r.store.ZAdd(ctx, keyAILogZSet, score, string(payload)); err != nil {
		return fmt.Errorf("metricsrecorder: append ai log: %w", err)
	}

	if err := r.appendActivity(ctx, p); err != nil {
		return err
	}

	if _, err := r.store.IncrByFloat(ctx, modelKey(p.Model, "costUsd"), p.CostUSD); err != nil {
		return fmt.Errorf("metricsrecorder: incr model cost: %w", err)
	}
	if _, err := r.store.IncrBy(ctx, modelKey(p.Model, "turns"), int64(p.Turns)); err != nil {
		return fmt.Errorf("metricsrecorder: incr model turns: %w", err)
	}
	if _, err := r.store.IncrBy(ctx, modelKey(p.Model, "executionTimeMs"), p.ExecutionTimeMs); err != nil {
		return fmt.Errorf("metricsrecorder: incr model execution time: %w", err)
	}
	if err := r.store.SAdd(ctx, keyModelsUsedSet, p.Model); err != nil {
		return fmt.Errorf("metricsrecorder: add model to used set: %w", err)
	}

	observability.RecordLLMUsage(p.Model, p.CostUSD, p.Turns, p.ExecutionTimeMs)

	if p.CostUSD > r.costThresholdUSD {
		if err := r.emitHighCostAlert(ctx, p); err != nil {
			return err
		}
	}

	return nil
}

func (r *Recorder) appendActivity(ctx context.Context, p CompletionParams) error {
	activity := map[string]interface{}{
		"type":      "job_" + p.Status,
		"kind":      p.Kind,
		"issue":     p.IssueNumber,
		"repo":      p.Repo,
		"model":     p.Model,
		"timestamp": p.Now.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("metricsrecorder: marshal activity entry: %w", err)
	}
	if err := r.store.LPush(ctx, keyActivityLog, string(payload)); err != nil {
		return fmt.Errorf("metricsrecorder: push activity log: %w", err)
	}
	if err := r.store.LTrim(ctx, keyActivityLog, 0, activityLogCap-1); err != nil {
		return fmt.Errorf("metricsrecorder: trim activity log: %w", err)
	}
	return nil
}

func (r *Recorder) emitHighCostAlert(ctx context.Context, p CompletionParams) error {
	alert := map[string]interface{}{
		"costUsd":       p.CostUSD,
		"threshold":     r.costThresholdUSD,
		"correlationId": p.CorrelationID,
		"issueNumber":   p.IssueNumber,
		"repo":          p.Repo,
		"timestamp":     p.Now.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("metricsrecorder: marshal high-cost alert: %w", err)
	}
	if err := r.store.LPush(ctx, keyHighCostList, string(payload)); err != nil {
		return fmt.Errorf("metricsrecorder: push high-cost alert: %w", err)
	}
	if err := r.store.LTrim(ctx, keyHighCostList, 0, highCostLogCap-1); err != nil {
		return fmt.Errorf("metricsrecorder: trim high-cost alerts: %w", err)
	}
	observability.RecordHighCostAlert(p.Model)
	return nil
}

// updateAvgTime applies the streaming-average formula
// avg' = (avg*(n-1) + sample)/n, where n is the post-increment total
// processed count.
func (r *Recorder) updateAvgTime(ctx context.Context, sampleSeconds float64) error {
	n, err := r.store.Get(ctx, keyJobsProcessed)
	if err != nil {
		return fmt.Errorf("metricsrecorder: read processed count: %w", err)
	}
	count, err := strconv.ParseInt(n, 10, 64)
	if err != nil {
		return fmt.Errorf("metricsrecorder: parse processed count: %w", err)
	}

	prevAvg := 0.0
	if count > 1 {
		raw, err := r.store.Get(ctx, keyAvgTime)
		if err == nil {
			if parsed, parseErr := strconv.ParseFloat(raw, 64); parseErr == nil {
				prevAvg = parsed
			}
		} else if err != kvstore.ErrNotFound {
			return fmt.Errorf("metricsrecorder: read avg time: %w", err)
		}
	}

	newAvg := (prevAvg*float64(count-1) + sampleSeconds) / float64(count)
	if err := r.store.Set(ctx, keyAvgTime, strconv.FormatFloat(newAvg, 'f', 6, 64), 0); err != nil {
		return fmt.Errorf("metricsrecorder: write avg time: %w", err)
	}
	return nil
}
