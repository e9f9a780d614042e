// Package queue implements a durable FIFO job queue atop kvstore.Store, with
// attempts, exponential backoff, delayed-ready promotion, stall detection,
// and completed/failed retention (spec §4.B). It intentionally is not built
// on asynq or a Kafka-family broker: the spec requires the queue to sit
// directly atop the KV/PubSub Store primitive.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/kvstore"
)

// JobOptions configures a single enqueue call.
type JobOptions struct {
	Attempts int           // default 3
	Backoff  time.Duration // not stored with the job; retries use the Queue's RetryConfig.InitialDelay
	Delay    time.Duration // zero means ready immediately
	Priority int           // not used; jobs are claimed in FIFO order
}

// DefaultJobOptions mirrors the Queue's documented defaults.
func DefaultJobOptions() JobOptions {
	return JobOptions{Attempts: 3, Backoff: 2 * time.Second}
}

// RetentionPolicy controls completed/failed job pruning.
type RetentionPolicy struct {
	Age   time.Duration
	Count int64
}

// Handler processes one job. A non-nil error triggers retry under policy;
// the queue gives domain.ErrUsageLimit no special treatment, so a handler
// that requeues on it returns nil itself (as the issue processor does).
type Handler func(ctx context.Context, job domain.JobEnvelope) (result interface{}, err error)

// Observer receives queue lifecycle callbacks (§4.B).
type Observer interface {
	OnCompleted(jobID string, result interface{}, durationMs int64)
	OnFailed(jobID string, err error, attemptsMade int)
	OnStalled(jobID string)
	OnError(err error)
}

// NopObserver implements Observer with no-ops, used when the caller doesn't
// care about lifecycle events.
type NopObserver struct{}

func (NopObserver) OnCompleted(string, interface{}, int64) {}
func (NopObserver) OnFailed(string, error, int)            {}
func (NopObserver) OnStalled(string)                       {}
func (NopObserver) OnError(error)                          {}

// Queue is a named durable job queue.
type Queue struct {
	store    kvstore.Store
	name     string
	retry    domain.RetryConfig
	observer Observer

	stallWindow     time.Duration
	completedPolicy RetentionPolicy
	failedPolicy    RetentionPolicy

	promoteScript *redis.Script
	claimScript   *redis.Script
}

// Option customizes a Queue at construction time.
type Option func(*Queue)

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option { return func(q *Queue) { q.observer = o } }

// WithStallWindow overrides the default stall-detection window.
func WithStallWindow(d time.Duration) Option { return func(q *Queue) { q.stallWindow = d } }

// New constructs a Queue named name, atop store, using retry as the default
// attempts/backoff policy for jobs enqueued without explicit options.
func New(store kvstore.Store, name string, retry domain.RetryConfig, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		name:        name,
		retry:       retry,
		observer:    NopObserver{},
		stallWindow: 60 * time.Second,
		completedPolicy: RetentionPolicy{
			Age:   24 * time.Hour,
			Count: 1000,
		},
		failedPolicy: RetentionPolicy{
			Age: 7 * 24 * time.Hour,
		},
		promoteScript: redis.NewScript(promoteDelayedScript),
		claimScript:   redis.NewScript(claimJobScript),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) waitingKey() string   { return fmt.Sprintf("queue:%s:waiting", q.name) }
func (q *Queue) delayedKey() string   { return fmt.Sprintf("queue:%s:delayed", q.name) }
func (q *Queue) activeKey() string    { return fmt.Sprintf("queue:%s:active", q.name) }
func (q *Queue) completedKey() string { return fmt.Sprintf("queue:%s:completed", q.name) }
func (q *Queue) failedKey() string    { return fmt.Sprintf("queue:%s:failed", q.name) }
func (q *Queue) jobKey(id string) string { return fmt.Sprintf("queue:%s:job:%s", q.name, id) }

// promoteDelayedScript moves delayed jobs whose score (ready-at, unix ms)
// has elapsed into the waiting list, atomically, in one round trip.
const promoteDelayedScript = `
local delayed = KEYS[1]
local waiting = KEYS[2]
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[2])

local ready = redis.call("ZRANGEBYSCORE", delayed, "-inf", now, "LIMIT", 0, batch)
for i, id in ipairs(ready) do
  redis.call("ZREM", delayed, id)
  redis.call("RPUSH", waiting, id)
end
return ready
`

// claimJobScript atomically pops the next waiting job and registers it in
// the active set with a heartbeat timestamp, so "pop" and "claim" can never
// race against a concurrent stall sweep.
const claimJobScript = `
local waiting = KEYS[1]
local active = KEYS[2]
local now = tonumber(ARGV[1])

local id = redis.call("LPOP", waiting)
if not id then
  return nil
end
redis.call("ZADD", active, now, id)
return id
`

// Enqueue durably records a new job and returns its ID. When opts.Delay is
// zero the job is immediately eligible for consumption; otherwise it's
// placed on the delayed sorted set keyed by ready-at timestamp.
func (q *Queue) Enqueue(ctx context.Context, kind domain.JobKind, payload []byte, opts JobOptions) (string, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = q.retry.MaxRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.retry.InitialDelay
	}

	jobID := uuid.NewString()
	now := time.Now().UTC()
	envelope := domain.JobEnvelope{
		JobID:       jobID,
		Kind:        kind,
		Payload:     payload,
		Attempt:     0,
		MaxAttempts: opts.Attempts,
		EnqueuedAt:  now,
	}
	if opts.Delay > 0 {
		envelope.DelayedUntil = now.Add(opts.Delay)
	}

	if err := q.saveEnvelope(ctx, envelope); err != nil {
		return "", err
	}

	if opts.Delay > 0 {
		readyAt := float64(envelope.DelayedUntil.UnixMilli())
		if err := q.store.ZAdd(ctx, q.delayedKey(), readyAt, jobID); err != nil {
			return "", fmt.Errorf("queue.Enqueue: delay job: %w", err)
		}
		return jobID, nil
	}

	if err := q.store.RPush(ctx, q.waitingKey(), jobID); err != nil {
		return "", fmt.Errorf("queue.Enqueue: push waiting: %w", err)
	}
	return jobID, nil
}

// RequeueWithDelay re-enqueues the same payload under a fresh job ID with
// delay, WITHOUT counting the current attempt against the original job's
// budget. This is the UsageLimit path (§4.B): the caller computes
// delay = (resetTimestamp - now) + REQUEUE_BUFFER + rand(0, REQUEUE_JITTER)
// and the processor reports success for the current attempt.
func (q *Queue) RequeueWithDelay(ctx context.Context, original domain.JobEnvelope, delay time.Duration) (string, error) {
	opts := JobOptions{Attempts: original.MaxAttempts, Backoff: q.retry.InitialDelay, Delay: delay}
	return q.Enqueue(ctx, original.Kind, original.Payload, opts)
}

func (q *Queue) saveEnvelope(ctx context.Context, e domain.JobEnvelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	if err := q.store.Set(ctx, q.jobKey(e.JobID), string(data), 30*24*time.Hour); err != nil {
		return fmt.Errorf("queue: save envelope: %w", err)
	}
	return nil
}

func (q *Queue) loadEnvelope(ctx context.Context, jobID string) (domain.JobEnvelope, error) {
	raw, err := q.store.Get(ctx, q.jobKey(jobID))
	if err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("queue: load envelope %s: %w", jobID, err)
	}
	var e domain.JobEnvelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("queue: unmarshal envelope %s: %w", jobID, err)
	}
	return e, nil
}

// PromoteDelayed moves any delayed job whose ready-at has elapsed into the
// waiting list. Workers call this (or a background ticker does) before
// claiming, so enqueue-with-delay jobs surface without a separate scheduler.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	res, err := q.store.RunScript(ctx, q.promoteScript, []string{q.delayedKey(), q.waitingKey()}, time.Now().UnixMilli(), 100)
	if err != nil {
		return 0, fmt.Errorf("queue.PromoteDelayed: %w", err)
	}
	ids, _ := res.([]interface{})
	return len(ids), nil
}

// claim pops the next ready job, or returns ("", nil) if none is waiting.
func (q *Queue) claim(ctx context.Context) (string, error) {
	res, err := q.store.RunScript(ctx, q.claimScript, []string{q.waitingKey(), q.activeKey()}, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("queue.claim: %w", err)
	}
	if res == nil {
		return "", nil
	}
	id, _ := res.(string)
	return id, nil
}

// Heartbeat refreshes a claimed job's liveness timestamp so the stall
// sweeper doesn't reclaim it mid-processing.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	return q.store.ZAdd(ctx, q.activeKey(), float64(time.Now().UnixMilli()), jobID)
}

// complete marks a job done, removes it from active, and records it on the
// completed sorted set subject to the retention policy.
func (q *Queue) complete(ctx context.Context, jobID string, result interface{}, durationMs int64) {
	if err := q.store.ZRem(ctx, q.activeKey(), jobID); err != nil {
		q.observer.OnError(fmt.Errorf("queue.complete: remove active: %w", err))
	}
	now := float64(time.Now().UnixMilli())
	if err := q.store.ZAdd(ctx, q.completedKey(), now, jobID); err != nil {
		q.observer.OnError(fmt.Errorf("queue.complete: record completed: %w", err))
	}
	q.pruneRetention(ctx, q.completedKey(), q.completedPolicy)
	q.observer.OnCompleted(jobID, result, durationMs)
}

// fail marks a job failed. If attempts remain, it's rescheduled to the
// delayed set with an exponential backoff delay; otherwise it's recorded on
// the failed sorted set.
func (q *Queue) fail(ctx context.Context, envelope domain.JobEnvelope, handlerErr error) {
	if err := q.store.ZRem(ctx, q.activeKey(), envelope.JobID); err != nil {
		q.observer.OnError(fmt.Errorf("queue.fail: remove active: %w", err))
	}

	envelope.Attempt++
	retryInfo := &domain.RetryInfo{AttemptCount: envelope.Attempt}
	effective := q.retry
	effective.MaxRetries = envelope.MaxAttempts
	shouldRetry := retryInfo.ShouldRetry(handlerErr, effective)

	if shouldRetry {
		backoffInfo := &domain.RetryInfo{AttemptCount: envelope.Attempt - 1}
		delay := backoffInfo.CalculateNextRetryDelay(q.retry)
		envelope.DelayedUntil = time.Now().Add(delay)
		if err := q.saveEnvelope(ctx, envelope); err != nil {
			q.observer.OnError(err)
		}
		if err := q.store.ZAdd(ctx, q.delayedKey(), float64(envelope.DelayedUntil.UnixMilli()), envelope.JobID); err != nil {
			q.observer.OnError(fmt.Errorf("queue.fail: reschedule: %w", err))
		}
		q.observer.OnFailed(envelope.JobID, handlerErr, envelope.Attempt)
		return
	}

	if err := q.saveEnvelope(ctx, envelope); err != nil {
		q.observer.OnError(err)
	}
	if err := q.store.ZAdd(ctx, q.failedKey(), float64(time.Now().UnixMilli()), envelope.JobID); err != nil {
		q.observer.OnError(fmt.Errorf("queue.fail: record failed: %w", err))
	}
	q.pruneRetention(ctx, q.failedKey(), q.failedPolicy)
	q.observer.OnFailed(envelope.JobID, handlerErr, envelope.Attempt)
}

// pruneRetention drops entries older than policy.Age, and, if policy.Count
// is set, trims the oldest entries beyond that count too.
func (q *Queue) pruneRetention(ctx context.Context, key string, policy RetentionPolicy) {
	if policy.Age > 0 {
		cutoff := time.Now().Add(-policy.Age).UnixMilli()
		stale, err := q.store.ZRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10), 0)
		if err == nil && len(stale) > 0 {
			if err := q.store.ZRem(ctx, key, stale...); err != nil {
				q.observer.OnError(fmt.Errorf("queue: prune by age: %w", err))
			}
		}
	}
	if policy.Count > 0 {
		all, err := q.store.ZRangeByScore(ctx, key, "-inf", "+inf", 0)
		if err == nil && int64(len(all)) > policy.Count {
			excess := all[:int64(len(all))-policy.Count]
			if err := q.store.ZRem(ctx, key, excess...); err != nil {
				q.observer.OnError(fmt.Errorf("queue: prune by count: %w", err))
			}
		}
	}
}

// StallSweep returns stalled jobs (claimed, no heartbeat within the stall
// window) to the waiting list. Grounded on the teacher's StuckJobSweeper
// pagination pattern, adapted from job-status polling to active-set scoring.
func (q *Queue) StallSweep(ctx context.Context) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-q.stallWindow).UnixMilli(), 10)
	stalled, err := q.store.ZRangeByScore(ctx, q.activeKey(), "-inf", cutoff, 0)
	if err != nil {
		return 0, fmt.Errorf("queue.StallSweep: %w", err)
	}
	for _, id := range stalled {
		if err := q.store.ZRem(ctx, q.activeKey(), id); err != nil {
			q.observer.OnError(fmt.Errorf("queue.StallSweep: remove active: %w", err))
			continue
		}
		if err := q.store.RPush(ctx, q.waitingKey(), id); err != nil {
			q.observer.OnError(fmt.Errorf("queue.StallSweep: requeue: %w", err))
			continue
		}
		q.observer.OnStalled(id)
	}
	return len(stalled), nil
}

// Consume starts concurrency worker goroutines pulling jobs and routing
// them to handler. It blocks until ctx is cancelled, then waits for
// in-flight handlers to finish (graceful drain).
func (q *Queue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerSlot int) {
			defer wg.Done()
			q.runLoop(ctx, workerSlot, handler)
		}(i)
	}
	wg.Wait()
	return nil
}

func (q *Queue) runLoop(ctx context.Context, slot int, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := q.PromoteDelayed(ctx); err != nil {
			q.observer.OnError(err)
		}

		jobID, err := q.claim(ctx)
		if err != nil {
			q.observer.OnError(err)
			sleepOrDone(ctx, 500*time.Millisecond)
			continue
		}
		if jobID == "" {
			sleepOrDone(ctx, 250*time.Millisecond)
			continue
		}

		envelope, err := q.loadEnvelope(ctx, jobID)
		if err != nil {
			q.observer.OnError(fmt.Errorf("queue worker %d: %w", slot, err))
			continue
		}

		start := time.Now()
		result, handlerErr := handler(ctx, envelope)
		durationMs := time.Since(start).Milliseconds()

		if handlerErr == nil {
			q.complete(ctx, jobID, result, durationMs)
			continue
		}
		q.fail(ctx, envelope, handlerErr)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// RequeueJitter returns a randomized delay in [0, jitter), used alongside a
// fixed buffer to pace UsageLimit re-enqueues (§4.B).
func RequeueJitter(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(jitter)))
}

// ResetSystem implements the --reset boot flag: deletes all of this queue's
// data plus every worker:* and task:state:* key system-wide.
func ResetSystem(ctx context.Context, store kvstore.Store, queueName string) error {
	keys := []string{
		fmt.Sprintf("queue:%s:waiting", queueName),
		fmt.Sprintf("queue:%s:delayed", queueName),
		fmt.Sprintf("queue:%s:active", queueName),
		fmt.Sprintf("queue:%s:completed", queueName),
		fmt.Sprintf("queue:%s:failed", queueName),
	}
	if err := store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("queue.ResetSystem: %w", err)
	}

	for _, prefix := range []string{"queue:" + queueName + ":job:", "worker:", "task:state:"} {
		var toDelete []string
		err := store.ScanPrefix(ctx, prefix, func(found []string) error {
			toDelete = append(toDelete, found...)
			return nil
		})
		if err != nil {
			return fmt.Errorf("queue.ResetSystem: scan %s: %w", prefix, err)
		}
		if len(toDelete) > 0 {
			if err := store.Del(ctx, toDelete...); err != nil {
				return fmt.Errorf("queue.ResetSystem: delete %s: %w", prefix, err)
			}
		}
	}

	slog.Info("queue system reset complete", slog.String("queue", queueName))
	return nil
}
