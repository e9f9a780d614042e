// Package runtime wires the queue, processors, heartbeat, and admin HTTP
// surface into a single long-running worker process (spec §4.J).
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/kvstore"
	"github.com/fairyhunter13/ai-issue-resolver/internal/queue"
)

const workerStatusKey = "system:status:worker"

// JobHandler is the subset of a processor's surface the runtime dispatches
// to. Both IssueProcessor and PRFollowupProcessor satisfy it.
type JobHandler interface {
	Process(ctx context.Context, job domain.JobEnvelope) (interface{}, error)
}

// Worker drives the queue's consume loop, routes jobs to the processor
// registered for their kind, and publishes a liveness heartbeat.
type Worker struct {
	ID          string
	Concurrency int

	Queue  *queue.Queue
	Store  kvstore.Store
	Logger *slog.Logger

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	NoHeartbeat       bool

	// StallCheckInterval paces the background stall sweep; zero disables it.
	StallCheckInterval time.Duration

	// Workspace, if set, receives a periodic SweepExpired call on
	// WorkspaceSweepInterval to reclaim keep_for_hours worktrees across every
	// cloned repo. Nil or a zero interval disables the loop.
	Workspace              WorkspaceSweeper
	WorkspaceSweepInterval time.Duration

	handlers map[domain.JobKind]JobHandler
}

// WorkspaceSweeper is satisfied by *workspace.Manager.
type WorkspaceSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// NewWorker constructs a Worker with an empty handler registry.
func NewWorker(id string, concurrency int, q *queue.Queue, store kvstore.Store, logger *slog.Logger, heartbeatInterval, heartbeatTTL time.Duration) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ID:                id,
		Concurrency:       concurrency,
		Queue:             q,
		Store:             store,
		Logger:            logger,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTTL:      heartbeatTTL,
		handlers:          make(map[domain.JobKind]JobHandler),
	}
}

// Register binds a processor to the job kind it handles. A second call for
// the same kind replaces the first.
func (w *Worker) Register(kind domain.JobKind, handler JobHandler) {
	w.handlers[kind] = handler
}

// dispatch routes a job envelope to its registered handler by kind. An
// unregistered kind is a permanent failure: retrying it would never
// succeed, so it is reported as an error rather than silently dropped.
func (w *Worker) dispatch(ctx context.Context, job domain.JobEnvelope) (interface{}, error) {
	handler, ok := w.handlers[job.Kind]
	if !ok {
		return nil, fmt.Errorf("op=worker.dispatch jobId=%s: no handler registered for kind %q: %w", job.JobID, job.Kind, domain.ErrInvalidArgument)
	}
	return handler.Process(ctx, job)
}

// Run starts the consume loop and the heartbeat publisher, blocking until
// ctx is cancelled or the consume loop exits.
func (w *Worker) Run(ctx context.Context) error {
	w.Logger.Info("worker starting", slog.String("workerId", w.ID), slog.Int("concurrency", w.Concurrency))

	if !w.NoHeartbeat {
		go w.heartbeatLoop(ctx)
	}
	if w.StallCheckInterval > 0 {
		go w.stallSweepLoop(ctx)
	}
	if w.Workspace != nil && w.WorkspaceSweepInterval > 0 {
		go w.workspaceSweepLoop(ctx)
	}

	err := w.Queue.Consume(ctx, w.Concurrency, w.dispatch)
	w.Logger.Info("worker stopped", slog.String("workerId", w.ID))
	return err
}

type heartbeatPayload struct {
	WorkerID    string    `json:"workerId"`
	Concurrency int       `json:"concurrency"`
	LastBeat    time.Time `json:"lastBeat"`
}

// heartbeatLoop publishes liveness to system:status:worker every
// HeartbeatInterval, expiring after HeartbeatTTL so a crashed worker's
// status key disappears rather than lying about liveness forever.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := w.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ttl := w.HeartbeatTTL
	if ttl <= 0 {
		ttl = 90 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.beat(ctx, ttl)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx, ttl)
		}
	}
}

// stallSweepLoop periodically returns claimed-but-unheartbeated jobs to
// waiting, independent of the consume loop that claims them.
func (w *Worker) stallSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.StallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Queue.StallSweep(ctx)
			if err != nil {
				w.Logger.Warn("stall sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				w.Logger.Info("stall sweep requeued jobs", slog.Int("count", n))
			}
		}
	}
}

// workspaceSweepLoop reclaims expired keep_for_hours worktrees across every
// repo clone on disk, independent of any single job's cleanup path.
func (w *Worker) workspaceSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.WorkspaceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Workspace.SweepExpired(ctx)
			if err != nil {
				w.Logger.Warn("workspace sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				w.Logger.Info("workspace sweep removed expired worktrees", slog.Int("count", n))
			}
		}
	}
}

func (w *Worker) beat(ctx context.Context, ttl time.Duration) {
	payload := heartbeatPayload{WorkerID: w.ID, Concurrency: w.Concurrency, LastBeat: time.Now()}
	data, err := json.Marshal(payload)
	if err != nil {
		w.Logger.Error("heartbeat marshal failed", slog.String("error", err.Error()))
		return
	}
	key := fmt.Sprintf("%s:%s", workerStatusKey, w.ID)
	if err := w.Store.Set(ctx, key, string(data), ttl); err != nil {
		w.Logger.Warn("heartbeat publish failed", slog.String("error", err.Error()))
	}
}
