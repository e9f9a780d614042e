package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-issue-resolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-issue-resolver/internal/config"
	"github.com/fairyhunter13/ai-issue-resolver/internal/resilience"
	"github.com/fairyhunter13/ai-issue-resolver/internal/taskstate"
)

// pinger is satisfied by kvstore.RedisStore; it is kept narrow so the
// health check doesn't need the full Store interface.
type pinger interface {
	Ping(ctx context.Context) error
}

// BuildRouter constructs the worker's read-only admin mux: /healthz,
// /metrics, and /debug/tasks/{taskId}. There is no auth, no mutating
// endpoint, and no UI here; that surface is explicitly out of scope.
func BuildRouter(cfg config.Config, store pinger, tasks *taskstate.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer())
	r.Use(requestID())
	r.Use(timeoutMiddleware(10 * time.Second))
	r.Use(accessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.CORSAllowOrigins},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/healthz", healthzHandler(store))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(gr chi.Router) {
		gr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		gr.Get("/debug/tasks/{taskId}", debugTaskHandler(tasks))
	})

	return otelhttp.NewHandler(securityHeaders(r), "admin")
}

func healthzHandler(store pinger) http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make([]check, 0, 1)
		ok := true
		if store != nil {
			if err := store.Ping(ctx); err != nil {
				checks = append(checks, check{Name: "kvstore", OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: "kvstore", OK: true})
			}
		}

		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}

func debugTaskHandler(tasks *taskstate.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")
		if taskID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "taskId is required"})
			return
		}
		state, err := tasks.Get(r.Context(), taskID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recoverer ensures a panicking handler can't crash the admin surface.
func recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("panic recovered", slog.Any("recover", rec))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // request-id entropy, not security sensitive

func newRequestID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// requestID assigns a ULID per request and threads it through a
// request-scoped logger, matching the correlation pattern used by the
// queue and task-state layers.
func requestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = newRequestID()
			}
			w.Header().Set("X-Request-Id", reqID)
			spanCtx := trace.SpanContextFromContext(r.Context())
			logger := slog.Default().With(slog.String("requestId", reqID), slog.String("traceId", spanCtx.TraceID().String()))
			ctx := resilience.ContextWithLogger(r.Context(), logger)
			ctx = resilience.ContextWithCorrelationID(ctx, reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, http.StatusText(http.StatusGatewayTimeout))
	}
}

func accessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger := resilience.LoggerFromContext(r.Context())
			logger.Info("http_access",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
