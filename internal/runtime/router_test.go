package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-issue-resolver/internal/config"
	"github.com/fairyhunter13/ai-issue-resolver/internal/domain"
	"github.com/fairyhunter13/ai-issue-resolver/internal/kvstore"
	"github.com/fairyhunter13/ai-issue-resolver/internal/taskstate"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return context.DeadlineExceeded }

func newTestRedisStore(t *testing.T) *kvstore.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return kvstore.NewFromClient(client)
}

func testConfig() config.Config {
	return config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 30}
}

func TestBuildRouter_HealthzOKWhenStoreReachable(t *testing.T) {
	store := newTestRedisStore(t)
	tasks := taskstate.New(store)
	r := BuildRouter(testConfig(), store, tasks)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestBuildRouter_HealthzUnhealthyWhenStoreUnreachable(t *testing.T) {
	store := newTestRedisStore(t)
	tasks := taskstate.New(store)
	r := BuildRouter(testConfig(), failingPinger{}, tasks)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBuildRouter_DebugTaskReturnsState(t *testing.T) {
	store := newTestRedisStore(t)
	tasks := taskstate.New(store)
	ctx := context.Background()

	ref := domain.IssueRef{RepoOwner: "acme", RepoName: "widget", Number: 1, ModelName: "claude-sonnet-4"}
	taskID := domain.TaskID(ref.RepoOwner, ref.RepoName, ref.Number, ref.ModelName)
	_, err := tasks.CreateTaskState(ctx, taskID, ref, "corr-1", taskstate.CreateOptions{})
	require.NoError(t, err)

	r := BuildRouter(testConfig(), store, tasks)
	req := httptest.NewRequest(http.MethodGet, "/debug/tasks/"+taskID, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var state domain.TaskState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	require.Equal(t, taskID, state.TaskID)
}

func TestBuildRouter_DebugTaskNotFound(t *testing.T) {
	store := newTestRedisStore(t)
	tasks := taskstate.New(store)
	r := BuildRouter(testConfig(), store, tasks)

	req := httptest.NewRequest(http.MethodGet, "/debug/tasks/does-not-exist", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBuildRouter_MetricsServesPrometheusFormat(t *testing.T) {
	store := newTestRedisStore(t)
	tasks := taskstate.New(store)
	r := BuildRouter(testConfig(), store, tasks)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}
