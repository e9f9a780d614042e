package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestJobMetricsHelpers(t *testing.T) {
	EnqueueJob("ImplementIssue")
	StartProcessingJob("ImplementIssue")
	CompleteJob("ImplementIssue", 12.5)
	StartProcessingJob("ApplyPRFollowup")
	FailJob("ApplyPRFollowup", "GIT", 3.2)
}

func TestRecordLLMUsage(t *testing.T) {
	RecordLLMUsage("claude-sonnet-4", 0.42, 3, 15000)
	RecordHighCostAlert("claude-opus-4")
}

func TestRecordCircuitBreakerStatus(t *testing.T) {
	RecordCircuitBreakerStatus("forge-api", "GetIssue", 0)
	RecordCircuitBreakerStatus("forge-api", "GetIssue", 1)
}
