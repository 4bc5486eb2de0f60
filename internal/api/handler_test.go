package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"taskorch/internal/apperrors"
	"taskorch/internal/health"
	"taskorch/internal/job"
	"taskorch/internal/observability"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrchestrator keeps handles in a map and finishes nothing on its own.
type fakeOrchestrator struct {
	mu        sync.Mutex
	handles   map[string]job.Handle
	results   map[string]job.Result
	submitErr error
	submitted []*job.Spec
	awaited   time.Duration
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		handles: make(map[string]job.Handle),
		results: make(map[string]job.Result),
	}
}

func (f *fakeOrchestrator) Submit(spec *job.Spec) (job.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return job.Handle{}, f.submitErr
	}
	f.submitted = append(f.submitted, spec)
	h := job.Handle{ID: "job-new", Kind: spec.Kind, Status: job.StatusQueued, SubmittedAt: time.Now()}
	f.handles[h.ID] = h
	return h, nil
}

func (f *fakeOrchestrator) Await(ctx context.Context, id string, timeout time.Duration) (job.Result, error) {
	f.mu.Lock()
	f.awaited = timeout
	_, ok := f.handles[id]
	res, done := f.results[id]
	f.mu.Unlock()
	switch {
	case !ok:
		return job.Result{}, apperrors.NotFound("job", id)
	case !done:
		return job.Result{}, apperrors.Timeout("await", timeout)
	default:
		return res, nil
	}
}

func (f *fakeOrchestrator) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[id]
	if !ok || h.Status.Terminal() {
		return false
	}
	h.Status = job.StatusCancelled
	f.handles[id] = h
	return true
}

func (f *fakeOrchestrator) Status(id string) (job.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[id]
	if !ok {
		return job.Handle{}, apperrors.NotFound("job", id)
	}
	return h, nil
}

func (f *fakeOrchestrator) List() []job.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]job.Handle, 0, len(f.handles))
	for _, h := range f.handles {
		out = append(out, h)
	}
	return out
}

func (f *fakeOrchestrator) Metrics() observability.Snapshot {
	return observability.Snapshot{TotalJobs: int64(len(f.List())), Succeeded: 1}
}

func (f *fakeOrchestrator) HealthCheck(ctx context.Context) *health.Report {
	return &health.Report{Status: health.StatusHealthy, Healthy: true}
}

func (f *fakeOrchestrator) put(h job.Handle) {
	f.mu.Lock()
	f.handles[h.ID] = h
	f.mu.Unlock()
}

// healthSource is a minimal health.Source.
type healthSource struct {
	initialized bool
}

func (s healthSource) Initialized() bool                          { return s.initialized }
func (s healthSource) Probes() map[string]health.ReadinessChecker { return map[string]health.ReadinessChecker{} }
func (s healthSource) Load() (int, int)                           { return 0, 1 }

func newTestRouter(orch Orchestrator, apiKey string) http.Handler {
	return NewRouter(RouterConfig{
		Orchestrator:  orch,
		HealthChecker: health.NewChecker(healthSource{initialized: true}),
		APIKey:        apiKey,
	})
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(healthSource{}),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Report
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_NotInitialized(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(healthSource{}),
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Report
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
	if _, ok := response.Checks["orchestrator"]; !ok {
		t.Errorf("Expected an orchestrator check, got %v", response.Checks)
	}
}

func TestHandler_Healthz(t *testing.T) {
	t.Parallel()
	router := newTestRouter(newFakeOrchestrator(), "")

	w := serve(t, router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestHandler_CreateJob(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	router := newTestRouter(orch, "")

	body := `{"kind":"process","process":{"command":"worker.py","args":["--fast"]},"timeout":"30s","maxAttempts":2}`
	w := serve(t, router, http.MethodPost, "/v1/jobs", body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var h job.Handle
	if err := json.NewDecoder(w.Body).Decode(&h); err != nil {
		t.Fatalf("Failed to decode handle: %v", err)
	}
	if h.ID != "job-new" || h.Status != job.StatusQueued {
		t.Errorf("Unexpected handle: %+v", h)
	}

	if len(orch.submitted) != 1 {
		t.Fatalf("Expected 1 submitted spec, got %d", len(orch.submitted))
	}
	spec := orch.submitted[0]
	if spec.Timeout.Std() != 30*time.Second || spec.MaxAttempts != 2 || spec.Process.Args[0] != "--fast" {
		t.Errorf("Spec not decoded: %+v", spec)
	}
}

func TestHandler_CreateJob_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		body      string
		submitErr error
		status    int
		kind      string
		field     string
	}{
		{name: "empty body", body: " ", status: http.StatusBadRequest, kind: "validation"},
		{name: "malformed JSON", body: `{"kind": process}`, status: http.StatusBadRequest, kind: "validation"},
		{name: "unknown field", body: `{"kind":"process","image":"alpine"}`, status: http.StatusBadRequest, kind: "validation"},
		{
			name:      "validation",
			body:      `{"kind":"process"}`,
			submitErr: apperrors.Validation("process.command", "command is required"),
			status:    http.StatusBadRequest,
			kind:      "validation",
			field:     "process.command",
		},
		{
			name:      "queue full",
			body:      `{"kind":"process"}`,
			submitErr: apperrors.CapacityExceeded(10),
			status:    http.StatusTooManyRequests,
			kind:      "capacity_exceeded",
		},
		{
			name:      "shutting down",
			body:      `{"kind":"process"}`,
			submitErr: apperrors.Unavailable("orchestrator is shutting down"),
			status:    http.StatusServiceUnavailable,
			kind:      "unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			orch := newFakeOrchestrator()
			orch.submitErr = tt.submitErr
			w := serve(t, newTestRouter(orch, ""), http.MethodPost, "/v1/jobs", tt.body)

			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var resp map[string]string
			json.NewDecoder(w.Body).Decode(&resp)
			if resp["error"] == "" {
				t.Error("Expected error message in response")
			}
			if resp["kind"] != tt.kind {
				t.Errorf("Expected kind %q, got %q", tt.kind, resp["kind"])
			}
			if resp["field"] != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, resp["field"])
			}
		})
	}
}

func TestHandler_GetJob(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	orch.put(job.Handle{ID: "job-1", Kind: job.KindRemote, Status: job.StatusRunning, Attempt: 1})
	router := newTestRouter(orch, "")

	w := serve(t, router, http.MethodGet, "/v1/jobs/job-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var h job.Handle
	json.NewDecoder(w.Body).Decode(&h)
	if h.Status != job.StatusRunning || h.Attempt != 1 {
		t.Errorf("Unexpected handle: %+v", h)
	}

	w = serve(t, router, http.MethodGet, "/v1/jobs/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandler_ListJobs(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	orch.put(job.Handle{ID: "job-1", Status: job.StatusQueued})
	orch.put(job.Handle{ID: "job-2", Status: job.StatusSucceeded})

	w := serve(t, newTestRouter(orch, ""), http.MethodGet, "/v1/jobs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp job.ListResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(resp.Jobs))
	}
}

func TestHandler_GetResult(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	orch.put(job.Handle{ID: "done", Status: job.StatusSucceeded})
	orch.put(job.Handle{ID: "running", Status: job.StatusRunning})
	orch.results["done"] = job.Result{Success: true, Value: "hello", AttemptsUsed: 1}
	router := newTestRouter(orch, "")

	w := serve(t, router, http.MethodGet, "/v1/jobs/done/result", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var res job.Result
	json.NewDecoder(w.Body).Decode(&res)
	if !res.Success || res.Value != "hello" {
		t.Errorf("Unexpected result: %+v", res)
	}
	if orch.awaited != defaultAwaitTimeout {
		t.Errorf("Expected default timeout, got %s", orch.awaited)
	}

	w = serve(t, router, http.MethodGet, "/v1/jobs/running/result?timeout=10ms", "")
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("Expected status %d, got %d", http.StatusGatewayTimeout, w.Code)
	}
	if orch.awaited != 10*time.Millisecond {
		t.Errorf("Expected 10ms timeout, got %s", orch.awaited)
	}

	w = serve(t, router, http.MethodGet, "/v1/jobs/done/result?timeout=1h", "")
	if w.Code != http.StatusOK || orch.awaited != maxAwaitTimeout {
		t.Errorf("Expected timeout capped at %s, got %s (status %d)", maxAwaitTimeout, orch.awaited, w.Code)
	}

	w = serve(t, router, http.MethodGet, "/v1/jobs/done/result?timeout=soon", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	w = serve(t, router, http.MethodGet, "/v1/jobs/missing/result", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandler_DeleteJob(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	orch.put(job.Handle{ID: "running", Status: job.StatusRunning})
	orch.put(job.Handle{ID: "done", Status: job.StatusSucceeded})
	router := newTestRouter(orch, "")

	tests := []struct {
		id     string
		status int
	}{
		{"running", http.StatusNoContent},
		{"running", http.StatusConflict},
		{"done", http.StatusConflict},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := serve(t, router, http.MethodDelete, "/v1/jobs/"+tt.id, "")
		if w.Code != tt.status {
			t.Errorf("DELETE %s: expected status %d, got %d", tt.id, tt.status, w.Code)
		}
	}
}

func TestHandler_GetMetrics(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	orch.put(job.Handle{ID: "job-1", Status: job.StatusSucceeded})

	w := serve(t, newTestRouter(orch, ""), http.MethodGet, "/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var snap observability.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.TotalJobs != 1 || snap.Succeeded != 1 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	router := newTestRouter(newFakeOrchestrator(), "secret")

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"missing header", "/v1/jobs", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/jobs", "Basic secret", http.StatusUnauthorized},
		{"wrong key", "/v1/jobs", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "/v1/jobs", "Bearer secret", http.StatusOK},
		{"metrics needs auth", "/v1/metrics", "", http.StatusUnauthorized},
		{"probes are open", "/livez", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

// TestMiddleware_AnnotatesJob swaps the default logger, so it must not run in parallel.
func TestMiddleware_AnnotatesJob(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	orch := newFakeOrchestrator()
	orch.put(job.Handle{ID: "job-1", Kind: job.KindProcess, Status: job.StatusRunning})
	router := newTestRouter(orch, "secret")

	lastRequestLog := func(t *testing.T) map[string]any {
		t.Helper()
		var entry map[string]any
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			var e map[string]any
			if json.Unmarshal([]byte(line), &e) == nil && e["msg"] == "HTTP request" {
				entry = e
			}
		}
		if entry == nil {
			t.Fatalf("No request log in %q", buf.String())
		}
		buf.Reset()
		return entry
	}
	get := func(path, auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := get("/v1/jobs/job-1", "Bearer secret")
	assert.Equal(t, http.StatusOK, w.Code)
	entry := lastRequestLog(t)
	assert.Equal(t, "job-1", entry["jobId"])
	assert.Equal(t, "process", entry["kind"])
	assert.NotContains(t, entry, "errorKind")

	w = get("/v1/jobs/missing", "Bearer secret")
	assert.Equal(t, http.StatusNotFound, w.Code)
	entry = lastRequestLog(t)
	assert.Equal(t, "missing", entry["jobId"])
	assert.Equal(t, "not_found", entry["errorKind"])
	assert.NotContains(t, entry, "kind")

	w = get("/v1/jobs/job-1", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "unauthorized", body["kind"])
	assert.Equal(t, "Invalid API key", body["error"])
	entry = lastRequestLog(t)
	assert.Equal(t, "unauthorized", entry["errorKind"])
	assert.EqualValues(t, http.StatusUnauthorized, entry["status"])
	assert.NotContains(t, entry, "jobId")
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["kind"] != "internal" {
		t.Errorf("Expected kind %q, got %q", "internal", body["kind"])
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	handler := ContentTypeMiddleware()(inner)

	// Test with wrong content type
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}

	// Parameters are allowed
	called = false
	req = httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w = httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_ContentType_EmptyBodyAllowed(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := ContentTypeMiddleware()(inner)

	// GET requests don't need content-type
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler should be called for GET requests")
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	// Test OPTIONS preflight
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}
