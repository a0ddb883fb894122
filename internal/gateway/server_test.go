package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"podagent/internal/gateway/handlers"
	"podagent/internal/gateway/middleware"
	"podagent/internal/registry"
	"podagent/internal/tracker"
	"podagent/internal/worker"
)

func newTestHandler(t *testing.T, opts Options) http.Handler {
	t.Helper()
	reg := registry.New()
	reg.Freeze()
	tr := tracker.New(tracker.Config{})
	h := handlers.New(handlers.Config{
		Registry:   reg,
		Tracker:    tr,
		Dispatcher: worker.New(tr, worker.Config{}),
		SyncWait:   10 * time.Millisecond,
	})
	return NewHandler(h, opts)
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const discovery = `{"type":"agent_discovery_request","payload":{}}`

func TestRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("podagent_tasks_submitted_total 0\n"))
	})
	h := newTestHandler(t, Options{Metrics: metrics})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		substr string
	}{
		{"root", http.MethodGet, "/", "", http.StatusOK, "Welcome to the InsTaG RunPod Agent"},
		{"health", http.MethodGet, "/health", "", http.StatusOK, `"healthy"`},
		{"ready", http.MethodGet, "/ready", "", http.StatusOK, `"ready"`},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK, "podagent_tasks_submitted_total"},
		{"a2a", http.MethodPost, "/api/a2a", discovery, http.StatusOK, "agent_discovery_response"},
		{"a2a wrong method", http.MethodGet, "/api/a2a", "", http.StatusMethodNotAllowed, ""},
		{"unknown path", http.MethodGet, "/nope", "", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(h, tt.method, tt.path, tt.body, nil)
			if rr.Code != tt.want {
				t.Errorf("got status %d, want %d", rr.Code, tt.want)
			}
			if tt.substr != "" && !strings.Contains(rr.Body.String(), tt.substr) {
				t.Errorf("body %q does not contain %q", rr.Body.String(), tt.substr)
			}
		})
	}
}

func TestAuthToken_ProtectsOnlyEnvelopeEndpoint(t *testing.T) {
	h := newTestHandler(t, Options{AuthToken: "s3cret"})

	if rr := do(h, http.MethodPost, "/api/a2a", discovery, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("without token: got status %d, want 401", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/api/a2a", discovery, map[string]string{"Authorization": "Bearer s3cret"}); rr.Code != http.StatusOK {
		t.Errorf("with token: got status %d, want 200", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/health", "", nil); rr.Code != http.StatusOK {
		t.Errorf("health must stay open: got status %d", rr.Code)
	}
}

func TestRateLimit_PerAgent(t *testing.T) {
	h := newTestHandler(t, Options{RateLimit: 1, RateBurst: 1})
	agentA := map[string]string{middleware.AgentIDHeader: "a"}

	if rr := do(h, http.MethodPost, "/api/a2a", discovery, agentA); rr.Code != http.StatusOK {
		t.Errorf("first request: got status %d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/api/a2a", discovery, agentA); rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request: got status %d, want 429", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/api/a2a", discovery, map[string]string{middleware.AgentIDHeader: "b"}); rr.Code != http.StatusOK {
		t.Errorf("other agent: got status %d", rr.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	h := newTestHandler(t, Options{})

	rr := do(h, http.MethodGet, "/health", "", map[string]string{middleware.RequestIDHeader: "abc"})
	if got := rr.Header().Get(middleware.RequestIDHeader); got != "abc" {
		t.Errorf("got request id %q, want %q", got, "abc")
	}
	rr = do(h, http.MethodGet, "/health", "", nil)
	if rr.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a generated request id")
	}
}
