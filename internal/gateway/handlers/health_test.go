package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(ctx context.Context) error { return m.err }

func TestProbes(t *testing.T) {
	tests := []struct {
		name           string
		handler        func(h *Handlers) http.HandlerFunc
		archive        Pinger
		expectedStatus int
		expectedKey    string
		expectedValue  string
	}{
		{
			name:           "Root welcome",
			handler:        func(h *Handlers) http.HandlerFunc { return h.Root },
			expectedStatus: http.StatusOK,
			expectedKey:    "message",
			expectedValue:  WelcomeMessage,
		},
		{
			name:           "Healthz Always OK",
			handler:        func(h *Handlers) http.HandlerFunc { return h.Healthz },
			expectedStatus: http.StatusOK,
			expectedKey:    "status",
			expectedValue:  "healthy",
		},
		{
			name:           "Readyz without archive",
			handler:        func(h *Handlers) http.HandlerFunc { return h.Readyz },
			expectedStatus: http.StatusOK,
			expectedKey:    "status",
			expectedValue:  "ready",
		},
		{
			name:           "Readyz Success",
			handler:        func(h *Handlers) http.HandlerFunc { return h.Readyz },
			archive:        &mockPinger{},
			expectedStatus: http.StatusOK,
			expectedKey:    "status",
			expectedValue:  "ready",
		},
		{
			name:           "Readyz Database Fail",
			handler:        func(h *Handlers) http.HandlerFunc { return h.Readyz },
			archive:        &mockPinger{err: errors.New("db down")},
			expectedStatus: http.StatusServiceUnavailable,
			expectedKey:    "error",
			expectedValue:  "Database unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Config{Archive: tt.archive})

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rr := httptest.NewRecorder()
			tt.handler(h)(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			var body map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body[tt.expectedKey] != tt.expectedValue {
				t.Errorf("got %s=%q, want %q", tt.expectedKey, body[tt.expectedKey], tt.expectedValue)
			}
		})
	}
}
