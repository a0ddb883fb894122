// Package middleware contains HTTP middleware for the gateway.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"podagent/internal/auth"
	"podagent/internal/logger"
	"podagent/pkg/api"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

// AgentIDHeader identifies the calling agent.
const AgentIDHeader = "X-Agent-ID"

// RequestID puts the caller's X-Request-ID (or a new one) on the context and the response.
// The caller's X-Agent-ID is recorded as well.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := logger.WithRequestID(r.Context(), id)
		if agentID := r.Header.Get(AgentIDHeader); agentID != "" {
			ctx = logger.WithAgentID(ctx, agentID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recovery turns a panic into a 500 internal error response.
func Recovery(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.FromContext(r.Context(), log).Error("panic in handler",
						"panic", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
					writeJSON(w, http.StatusInternalServerError, api.TaskResponse{
						Type:   api.TypeTaskResponse,
						TaskID: api.UnknownTaskID,
						Status: api.StatusError,
						Error:  "Internal server error",
						Code:   api.CodeInternalError,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequireBearer rejects requests whose bearer token does not match v.
// A nil verifier lets every request through.
func RequireBearer(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "Invalid authorization header")
				return
			}

			if !v.Verify(parts[1]) {
				unauthorized(w, "Invalid authorization token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: message, Code: "UNAUTHORIZED"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// Chain applies middleware so that the first one listed runs first.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
