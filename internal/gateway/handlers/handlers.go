// Package handlers contains the HTTP handlers of the agent gateway.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"podagent/internal/registry"
	"podagent/internal/store"
	"podagent/internal/tracker"
	"podagent/pkg/api"
)

// Dispatcher runs accepted tasks.
type Dispatcher interface {
	Submit(ctx context.Context, desc registry.Descriptor, id string, params map[string]any) (store.Task, error)
	Cancel(ctx context.Context, id string) (store.Task, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the handler dependencies.
type Config struct {
	Registry   *registry.Registry
	Tracker    *tracker.Tracker
	Dispatcher Dispatcher
	// Archive is optional; /ready checks it when set.
	Archive Pinger
	// SyncWait is how long a task_request waits for the task to finish (default: 2s).
	SyncWait time.Duration
	// MaxBodyBytes bounds the envelope size (default: 1 MiB).
	MaxBodyBytes int64
	Card         CardInfo
	Logger       *slog.Logger
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	registry   *registry.Registry
	tracker    *tracker.Tracker
	dispatcher Dispatcher
	archive    Pinger
	syncWait   time.Duration
	maxBody    int64
	card       api.AgentCard
	logger     *slog.Logger
}

// New creates the handlers. The registry must be frozen so the agent card never changes.
func New(cfg Config) *Handlers {
	if cfg.SyncWait < 0 {
		cfg.SyncWait = 0
	} else if cfg.SyncWait == 0 {
		cfg.SyncWait = 2 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handlers{
		registry:   cfg.Registry,
		tracker:    cfg.Tracker,
		dispatcher: cfg.Dispatcher,
		archive:    cfg.Archive,
		syncWait:   cfg.SyncWait,
		maxBody:    cfg.MaxBodyBytes,
		card:       buildCard(cfg.Card, cfg.Registry),
		logger:     cfg.Logger,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
