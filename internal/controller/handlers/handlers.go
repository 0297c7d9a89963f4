// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"runplane/internal/config"
	"runplane/internal/events"
	"runplane/internal/observability"
	"runplane/internal/scheduler"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// StoreFactory combines the interfaces needed for the controller to function.
type StoreFactory interface {
	Ping(ctx context.Context) error
	store.RunStore
	store.DeploymentStore
	store.NodeStore
	store.LeaseStore
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store     StoreFactory
	scheduler *scheduler.Scheduler
	cfg       *config.Config
	metrics   *observability.Metrics
	bus       *events.Bus
}

// New creates a new Handlers instance with its dependencies.
func New(s StoreFactory, sched *scheduler.Scheduler, cfg *config.Config, metrics *observability.Metrics, bus *events.Bus) *Handlers {
	return &Handlers{
		store:     s,
		scheduler: sched,
		cfg:       cfg,
		metrics:   metrics,
		bus:       bus,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// httpErrorCoded attaches a machine-readable code so node agents can
// react to specific conditions, such as a cancelled run.
func (h *Handlers) httpErrorCoded(w http.ResponseWriter, message, code string, status int) {
	h.respondJson(w, status, api.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// publishRunStateChanged emits the fire-and-forget state change event
// that wakes pull streams and feeds the audit log.
func (h *Handlers) publishRunStateChanged(runID string, to store.RunStatus, extra map[string]interface{}) {
	data := map[string]interface{}{
		"run_id": runID,
		"to":     string(to),
	}
	for k, v := range extra {
		data[k] = v
	}
	h.bus.Publish(events.EventRunStateChanged, data)
}
