package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"runplane/internal/store"
	"runplane/pkg/api"

	"github.com/google/uuid"
)

// SubmitRun handles POST /runs.
// It records a new run in pending state and wakes the pull streams so an
// idle node can pick it up without waiting for the next poll tick.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.AgentID == "" || req.InputRef == "" {
		h.httpError(w, "AgentID and InputRef are required", http.StatusBadRequest)
		return
	}

	var deploymentID *uuid.UUID
	if req.DeploymentID != nil && *req.DeploymentID != "" {
		id, err := uuid.Parse(*req.DeploymentID)
		if err != nil {
			h.httpError(w, "Invalid deployment id", http.StatusBadRequest)
			return
		}
		if _, err := h.store.GetDeploymentByID(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				h.httpError(w, "Related deployment not found", http.StatusNotFound)
				return
			}
			h.httpError(w, "Failed to look up deployment", http.StatusInternalServerError)
			return
		}
		deploymentID = &id
	}

	run := &store.Run{
		ID:           uuid.New(),
		AgentID:      req.AgentID,
		Version:      req.Version,
		DeploymentID: deploymentID,
		InputRef:     req.InputRef,
		Status:       store.RunStatusPending,
		TraceID:      req.TraceID,
		CreatedAt:    time.Now().UTC(),
	}

	if err := h.store.CreateRun(ctx, nil, run); err != nil {
		h.httpError(w, "Failed to create run", http.StatusInternalServerError)
		return
	}

	h.publishRunStateChanged(run.ID.String(), store.RunStatusPending, map[string]interface{}{
		"agent_id": run.AgentID,
	})

	h.respondJson(w, http.StatusOK, api.SubmitRunResponse{RunID: run.ID.String()})
}

// GetRun handles GET /runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	run, err := h.store.GetRunByID(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Run not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to fetch run", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, runResponse(run))
}

// ListRuns handles GET /runs.
// Supports ?status=, ?agent= and ?limit= filters; ?status=failed is the
// dead-letter listing.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := store.RunFilter{
		AgentID: r.URL.Query().Get("agent"),
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := store.RunStatus(raw)
		switch status {
		case store.RunStatusPending, store.RunStatusScheduled, store.RunStatusRunning,
			store.RunStatusCompleted, store.RunStatusFailed, store.RunStatusCancelled:
			filter.Status = status
		default:
			h.httpError(w, "Invalid status filter", http.StatusBadRequest)
			return
		}
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	runs, err := h.store.ListRuns(ctx, filter)
	if err != nil {
		h.httpError(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}

	resp := api.ListRunsResponse{Runs: make([]api.RunResponse, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runResponse(run))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// CancelRun handles POST /runs/{id}/cancel.
// A pending run is cancelled on the spot. A scheduled run only has the
// request recorded; the outstanding lease is rejected on its next touch,
// so the response reports the current status alongside the flag.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	run, err := h.store.RequestCancel(ctx, runID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.httpError(w, "Run not found", http.StatusNotFound)
		case errors.Is(err, store.ErrInvalidTransition):
			h.httpError(w, "Run cannot be cancelled in its current status", http.StatusConflict)
		default:
			h.httpError(w, "Failed to cancel run", http.StatusInternalServerError)
		}
		return
	}

	if run.Status == store.RunStatusCancelled {
		h.metrics.RunsCancelled.Add(ctx, 1)
		h.publishRunStateChanged(run.ID.String(), store.RunStatusCancelled, map[string]interface{}{
			"reason": "cancel_requested",
		})
	}

	h.respondJson(w, http.StatusOK, api.CancelRunResponse{
		RunID:           run.ID.String(),
		Status:          string(run.Status),
		CancelRequested: run.CancelRequested,
	})
}

// RetryRun handles POST /runs/{id}/retry.
// It clones a dead-lettered run back onto the queue as a fresh pending
// run. Each failed run can be resubmitted at most once.
func (h *Handlers) RetryRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	retry, err := h.store.RetryRun(ctx, runID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.httpError(w, "Run not found", http.StatusNotFound)
		case errors.Is(err, store.ErrInvalidTransition):
			h.httpError(w, "Only failed runs can be retried", http.StatusConflict)
		case errors.Is(err, store.ErrConflict):
			h.httpError(w, "Run has already been retried", http.StatusConflict)
		default:
			h.httpError(w, "Failed to retry run", http.StatusInternalServerError)
		}
		return
	}

	h.publishRunStateChanged(retry.ID.String(), store.RunStatusPending, map[string]interface{}{
		"retried_from": runID.String(),
	})

	h.respondJson(w, http.StatusOK, api.RetryRunResponse{NewRunID: retry.ID.String()})
}

// runResponse converts a stored run to its wire representation.
func runResponse(run *store.Run) api.RunResponse {
	resp := api.RunResponse{
		ID:               run.ID.String(),
		AgentID:          run.AgentID,
		Version:          run.Version,
		NodeID:           run.NodeID,
		InputRef:         run.InputRef,
		Status:           string(run.Status),
		DeliveryAttempts: run.DeliveryAttempts,
		Result:           run.Result,
		TraceID:          run.TraceID,
		CreatedAt:        run.CreatedAt,
		ScheduledAt:      run.ScheduledAt,
		StartedAt:        run.StartedAt,
		FinishedAt:       run.FinishedAt,
	}

	if run.DeploymentID != nil {
		id := run.DeploymentID.String()
		resp.DeploymentID = &id
	}
	if run.RetriedFrom != nil {
		id := run.RetriedFrom.String()
		resp.RetriedFrom = &id
	}
	if run.QueuedMillis != nil || run.RunningMillis != nil {
		timings := &api.RunTimings{}
		if run.QueuedMillis != nil {
			timings.QueuedMillis = *run.QueuedMillis
		}
		if run.RunningMillis != nil {
			timings.RunningMillis = *run.RunningMillis
		}
		resp.Timings = timings
	}
	if run.InputTokens != nil || run.OutputTokens != nil || run.CostUSD != nil {
		costs := &api.RunCosts{}
		if run.InputTokens != nil {
			costs.InputTokens = *run.InputTokens
		}
		if run.OutputTokens != nil {
			costs.OutputTokens = *run.OutputTokens
		}
		if run.CostUSD != nil {
			costs.USD = *run.CostUSD
		}
		resp.Costs = costs
	}
	if run.ErrorMessage != nil {
		resp.Error = &api.RunError{
			Message: *run.ErrorMessage,
			Details: run.ErrorDetails,
		}
	}
	return resp
}
