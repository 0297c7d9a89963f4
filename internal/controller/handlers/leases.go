package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"runplane/internal/controller/middleware"
	"runplane/internal/events"
	"runplane/internal/store"
	"runplane/pkg/api"

	"github.com/google/uuid"
)

// PullLeases handles POST /internal/leases/pull.
// It holds the connection open and streams lease grants to the node as
// NDJSON, one LeaseMessage per line. New work is pushed as soon as a run
// state change wakes the stream; a poll tick covers anything missed.
//
// Tearing the stream down never touches lease state: grants the node
// already received stay outstanding and come back through the sweeper if
// the node never resolves them.
func (h *Handlers) PullLeases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	node, ok := middleware.NodeFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" || req.MaxLeases < 1 {
		h.httpError(w, "NodeID and MaxLeases are required", http.StatusBadRequest)
		return
	}
	if req.NodeID != node.ID {
		h.httpError(w, "Node id mismatch", http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.httpError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Wake on run state changes so a fresh submission reaches an idle
	// node before the next poll tick. Subscribed before the headers go
	// out, so a connected node never misses the wake.
	wake := make(chan struct{}, 1)
	unsubscribe := h.bus.Subscribe(events.EventRunStateChanged, func(events.Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	sent := make(map[uuid.UUID]bool)

	ticker := time.NewTicker(h.cfg.PullPollInterval)
	defer ticker.Stop()

	for {
		if err := h.pushLeases(ctx, enc, flusher, node.ID, req.MaxLeases, sent); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// pushLeases performs one stream pass: re-deliver grants the node never
// acknowledged, then top up to the stream's lease budget.
func (h *Handlers) pushLeases(ctx context.Context, enc *json.Encoder, flusher http.Flusher, nodeID string, maxLeases int, sent map[uuid.UUID]bool) error {
	node, err := h.store.GetNodeByID(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.State == store.NodeStateDisconnected {
		return fmt.Errorf("node %s is disconnected", nodeID)
	}

	granted, err := h.store.ListNodeLeases(ctx, nodeID, []store.LeaseState{store.LeaseStateGranted})
	if err != nil {
		return err
	}
	for _, lease := range granted {
		if sent[lease.ID] {
			continue
		}
		run, err := h.store.GetRunByID(ctx, lease.RunID)
		if err != nil {
			return err
		}
		if err := writeLease(enc, flusher, lease, run); err != nil {
			return err
		}
		sent[lease.ID] = true
	}

	outstanding, err := h.store.CountOutstandingLeases(ctx, nodeID)
	if err != nil {
		return err
	}
	want := maxLeases - int(outstanding)
	if want <= 0 {
		return nil
	}

	grants, err := h.scheduler.GrantForNode(ctx, node, want)
	if err != nil {
		return err
	}
	for _, grant := range grants {
		if err := writeLease(enc, flusher, grant.Lease, grant.Run); err != nil {
			return err
		}
		sent[grant.Lease.ID] = true
	}
	return nil
}

func writeLease(enc *json.Encoder, flusher http.Flusher, lease *store.Lease, run *store.Run) error {
	msg := api.LeaseMessage{
		LeaseID:            lease.ID.String(),
		RunID:              lease.RunID.String(),
		AgentID:            run.AgentID,
		Version:            run.Version,
		PayloadRef:         run.InputRef,
		DeliveryAttempt:    lease.DeliveryAttempt,
		VisibilityDeadline: lease.VisibilityDeadline,
		CreatedAt:          run.CreatedAt,
	}
	if err := enc.Encode(&msg); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// AckLease handles POST /internal/leases/{id}/ack.
// The new visibility deadline is computed from the controller clock;
// the timestamp in the request body is never trusted.
func (h *Handlers) AckLease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	node, ok := middleware.NodeFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	leaseID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid lease id", http.StatusBadRequest)
		return
	}

	var req api.AckLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID != "" && req.NodeID != node.ID {
		h.httpError(w, "Node id mismatch", http.StatusForbidden)
		return
	}

	deadline := time.Now().UTC().Add(h.cfg.VisibilityWindow)
	lease, err := h.store.AckLease(ctx, leaseID, node.ID, deadline)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.httpError(w, "Lease not found", http.StatusNotFound)
		case errors.Is(err, store.ErrNodeMismatch):
			h.httpError(w, "Lease belongs to another node", http.StatusForbidden)
		case errors.Is(err, store.ErrRunCancelled):
			if lease, lookupErr := h.store.GetLeaseByID(ctx, leaseID); lookupErr == nil {
				h.recordCancelEnforced(ctx, leaseID, lease.RunID.String())
			}
			h.httpErrorCoded(w, "Run was cancelled", "run_cancelled", http.StatusConflict)
		case errors.Is(err, store.ErrStaleState):
			h.httpError(w, "Lease is not awaiting acknowledgement", http.StatusConflict)
		default:
			h.httpError(w, "Failed to acknowledge lease", http.StatusInternalServerError)
		}
		return
	}

	h.metrics.RunsStarted.Add(ctx, 1)
	h.publishRunStateChanged(lease.RunID.String(), store.RunStatusRunning, map[string]interface{}{
		"lease_id": lease.ID.String(),
		"node_id":  node.ID,
	})

	h.respondJson(w, http.StatusOK, api.LeaseResolutionResponse{Success: true})
}

// CompleteLease handles POST /internal/leases/{id}/complete.
// Re-delivery of a completion that was already applied is reported as a
// plain success so node-side retries stay idempotent.
func (h *Handlers) CompleteLease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	node, ok := middleware.NodeFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	leaseID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid lease id", http.StatusBadRequest)
		return
	}

	var req api.CompleteLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	runID, err := uuid.Parse(req.RunID)
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}
	if req.NodeID != "" && req.NodeID != node.ID {
		h.httpError(w, "Node id mismatch", http.StatusForbidden)
		return
	}

	res := &store.RunResolution{
		Result:        req.Result,
		QueuedMillis:  req.Timings.QueuedMillis,
		RunningMillis: req.Timings.RunningMillis,
		InputTokens:   req.Costs.InputTokens,
		OutputTokens:  req.Costs.OutputTokens,
		CostUSD:       req.Costs.USD,
	}

	if err := h.store.CompleteLease(ctx, leaseID, runID, node.ID, res); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyResolved):
			h.respondJson(w, http.StatusOK, api.LeaseResolutionResponse{
				Success: true,
				Message: "Run already completed",
			})
		case errors.Is(err, store.ErrNotFound):
			h.httpError(w, "Lease not found", http.StatusNotFound)
		case errors.Is(err, store.ErrNodeMismatch):
			h.httpError(w, "Lease belongs to another node", http.StatusForbidden)
		case errors.Is(err, store.ErrRunCancelled):
			h.recordCancelEnforced(ctx, leaseID, req.RunID)
			h.httpErrorCoded(w, "Run was cancelled", "run_cancelled", http.StatusConflict)
		case errors.Is(err, store.ErrStaleState), errors.Is(err, store.ErrConflict):
			h.httpError(w, "Lease cannot complete from its current state", http.StatusConflict)
		default:
			h.httpError(w, "Failed to complete lease", http.StatusInternalServerError)
		}
		return
	}

	h.metrics.LeasesReleased.Add(ctx, 1)
	h.metrics.RunsCompleted.Add(ctx, 1)
	if run, err := h.store.GetRunByID(ctx, runID); err == nil && run.FinishedAt != nil {
		h.metrics.RunDuration.Record(ctx, run.FinishedAt.Sub(run.CreatedAt).Seconds())
	}

	h.publishRunStateChanged(req.RunID, store.RunStatusCompleted, map[string]interface{}{
		"lease_id": leaseID.String(),
		"node_id":  node.ID,
	})

	h.respondJson(w, http.StatusOK, api.LeaseResolutionResponse{Success: true})
}

// FailLease handles POST /internal/leases/{id}/fail.
// A retryable failure with delivery attempts to spare puts the run back
// on the queue; otherwise it dead-letters. ShouldRetry in the response
// tells the node whether the controller will redeliver, so re-delivered
// failure reports answer with the run's current fate.
func (h *Handlers) FailLease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	node, ok := middleware.NodeFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	leaseID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid lease id", http.StatusBadRequest)
		return
	}

	var req api.FailLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	runID, err := uuid.Parse(req.RunID)
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}
	if req.NodeID != "" && req.NodeID != node.ID {
		h.httpError(w, "Node id mismatch", http.StatusForbidden)
		return
	}

	res := &store.RunResolution{
		ErrorMessage:  req.ErrorMessage,
		ErrorDetails:  req.ErrorDetails,
		QueuedMillis:  req.Timings.QueuedMillis,
		RunningMillis: req.Timings.RunningMillis,
	}

	shouldRetry, err := h.store.FailLease(ctx, leaseID, runID, node.ID, res, req.Retryable, h.cfg.MaxDeliveryCount)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyResolved):
			h.respondJson(w, http.StatusOK, api.FailLeaseResponse{
				Success:     true,
				Message:     "Failure already recorded",
				ShouldRetry: shouldRetry,
			})
		case errors.Is(err, store.ErrNotFound):
			h.httpError(w, "Lease not found", http.StatusNotFound)
		case errors.Is(err, store.ErrNodeMismatch):
			h.httpError(w, "Lease belongs to another node", http.StatusForbidden)
		case errors.Is(err, store.ErrRunCancelled):
			h.recordCancelEnforced(ctx, leaseID, req.RunID)
			h.httpErrorCoded(w, "Run was cancelled", "run_cancelled", http.StatusConflict)
		case errors.Is(err, store.ErrStaleState), errors.Is(err, store.ErrConflict):
			h.httpError(w, "Lease cannot fail from its current state", http.StatusConflict)
		default:
			h.httpError(w, "Failed to record failure", http.StatusInternalServerError)
		}
		return
	}

	h.metrics.LeasesReleased.Add(ctx, 1)
	status := store.RunStatusPending
	if !shouldRetry {
		status = store.RunStatusFailed
		h.metrics.RunsFailed.Add(ctx, 1)
	}

	h.publishRunStateChanged(req.RunID, status, map[string]interface{}{
		"lease_id":     leaseID.String(),
		"node_id":      node.ID,
		"should_retry": shouldRetry,
	})

	h.respondJson(w, http.StatusOK, api.FailLeaseResponse{Success: true, ShouldRetry: shouldRetry})
}

// recordCancelEnforced accounts for a lease rejected because its run had
// a pending cancellation; the store already expired the lease and
// cancelled the run by the time this runs.
func (h *Handlers) recordCancelEnforced(ctx context.Context, leaseID uuid.UUID, runID string) {
	h.metrics.LeasesReleased.Add(ctx, 1)
	h.metrics.RunsCancelled.Add(ctx, 1)
	h.publishRunStateChanged(runID, store.RunStatusCancelled, map[string]interface{}{
		"lease_id": leaseID.String(),
		"reason":   "cancel_requested",
	})
}
