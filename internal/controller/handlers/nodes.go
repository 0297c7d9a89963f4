package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"runplane/internal/auth"
	"runplane/internal/controller/middleware"
	"runplane/internal/events"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// RegisterNode handles POST /nodes.
// It mints the node's API key, stores only its hash, and returns the raw
// key exactly once.
func (h *Handlers) RegisterNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.NodeID == "" {
		h.httpError(w, "NodeID is required", http.StatusBadRequest)
		return
	}
	if req.Capacity.Slots < 1 {
		h.httpError(w, "Capacity must declare at least one slot", http.StatusBadRequest)
		return
	}

	apiKey, err := auth.GenerateKey()
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	node := &store.Node{
		ID:             req.NodeID,
		Region:         req.Metadata.Region,
		Labels:         req.Metadata.Labels,
		Slots:          req.Capacity.Slots,
		CPUMillis:      req.Capacity.CPUMillis,
		MemoryMB:       req.Capacity.MemoryMB,
		State:          store.NodeStateActive,
		AvailableSlots: req.Capacity.Slots,
		HeartbeatAt:    now,
		RegisteredAt:   now,
	}

	if err := h.store.RegisterNode(ctx, node, auth.HashKey(apiKey)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.httpError(w, "Node id already registered", http.StatusConflict)
			return
		}
		h.httpError(w, "Failed to register node", http.StatusInternalServerError)
		return
	}

	h.bus.Publish(events.EventNodeRegistered, map[string]interface{}{
		"node_id": node.ID,
		"region":  node.Region,
		"slots":   node.Slots,
	})

	h.respondJson(w, http.StatusCreated, api.RegisterNodeResponse{
		NodeID:                   node.ID,
		APIKey:                   apiKey,
		HeartbeatIntervalSeconds: int(h.cfg.HeartbeatTimeout.Seconds() / 3),
	})
}

// NodeHeartbeat handles PUT /nodes/{id}/heartbeat.
// The reported figures are advisory; capacity is always recomputed from
// the lease table. A node that was marked disconnected rejoins the fleet
// here, last write wins.
func (h *Handlers) NodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	node, ok := middleware.NodeFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if r.PathValue("id") != node.ID {
		h.httpError(w, "Node id mismatch", http.StatusForbidden)
		return
	}

	var req api.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	state := node.State
	switch req.State {
	case "":
		// Keep the stored state; rejoin below if we fell off the fleet.
	case api.NodeStateActive:
		state = store.NodeStateActive
	case api.NodeStateDraining:
		state = store.NodeStateDraining
	default:
		h.httpError(w, "Invalid node state", http.StatusBadRequest)
		return
	}
	if state == store.NodeStateDisconnected {
		state = store.NodeStateActive
	}

	if err := h.store.Heartbeat(ctx, node.ID, state, req.ActiveRuns, req.AvailableSlots); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Node not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to record heartbeat", http.StatusInternalServerError)
		return
	}

	h.bus.Publish(events.EventNodeHeartbeat, map[string]interface{}{
		"node_id":     node.ID,
		"state":       string(state),
		"active_runs": req.ActiveRuns,
	})

	h.respondJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DisconnectNode handles DELETE /nodes/{id}.
// With ?drain=true the node stops receiving new leases but keeps its
// outstanding ones; without it the node leaves the fleet immediately and
// every lease it held is reclaimed.
func (h *Handlers) DisconnectNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	node, ok := middleware.NodeFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if r.PathValue("id") != node.ID {
		h.httpError(w, "Node id mismatch", http.StatusForbidden)
		return
	}

	if r.URL.Query().Get("drain") == "true" {
		if err := h.store.SetNodeState(ctx, node.ID, store.NodeStateDraining); err != nil {
			h.httpError(w, "Failed to drain node", http.StatusInternalServerError)
			return
		}
		h.respondJson(w, http.StatusOK, map[string]string{"status": string(store.NodeStateDraining)})
		return
	}

	if err := h.store.SetNodeState(ctx, node.ID, store.NodeStateDisconnected); err != nil {
		h.httpError(w, "Failed to disconnect node", http.StatusInternalServerError)
		return
	}

	reclaims, err := h.store.ReclaimNodeLeases(ctx, node.ID, h.cfg.MaxDeliveryCount)
	if err != nil {
		h.httpError(w, "Failed to reclaim leases", http.StatusInternalServerError)
		return
	}
	for _, reclaim := range reclaims {
		h.recordReclaim(ctx, reclaim, "node_deregistered")
	}

	h.bus.Publish(events.EventNodeDisconnected, map[string]interface{}{
		"node_id": node.ID,
		"reason":  "deregistered",
	})

	h.respondJson(w, http.StatusOK, map[string]string{"status": string(store.NodeStateDisconnected)})
}

// ListNodes handles GET /nodes.
// Free slots come from the lease table, not from the nodes' self-reports.
func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	nodes, err := h.store.ListNodes(ctx)
	if err != nil {
		h.httpError(w, "Failed to list nodes", http.StatusInternalServerError)
		return
	}

	resp := api.ListNodesResponse{Nodes: make([]api.NodeResponse, 0, len(nodes))}
	for _, node := range nodes {
		resp.Nodes = append(resp.Nodes, nodeResponse(node))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// recordReclaim accounts for one reclaimed lease and announces where its
// run ended up, mirroring what the sweeper does on expiry.
func (h *Handlers) recordReclaim(ctx context.Context, reclaim store.LeaseReclaim, reason string) {
	h.metrics.LeasesReleased.Add(ctx, 1)
	switch reclaim.RunStatus {
	case store.RunStatusFailed:
		h.metrics.RunsFailed.Add(ctx, 1)
	case store.RunStatusCancelled:
		h.metrics.RunsCancelled.Add(ctx, 1)
	}

	h.publishRunStateChanged(reclaim.Lease.RunID.String(), reclaim.RunStatus, map[string]interface{}{
		"lease_id":         reclaim.Lease.ID.String(),
		"delivery_attempt": reclaim.Lease.DeliveryAttempt,
		"reason":           reason,
	})
}

// nodeResponse converts a stored node to its wire representation.
func nodeResponse(node store.SchedulableNode) api.NodeResponse {
	return api.NodeResponse{
		ID:    node.ID,
		State: string(node.State),
		Metadata: api.NodeMetadata{
			Region: node.Region,
			Labels: node.Labels,
		},
		Capacity: api.NodeCapacity{
			Slots:     node.Slots,
			CPUMillis: node.CPUMillis,
			MemoryMB:  node.MemoryMB,
		},
		OutstandingLeases: node.OutstandingLeases,
		FreeSlots:         node.FreeSlots(),
		HeartbeatAt:       node.HeartbeatAt,
		RegisteredAt:      node.RegisteredAt,
	}
}
