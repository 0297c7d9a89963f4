package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"runplane/internal/store"
	"runplane/pkg/api"

	"github.com/google/uuid"
)

// CreateDeployment handles POST /deployments.
// A deployment carries the placement constraints honored when matching
// a run to a node.
func (h *Handlers) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.AgentID == "" {
		h.httpError(w, "AgentID is required", http.StatusBadRequest)
		return
	}
	if req.Replicas < 0 {
		h.httpError(w, "Replicas cannot be negative", http.StatusBadRequest)
		return
	}

	deployment := &store.Deployment{
		ID:        uuid.New(),
		AgentID:   req.AgentID,
		Version:   req.Version,
		Env:       req.Env,
		Replicas:  req.Replicas,
		Regions:   req.Placement.Regions,
		Labels:    req.Placement.Labels,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.CreateDeployment(ctx, nil, deployment); err != nil {
		h.httpError(w, "Failed to create deployment", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.CreateDeploymentResponse{
		DeploymentID: deployment.ID.String(),
	})
}

// GetDeployment handles GET /deployments/{id}.
func (h *Handlers) GetDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deploymentID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid deployment id", http.StatusBadRequest)
		return
	}

	deployment, err := h.store.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Deployment not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to fetch deployment", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.DeploymentResponse{
		ID:       deployment.ID.String(),
		AgentID:  deployment.AgentID,
		Version:  deployment.Version,
		Env:      deployment.Env,
		Replicas: deployment.Replicas,
		Placement: api.PlacementTarget{
			Regions: deployment.Regions,
			Labels:  deployment.Labels,
		},
		CreatedAt: deployment.CreatedAt,
	})
}
