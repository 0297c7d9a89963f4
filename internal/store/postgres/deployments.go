package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"runplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CreateDeployment inserts a new deployment row.
// Regions are stored as a text array, labels as JSON.
func (s *Store) CreateDeployment(ctx context.Context, tx store.DBTransaction, deployment *store.Deployment) error {
	executor := s.getExecutor(tx)

	labels, err := json.Marshal(deployment.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels for deployment %s: %w", deployment.ID, err)
	}

	query := `
		INSERT INTO deployments (id, agent_id, version, env, replicas, regions, labels, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = executor.ExecContext(ctx, query,
		deployment.ID,
		deployment.AgentID,
		deployment.Version,
		deployment.Env,
		deployment.Replicas,
		pq.Array(deployment.Regions),
		labels,
		deployment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment %s: %w", deployment.ID, err)
	}
	return nil
}

func (s *Store) GetDeploymentByID(ctx context.Context, id uuid.UUID) (*store.Deployment, error) {
	query := "SELECT id, agent_id, version, env, replicas, regions, labels, created_at FROM deployments WHERE id = $1"

	var d store.Deployment
	var labels []byte

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.AgentID, &d.Version, &d.Env, &d.Replicas,
		pq.Array(&d.Regions), &labels, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment %s: %w", id, err)
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &d.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels for deployment %s: %w", id, err)
		}
	}

	return &d, nil
}
