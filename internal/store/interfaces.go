package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// RunFilter narrows ListRuns. Zero values mean no constraint.
type RunFilter struct {
	Status  RunStatus
	AgentID string
	Limit   int
}

// RunStore handles the persistence of runs and their state transitions.
// Every transition is a conditional write: the update names the status it
// expects to find, and a zero-row result surfaces as ErrStaleState so
// concurrent control-plane instances never clobber each other.
type RunStore interface {
	// CreateRun inserts a new run in pending state.
	CreateRun(ctx context.Context, tx DBTransaction, run *Run) error

	// GetRunByID returns a run by its ID.
	GetRunByID(ctx context.Context, id uuid.UUID) (*Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ListPendingRuns returns pending runs in scheduling order:
	// created_at ascending, run ID as the deterministic tie-break.
	ListPendingRuns(ctx context.Context, limit int) ([]*Run, error)

	// RequestCancel cancels a run and returns it after the update. A
	// pending run transitions directly to cancelled. A scheduled run has
	// cancellation recorded durably; its outstanding lease is rejected on
	// next touch. Cancelling an already-cancelled run is an idempotent
	// no-op; completed, failed and running runs return
	// ErrInvalidTransition.
	RequestCancel(ctx context.Context, id uuid.UUID) (*Run, error)

	// RetryRun resubmits a dead-lettered run as a fresh pending run
	// linked to the original through RetriedFrom. Only failed runs can be
	// retried, and each at most once; a second retry returns ErrConflict.
	RetryRun(ctx context.Context, id uuid.UUID) (*Run, error)

	// CountRunsByStatus returns the number of runs per status.
	CountRunsByStatus(ctx context.Context) (map[RunStatus]int64, error)
}

// DeploymentStore handles the persistence of deployments, which supply
// the placement constraints honored during lease matching.
type DeploymentStore interface {
	// CreateDeployment inserts a new deployment.
	CreateDeployment(ctx context.Context, tx DBTransaction, deployment *Deployment) error

	// GetDeploymentByID returns a deployment by its ID.
	GetDeploymentByID(ctx context.Context, id uuid.UUID) (*Deployment, error)
}

// NodeStore handles node registration, heartbeats and fleet state.
type NodeStore interface {
	// RegisterNode inserts a new node with its API key hash.
	// Returns ErrConflict if the node ID is already registered.
	RegisterNode(ctx context.Context, node *Node, keyHash string) error

	// GetNodeByID returns a node by its ID.
	GetNodeByID(ctx context.Context, id string) (*Node, error)

	// GetNodeByAPIKeyHash returns a node by its API key hash.
	GetNodeByAPIKeyHash(ctx context.Context, hash string) (*Node, error)

	// Heartbeat records a node's liveness and advisory self-report.
	Heartbeat(ctx context.Context, id string, state NodeState, activeRuns, availableSlots int) error

	// SetNodeState moves a node between active, draining and
	// disconnected. Releasing the node's leases is the caller's job.
	SetNodeState(ctx context.Context, id string, state NodeState) error

	// MarkStaleNodesDisconnected transitions every active or draining
	// node whose last heartbeat is older than cutoff to disconnected and
	// returns their IDs so the caller can reclaim their leases.
	MarkStaleNodesDisconnected(ctx context.Context, cutoff time.Time) ([]string, error)

	// ListNodes returns all nodes joined with their authoritative
	// outstanding-lease counts.
	ListNodes(ctx context.Context) ([]SchedulableNode, error)

	// ListSchedulableNodes returns active nodes joined with their
	// outstanding-lease counts, for lease matching.
	ListSchedulableNodes(ctx context.Context) ([]SchedulableNode, error)

	// CountNodesByState returns the number of nodes per state.
	CountNodesByState(ctx context.Context) (map[NodeState]int64, error)

	// TotalFreeSlots returns the fleet-wide free slot count: the sum over
	// active nodes of declared slots minus outstanding leases.
	TotalFreeSlots(ctx context.Context) (int64, error)
}
