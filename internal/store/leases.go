package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LeaseStore defines the lease table operations. The lease table is the
// work queue of the system: granting consumes a pending run, resolution
// or expiry releases the node's slot. Implementations must enforce at
// most one outstanding lease per run via an atomic uniqueness check, and
// every mutation must be conditional on the expected lease state so that
// concurrent control-plane instances serialize through the store.
type LeaseStore interface {
	// GrantLease atomically transitions the run from pending to
	// scheduled, increments its delivery attempt and inserts a granted
	// lease bound to nodeID. Returns ErrStaleState if the run is no
	// longer pending and ErrConflict if an outstanding lease already
	// exists for it.
	GrantLease(ctx context.Context, runID uuid.UUID, nodeID string, deadline time.Time) (*Lease, error)

	// GetLeaseByID returns a lease by its ID.
	GetLeaseByID(ctx context.Context, id uuid.UUID) (*Lease, error)

	// ListNodeLeases returns this node's leases in the given states,
	// oldest grant first. Used to re-deliver still-granted leases when a
	// node reconnects its pull stream.
	ListNodeLeases(ctx context.Context, nodeID string, states []LeaseState) ([]*Lease, error)

	// AckLease transitions the lease from granted to acknowledged, the
	// run from scheduled to running, and extends the visibility deadline.
	// Returns ErrNotFound, ErrNodeMismatch, ErrStaleState (lease not
	// granted), or ErrRunCancelled (cancellation was requested; the lease
	// has been expired and the run cancelled).
	AckLease(ctx context.Context, leaseID uuid.UUID, nodeID string, deadline time.Time) (*Lease, error)

	// CompleteLease resolves the lease and run as completed and persists
	// the result. Valid only from an acknowledged lease on a running run.
	// Returns ErrAlreadyResolved when the same completion is re-delivered
	// (no side effects re-applied), ErrRunCancelled when cancellation was
	// requested before the touch, and ErrStaleState or ErrConflict for
	// other mismatches.
	CompleteLease(ctx context.Context, leaseID, runID uuid.UUID, nodeID string, res *RunResolution) error

	// FailLease resolves the lease as failed. With retryable true and
	// delivery attempts below maxAttempts the run returns to pending,
	// otherwise it dead-letters as failed with the error info persisted.
	// The returned flag reports whether the run will be retried.
	FailLease(ctx context.Context, leaseID, runID uuid.UUID, nodeID string, res *RunResolution, retryable bool, maxAttempts int) (shouldRetry bool, err error)

	// ListDueLeases returns outstanding leases whose visibility deadline
	// passed before now, oldest deadline first.
	ListDueLeases(ctx context.Context, now time.Time, limit int) ([]*Lease, error)

	// ExpireLease reclaims one overdue lease: lease to expired, run back
	// to pending while attempts remain, dead-lettered to failed
	// otherwise, cancelled if cancellation was requested. Conditional on
	// the lease still being outstanding with its deadline passed; losers
	// get ErrStaleState.
	ExpireLease(ctx context.Context, leaseID uuid.UUID, maxAttempts int) (*LeaseReclaim, error)

	// ReclaimNodeLeases expires every outstanding lease bound to the
	// node, deadline or not. Used when a node disconnects or is drained
	// off the fleet.
	ReclaimNodeLeases(ctx context.Context, nodeID string, maxAttempts int) ([]LeaseReclaim, error)

	// CountOutstandingLeases returns the number of granted or
	// acknowledged leases bound to the node.
	CountOutstandingLeases(ctx context.Context, nodeID string) (int64, error)
}

// LeaseReclaim reports where a reclaimed lease's run ended up: pending
// for another attempt, failed when attempts were exhausted, cancelled
// when cancellation was pending.
type LeaseReclaim struct {
	Lease     Lease
	RunStatus RunStatus
}
