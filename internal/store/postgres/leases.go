package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"runplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const leaseColumns = `id, run_id, node_id, state, delivery_attempt, granted_at, visibility_deadline, resolved_at`

func scanLease(row rowScanner) (*store.Lease, error) {
	var lease store.Lease
	err := row.Scan(
		&lease.ID, &lease.RunID, &lease.NodeID, &lease.State,
		&lease.DeliveryAttempt, &lease.GrantedAt, &lease.VisibilityDeadline,
		&lease.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

// GrantLease atomically moves the run from pending to scheduled,
// increments its delivery attempt and inserts a granted lease. The run
// update is conditional on status = pending, and the partial unique
// index on outstanding leases rejects a double grant, so concurrent
// granters serialize here: exactly one wins, the rest observe
// ErrStaleState or ErrConflict and move on.
func (s *Store) GrantLease(ctx context.Context, runID uuid.UUID, nodeID string, deadline time.Time) (*store.Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var attempt int
	err = tx.QueryRowContext(ctx, `
		UPDATE runs
		SET status = $1, delivery_attempts = delivery_attempts + 1,
		    node_id = $2, scheduled_at = NOW()
		WHERE id = $3 AND status = $4
		RETURNING delivery_attempts
	`, store.RunStatusScheduled, nodeID, runID, store.RunStatusPending).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s no longer pending: %w", runID, store.ErrStaleState)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to schedule run %s: %w", runID, err)
	}

	lease := &store.Lease{
		ID:                 uuid.New(),
		RunID:              runID,
		NodeID:             nodeID,
		State:              store.LeaseStateGranted,
		DeliveryAttempt:    attempt,
		GrantedAt:          time.Now().UTC(),
		VisibilityDeadline: deadline,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (id, run_id, node_id, state, delivery_attempt, granted_at, visibility_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, lease.ID, lease.RunID, lease.NodeID, lease.State,
		lease.DeliveryAttempt, lease.GrantedAt, lease.VisibilityDeadline)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("run %s already has an outstanding lease: %w", runID, store.ErrConflict)
		}
		return nil, fmt.Errorf("failed to insert lease for run %s: %w", runID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return lease, nil
}

// GetLeaseByID returns a lease by its ID.
func (s *Store) GetLeaseByID(ctx context.Context, id uuid.UUID) (*store.Lease, error) {
	query := fmt.Sprintf("SELECT %s FROM leases WHERE id = $1", leaseColumns)

	lease, err := scanLease(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", id, err)
	}
	return lease, nil
}

// ListNodeLeases returns this node's leases in the given states, oldest
// grant first.
func (s *Store) ListNodeLeases(ctx context.Context, nodeID string, states []store.LeaseState) ([]*store.Lease, error) {
	stateStrs := make([]string, len(states))
	for i, st := range states {
		stateStrs[i] = string(st)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM leases
		WHERE node_id = $1 AND state = ANY($2)
		ORDER BY granted_at ASC
	`, leaseColumns)

	rows, err := s.db.QueryContext(ctx, query, nodeID, pq.Array(stateStrs))
	if err != nil {
		return nil, fmt.Errorf("failed to list leases for node %s: %w", nodeID, err)
	}
	defer rows.Close()

	var leases []*store.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}

// lockLease loads a lease row under FOR UPDATE and checks the node
// binding. Lock order everywhere is lease row first, run row second.
func lockLease(ctx context.Context, tx store.DBTransaction, leaseID uuid.UUID, nodeID string) (*store.Lease, error) {
	query := fmt.Sprintf("SELECT %s FROM leases WHERE id = $1 FOR UPDATE", leaseColumns)

	lease, err := scanLease(tx.QueryRowContext(ctx, query, leaseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", leaseID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock lease %s: %w", leaseID, err)
	}
	if nodeID != "" && lease.NodeID != nodeID {
		return nil, fmt.Errorf("lease %s: %w", leaseID, store.ErrNodeMismatch)
	}
	return lease, nil
}

// lockRunState loads a run's status, cancellation flag and attempt count
// under FOR UPDATE.
func lockRunState(ctx context.Context, tx store.DBTransaction, runID uuid.UUID) (store.RunStatus, bool, int, error) {
	var status store.RunStatus
	var cancelRequested bool
	var attempts int
	err := tx.QueryRowContext(ctx,
		"SELECT status, cancel_requested, delivery_attempts FROM runs WHERE id = $1 FOR UPDATE",
		runID).Scan(&status, &cancelRequested, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, 0, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if err != nil {
		return "", false, 0, fmt.Errorf("failed to lock run %s: %w", runID, err)
	}
	return status, cancelRequested, attempts, nil
}

// enforceCancel invalidates an outstanding lease whose run had
// cancellation requested: the lease expires and the run lands in
// cancelled.
func enforceCancel(ctx context.Context, tx store.DBTransaction, leaseID, runID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE leases SET state = $1, resolved_at = NOW()
		WHERE id = $2 AND state IN ($3, $4)
	`, store.LeaseStateExpired, leaseID, store.LeaseStateGranted, store.LeaseStateAcknowledged)
	if err != nil {
		return fmt.Errorf("failed to expire lease %s for cancellation: %w", leaseID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET status = $1, node_id = NULL, finished_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`, store.RunStatusCancelled, runID, store.RunStatusScheduled, store.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}
	return nil
}

// AckLease transitions the lease from granted to acknowledged, the run
// from scheduled to running, and extends the visibility deadline.
func (s *Store) AckLease(ctx context.Context, leaseID uuid.UUID, nodeID string, deadline time.Time) (*store.Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lease, err := lockLease(ctx, tx, leaseID, nodeID)
	if err != nil {
		return nil, err
	}
	if lease.State != store.LeaseStateGranted {
		return nil, fmt.Errorf("lease %s is %s, not granted: %w", leaseID, lease.State, store.ErrStaleState)
	}

	_, cancelRequested, _, err := lockRunState(ctx, tx, lease.RunID)
	if err != nil {
		return nil, err
	}
	if cancelRequested {
		if err := enforceCancel(ctx, tx, leaseID, lease.RunID); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("run %s: %w", lease.RunID, store.ErrRunCancelled)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE leases SET state = $1, visibility_deadline = $2
		WHERE id = $3 AND state = $4
	`, store.LeaseStateAcknowledged, deadline, leaseID, store.LeaseStateGranted)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge lease %s: %w", leaseID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = $1, started_at = COALESCE(started_at, NOW())
		WHERE id = $2 AND status = $3
	`, store.RunStatusRunning, lease.RunID, store.RunStatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("failed to start run %s: %w", lease.RunID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("run %s not scheduled: %w", lease.RunID, store.ErrStaleState)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	lease.State = store.LeaseStateAcknowledged
	lease.VisibilityDeadline = deadline
	return lease, nil
}

// CompleteLease resolves an acknowledged lease and its running run as
// completed and persists the result. Re-delivery of the same completion
// returns ErrAlreadyResolved so callers can report a no-op success.
func (s *Store) CompleteLease(ctx context.Context, leaseID, runID uuid.UUID, nodeID string, res *store.RunResolution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lease, err := lockLease(ctx, tx, leaseID, nodeID)
	if err != nil {
		return err
	}
	if lease.RunID != runID {
		return fmt.Errorf("lease %s is bound to run %s, not %s: %w", leaseID, lease.RunID, runID, store.ErrConflict)
	}

	status, cancelRequested, _, err := lockRunState(ctx, tx, runID)
	if err != nil {
		return err
	}

	if lease.State.Outstanding() && cancelRequested {
		if err := enforceCancel(ctx, tx, leaseID, runID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return fmt.Errorf("run %s: %w", runID, store.ErrRunCancelled)
	}

	switch lease.State {
	case store.LeaseStateAcknowledged:
		// Normal path below.
	case store.LeaseStateGranted:
		return fmt.Errorf("lease %s completed without ack: %w", leaseID, store.ErrStaleState)
	case store.LeaseStateCompleted:
		if status == store.RunStatusCompleted {
			return fmt.Errorf("lease %s: %w", leaseID, store.ErrAlreadyResolved)
		}
		return fmt.Errorf("lease %s already completed but run is %s: %w", leaseID, status, store.ErrStaleState)
	default:
		return fmt.Errorf("lease %s is %s: %w", leaseID, lease.State, store.ErrStaleState)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE leases SET state = $1, resolved_at = NOW()
		WHERE id = $2 AND state = $3
	`, store.LeaseStateCompleted, leaseID, store.LeaseStateAcknowledged)
	if err != nil {
		return fmt.Errorf("failed to complete lease %s: %w", leaseID, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, result = $2, error_message = NULL, error_details = NULL,
		    queued_millis = $3, running_millis = $4, input_tokens = $5,
		    output_tokens = $6, cost_usd = $7, node_id = NULL, finished_at = NOW()
		WHERE id = $8 AND status = $9
	`, store.RunStatusCompleted, res.Result,
		res.QueuedMillis, res.RunningMillis, res.InputTokens, res.OutputTokens,
		res.CostUSD, runID, store.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", runID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not running: %w", runID, store.ErrStaleState)
	}

	return tx.Commit()
}

// FailLease resolves the lease as failed. With retryable true and
// attempts to spare the run goes back to pending; otherwise it
// dead-letters as failed with the error info persisted. The returned
// flag reports whether the run will be retried.
func (s *Store) FailLease(ctx context.Context, leaseID, runID uuid.UUID, nodeID string, res *store.RunResolution, retryable bool, maxAttempts int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	lease, err := lockLease(ctx, tx, leaseID, nodeID)
	if err != nil {
		return false, err
	}
	if lease.RunID != runID {
		return false, fmt.Errorf("lease %s is bound to run %s, not %s: %w", leaseID, lease.RunID, runID, store.ErrConflict)
	}

	status, cancelRequested, attempts, err := lockRunState(ctx, tx, runID)
	if err != nil {
		return false, err
	}

	if lease.State.Outstanding() && cancelRequested {
		if err := enforceCancel(ctx, tx, leaseID, runID); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return false, fmt.Errorf("run %s: %w", runID, store.ErrRunCancelled)
	}

	switch lease.State {
	case store.LeaseStateGranted, store.LeaseStateAcknowledged:
		// Normal path below.
	case store.LeaseStateFailed, store.LeaseStateExpired:
		// Re-delivery after an explicit fail or after the sweeper already
		// reclaimed the lease: the failure was applied once, report
		// whether the run is still in flight.
		return !status.Terminal(), fmt.Errorf("lease %s: %w", leaseID, store.ErrAlreadyResolved)
	default:
		return false, fmt.Errorf("lease %s is %s: %w", leaseID, lease.State, store.ErrStaleState)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE leases SET state = $1, resolved_at = NOW()
		WHERE id = $2 AND state IN ($3, $4)
	`, store.LeaseStateFailed, leaseID, store.LeaseStateGranted, store.LeaseStateAcknowledged)
	if err != nil {
		return false, fmt.Errorf("failed to resolve lease %s: %w", leaseID, err)
	}

	shouldRetry := retryable && attempts < maxAttempts

	var result sql.Result
	if shouldRetry {
		result, err = tx.ExecContext(ctx, `
			UPDATE runs
			SET status = $1, node_id = NULL, error_message = $2, error_details = $3,
			    queued_millis = $4, running_millis = $5
			WHERE id = $6 AND status IN ($7, $8)
		`, store.RunStatusPending, res.ErrorMessage, res.ErrorDetails,
			res.QueuedMillis, res.RunningMillis,
			runID, store.RunStatusScheduled, store.RunStatusRunning)
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE runs
			SET status = $1, node_id = NULL, error_message = $2, error_details = $3,
			    queued_millis = $4, running_millis = $5, input_tokens = $6,
			    output_tokens = $7, cost_usd = $8, finished_at = NOW()
			WHERE id = $9 AND status IN ($10, $11)
		`, store.RunStatusFailed, res.ErrorMessage, res.ErrorDetails,
			res.QueuedMillis, res.RunningMillis, res.InputTokens,
			res.OutputTokens, res.CostUSD,
			runID, store.RunStatusScheduled, store.RunStatusRunning)
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve run %s: %w", runID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return false, fmt.Errorf("run %s not in flight: %w", runID, store.ErrStaleState)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return shouldRetry, nil
}

// ListDueLeases returns outstanding leases whose visibility deadline has
// passed, oldest deadline first.
func (s *Store) ListDueLeases(ctx context.Context, now time.Time, limit int) ([]*store.Lease, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s FROM leases
		WHERE state IN ($1, $2) AND visibility_deadline < $3
		ORDER BY visibility_deadline ASC
		LIMIT $4
	`, leaseColumns)

	rows, err := s.db.QueryContext(ctx, query,
		store.LeaseStateGranted, store.LeaseStateAcknowledged, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due leases: %w", err)
	}
	defer rows.Close()

	var leases []*store.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due lease: %w", err)
		}
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}

// ExpireLease reclaims one overdue lease. The transition is conditional
// on the lease still being outstanding with its deadline in the past, so
// concurrent sweepers race safely: one wins, the rest get ErrStaleState.
func (s *Store) ExpireLease(ctx context.Context, leaseID uuid.UUID, maxAttempts int) (*store.LeaseReclaim, error) {
	return s.expireOne(ctx, leaseID, maxAttempts, true)
}

// ReclaimNodeLeases expires every outstanding lease bound to the node,
// deadline or not. Used when a node disconnects or drains off the fleet.
func (s *Store) ReclaimNodeLeases(ctx context.Context, nodeID string, maxAttempts int) ([]store.LeaseReclaim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM leases
		WHERE node_id = $1 AND state IN ($2, $3)
	`, nodeID, store.LeaseStateGranted, store.LeaseStateAcknowledged)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases for node %s: %w", nodeID, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan lease id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaims []store.LeaseReclaim
	for _, id := range ids {
		reclaim, err := s.expireOne(ctx, id, maxAttempts, false)
		if errors.Is(err, store.ErrStaleState) {
			// Resolved by the node or another sweeper in the meantime.
			continue
		}
		if err != nil {
			return reclaims, err
		}
		reclaims = append(reclaims, *reclaim)
	}
	return reclaims, nil
}

func (s *Store) expireOne(ctx context.Context, leaseID uuid.UUID, maxAttempts int, requireDue bool) (*store.LeaseReclaim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	dueClause := ""
	if requireDue {
		dueClause = "AND visibility_deadline < NOW()"
	}
	query := fmt.Sprintf(`
		SELECT %s FROM leases
		WHERE id = $1 AND state IN ($2, $3) %s
		FOR UPDATE
	`, leaseColumns, dueClause)

	lease, err := scanLease(tx.QueryRowContext(ctx, query, leaseID,
		store.LeaseStateGranted, store.LeaseStateAcknowledged))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s no longer reclaimable: %w", leaseID, store.ErrStaleState)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock lease %s: %w", leaseID, err)
	}

	_, cancelRequested, attempts, err := lockRunState(ctx, tx, lease.RunID)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE leases SET state = $1, resolved_at = NOW()
		WHERE id = $2 AND state IN ($3, $4)
	`, store.LeaseStateExpired, leaseID, store.LeaseStateGranted, store.LeaseStateAcknowledged)
	if err != nil {
		return nil, fmt.Errorf("failed to expire lease %s: %w", leaseID, err)
	}

	var outcome store.RunStatus
	switch {
	case cancelRequested:
		outcome = store.RunStatusCancelled
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = $1, node_id = NULL, finished_at = NOW()
			WHERE id = $2 AND status IN ($3, $4)
		`, store.RunStatusCancelled, lease.RunID, store.RunStatusScheduled, store.RunStatusRunning)
	case attempts < maxAttempts:
		outcome = store.RunStatusPending
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = $1, node_id = NULL
			WHERE id = $2 AND status IN ($3, $4)
		`, store.RunStatusPending, lease.RunID, store.RunStatusScheduled, store.RunStatusRunning)
	default:
		outcome = store.RunStatusFailed
		msg := fmt.Sprintf("lease expired after %d delivery attempts", attempts)
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = $1, node_id = NULL, error_message = $2, finished_at = NOW()
			WHERE id = $3 AND status IN ($4, $5)
		`, store.RunStatusFailed, msg, lease.RunID, store.RunStatusScheduled, store.RunStatusRunning)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim run %s: %w", lease.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	lease.State = store.LeaseStateExpired
	return &store.LeaseReclaim{Lease: *lease, RunStatus: outcome}, nil
}

// CountOutstandingLeases returns the number of granted or acknowledged
// leases bound to the node.
func (s *Store) CountOutstandingLeases(ctx context.Context, nodeID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM leases
		WHERE node_id = $1 AND state IN ($2, $3)
	`, nodeID, store.LeaseStateGranted, store.LeaseStateAcknowledged).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count leases for node %s: %w", nodeID, err)
	}
	return count, nil
}
