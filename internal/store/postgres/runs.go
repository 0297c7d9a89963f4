package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"runplane/internal/store"

	"github.com/google/uuid"
)

const runColumns = `id, agent_id, version, deployment_id, node_id, input_ref, status,
	delivery_attempts, cancel_requested, retried_from, error_message, error_details, result,
	queued_millis, running_millis, input_tokens, output_tokens, cost_usd,
	trace_id, created_at, scheduled_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID, &run.AgentID, &run.Version, &run.DeploymentID, &run.NodeID,
		&run.InputRef, &run.Status, &run.DeliveryAttempts, &run.CancelRequested,
		&run.RetriedFrom, &run.ErrorMessage, &run.ErrorDetails, &run.Result,
		&run.QueuedMillis, &run.RunningMillis, &run.InputTokens, &run.OutputTokens,
		&run.CostUSD, &run.TraceID, &run.CreatedAt, &run.ScheduledAt,
		&run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateRun inserts a new run in pending state.
func (s *Store) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	executor := s.getExecutor(tx)

	query := `
		INSERT INTO runs (id, agent_id, version, deployment_id, input_ref, status, retried_from, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := executor.ExecContext(ctx, query,
		run.ID, run.AgentID, run.Version, run.DeploymentID,
		run.InputRef, run.Status, run.RetriedFrom, run.TraceID, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRunByID returns a run by its ID.
func (s *Store) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	query := fmt.Sprintf("SELECT %s FROM runs WHERE id = $1", runColumns)

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	args := []interface{}{limit}
	whereClause := ""
	if filter.Status != "" {
		args = append(args, filter.Status)
		whereClause = fmt.Sprintf("WHERE status = $%d", len(args))
	}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		if whereClause == "" {
			whereClause = fmt.Sprintf("WHERE agent_id = $%d", len(args))
		} else {
			whereClause += fmt.Sprintf(" AND agent_id = $%d", len(args))
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM runs %s ORDER BY created_at DESC LIMIT $1`, runColumns, whereClause)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListPendingRuns returns pending runs in scheduling order: oldest first,
// run ID as the deterministic tie-break.
func (s *Store) ListPendingRuns(ctx context.Context, limit int) ([]*store.Run, error) {
	if limit <= 0 {
		limit = 1
	}

	query := fmt.Sprintf(`
		SELECT %s FROM runs
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, runColumns)

	rows, err := s.db.QueryContext(ctx, query, store.RunStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RequestCancel cancels a run. Pending runs go straight to cancelled;
// scheduled runs have the request recorded durably so the outstanding
// lease is rejected on its next touch. Cancelling a cancelled run is an
// idempotent no-op; running, completed and failed runs reject with
// ErrInvalidTransition.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status store.RunStatus
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = $1 FOR UPDATE", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock run %s: %w", id, err)
	}

	switch status {
	case store.RunStatusPending:
		_, err = tx.ExecContext(ctx, `
			UPDATE runs
			SET status = $1, cancel_requested = TRUE, finished_at = NOW()
			WHERE id = $2 AND status = $3
		`, store.RunStatusCancelled, id, store.RunStatusPending)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel pending run %s: %w", id, err)
		}
	case store.RunStatusScheduled:
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET cancel_requested = TRUE WHERE id = $1 AND status = $2
		`, id, store.RunStatusScheduled)
		if err != nil {
			return nil, fmt.Errorf("failed to mark run %s for cancellation: %w", id, err)
		}
	case store.RunStatusCancelled:
		// Repeat cancel, nothing to do.
	default:
		return nil, fmt.Errorf("cannot cancel run %s in status %s: %w", id, status, store.ErrInvalidTransition)
	}

	query := fmt.Sprintf("SELECT %s FROM runs WHERE id = $1", runColumns)
	run, err := scanRun(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload run %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

// RetryRun clones a dead-lettered run back onto the queue as a fresh
// pending run that records its origin in retried_from. Only failed runs
// can be retried, and each at most once; a second retry returns
// ErrConflict.
func (s *Store) RetryRun(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := fmt.Sprintf("SELECT %s FROM runs WHERE id = $1 FOR UPDATE", runColumns)
	failed, err := scanRun(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock run %s: %w", id, err)
	}
	if failed.Status != store.RunStatusFailed {
		return nil, fmt.Errorf("cannot retry run %s in status %s: %w", id, failed.Status, store.ErrInvalidTransition)
	}

	// The row lock above serializes concurrent retries of the same run,
	// so the existence check cannot race.
	var retried bool
	err = tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM runs WHERE retried_from = $1)", id).Scan(&retried)
	if err != nil {
		return nil, fmt.Errorf("failed to check retries of run %s: %w", id, err)
	}
	if retried {
		return nil, fmt.Errorf("run %s already retried: %w", id, store.ErrConflict)
	}

	retry := &store.Run{
		ID:           uuid.New(),
		AgentID:      failed.AgentID,
		Version:      failed.Version,
		DeploymentID: failed.DeploymentID,
		InputRef:     failed.InputRef,
		Status:       store.RunStatusPending,
		RetriedFrom:  &failed.ID,
		TraceID:      failed.TraceID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.CreateRun(ctx, tx, retry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return retry, nil
}

// CountRunsByStatus returns the number of runs per status.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[store.RunStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.RunStatus]int64)
	for rows.Next() {
		var status store.RunStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
