// Package sweeper reclaims overdue leases and disconnects stale nodes.
//
// An expired lease is an implicit retryable failure: the run goes back
// to pending while delivery attempts remain, and dead-letters once they
// run out. Every mutation is a conditional write, so multiple sweepers
// can run against the same store; losing a race is not an error.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"runplane/internal/config"
	"runplane/internal/events"
	"runplane/internal/observability"
	"runplane/internal/store"

	"github.com/google/uuid"
)

// defaultSweepBatch bounds how many due leases one pass reclaims.
const defaultSweepBatch = 100

// Store is the slice of the data layer the sweeper needs.
type Store interface {
	ListDueLeases(ctx context.Context, now time.Time, limit int) ([]*store.Lease, error)
	ExpireLease(ctx context.Context, leaseID uuid.UUID, maxAttempts int) (*store.LeaseReclaim, error)
	MarkStaleNodesDisconnected(ctx context.Context, cutoff time.Time) ([]string, error)
	ReclaimNodeLeases(ctx context.Context, nodeID string, maxAttempts int) ([]store.LeaseReclaim, error)
}

// Sweeper periodically expires overdue leases and reclaims the leases
// of nodes that stopped heartbeating.
type Sweeper struct {
	store   Store
	metrics *observability.Metrics
	bus     *events.Bus
	logger  *slog.Logger

	maxDeliveryCount int
	heartbeatTimeout time.Duration
	interval         time.Duration
	batchSize        int
}

// New creates a sweeper bound to the store and event bus.
func New(st Store, cfg *config.Config, metrics *observability.Metrics, bus *events.Bus, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:            st,
		metrics:          metrics,
		bus:              bus,
		logger:           logger,
		maxDeliveryCount: cfg.MaxDeliveryCount,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		interval:         cfg.SweepInterval,
		batchSize:        defaultSweepBatch,
	}
}

// Run sweeps every interval until the context is cancelled. Failures
// are logged and the loop continues with the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one full pass: expire leases whose visibility deadline
// passed, then disconnect nodes whose heartbeat went silent and reclaim
// every lease they held. Racing a node's own resolution or another
// sweeper is expected and skipped silently.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	due, err := s.store.ListDueLeases(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due leases: %w", err)
	}
	for _, lease := range due {
		reclaim, err := s.store.ExpireLease(ctx, lease.ID, s.maxDeliveryCount)
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			return fmt.Errorf("expire lease %s: %w", lease.ID, err)
		}
		s.recordReclaim(ctx, *reclaim, "deadline_passed")
	}

	stale, err := s.store.MarkStaleNodesDisconnected(ctx, now.Add(-s.heartbeatTimeout))
	if err != nil {
		return fmt.Errorf("mark stale nodes: %w", err)
	}
	for _, nodeID := range stale {
		s.logger.Warn("node heartbeat timed out", "node_id", nodeID)
		s.bus.Publish(events.EventNodeDisconnected, map[string]interface{}{
			"node_id": nodeID,
			"reason":  "heartbeat_timeout",
		})

		reclaims, err := s.store.ReclaimNodeLeases(ctx, nodeID, s.maxDeliveryCount)
		if err != nil {
			return fmt.Errorf("reclaim leases of node %s: %w", nodeID, err)
		}
		for _, reclaim := range reclaims {
			s.recordReclaim(ctx, reclaim, "node_disconnected")
		}
	}
	return nil
}

func (s *Sweeper) recordReclaim(ctx context.Context, reclaim store.LeaseReclaim, reason string) {
	s.metrics.LeasesReleased.Add(ctx, 1)
	switch reclaim.RunStatus {
	case store.RunStatusFailed:
		s.metrics.RunsFailed.Add(ctx, 1)
	case store.RunStatusCancelled:
		s.metrics.RunsCancelled.Add(ctx, 1)
	}

	s.logger.Info("lease expired",
		"lease_id", reclaim.Lease.ID,
		"run_id", reclaim.Lease.RunID,
		"node_id", reclaim.Lease.NodeID,
		"attempt", reclaim.Lease.DeliveryAttempt,
		"run_status", reclaim.RunStatus,
		"reason", reason)

	s.bus.Publish(events.EventRunStateChanged, map[string]interface{}{
		"run_id":           reclaim.Lease.RunID.String(),
		"to":               string(reclaim.RunStatus),
		"lease_id":         reclaim.Lease.ID.String(),
		"delivery_attempt": reclaim.Lease.DeliveryAttempt,
		"reason":           reason,
	})
}
