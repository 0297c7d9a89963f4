// Package scheduler matches pending runs to nodes with free capacity.
//
// Matching is on demand: a node's pull stream asks for work and the
// scheduler walks pending runs in submission order, granting leases for
// the ones the node may execute. All contention is settled by the
// store's conditional writes, so any number of controller instances can
// schedule concurrently; losing a race just moves the walk to the next
// pending run.
package scheduler

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

// defaultScanLimit bounds how many pending runs one grant cycle examines.
const defaultScanLimit = 100

// Store is the slice of the data layer the scheduler needs.
type Store interface {
	ListPendingRuns(ctx context.Context, limit int) ([]*store.Run, error)
	GetDeploymentByID(ctx context.Context, id uuid.UUID) (*store.Deployment, error)
	GrantLease(ctx context.Context, runID uuid.UUID, nodeID string, deadline time.Time) (*store.Lease, error)
	CountOutstandingLeases(ctx context.Context, nodeID string) (int64, error)
}

// Grant pairs a granted lease with the run it delivers.
type Grant struct {
	Run   *store.Run
	Lease *store.Lease
}

// Scheduler grants leases over pending runs for pulling nodes.
type Scheduler struct {
	store   Store
	metrics *observability.Metrics
	bus     *events.Bus
	logger  *slog.Logger

	visibilityWindow time.Duration
	maxLeasesPerNode int
	scanLimit        int
}

// New creates a scheduler bound to the store and event bus.
func New(st Store, cfg *config.Config, metrics *observability.Metrics, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:            st,
		metrics:          metrics,
		bus:              bus,
		logger:           logger,
		visibilityWindow: cfg.VisibilityWindow,
		maxLeasesPerNode: cfg.MaxLeasesPerNode,
		scanLimit:        defaultScanLimit,
	}
}

// GrantForNode grants up to want leases to the node, walking pending
// runs in submission order. Runs whose placement constraints the node
// does not satisfy are skipped, as are runs lost to a concurrent grant.
// Only active nodes receive grants; want <= 0 means as many as capacity
// allows.
func (s *Scheduler) GrantForNode(ctx context.Context, node *store.Node, want int) ([]Grant, error) {
	if node.State != store.NodeStateActive {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		s.metrics.SchedulingDuration.Record(ctx, time.Since(start).Seconds())
	}()

	free, err := s.freeCapacity(ctx, node)
	if err != nil {
		return nil, err
	}
	if want <= 0 || want > free {
		want = free
	}
	if want == 0 {
		return nil, nil
	}

	pending, err := s.store.ListPendingRuns(ctx, s.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}

	deployments := make(map[uuid.UUID]*store.Deployment)
	grants := make([]Grant, 0, want)
	for _, run := range pending {
		if len(grants) == want {
			break
		}

		dep, err := s.deploymentFor(ctx, deployments, run)
		if err != nil {
			return grants, err
		}
		if !dep.Matches(node) {
			continue
		}

		s.metrics.SchedulingAttempts.Add(ctx, 1)
		lease, err := s.store.GrantLease(ctx, run.ID, node.ID, time.Now().UTC().Add(s.visibilityWindow))
		switch {
		case errors.Is(err, store.ErrStaleState), errors.Is(err, store.ErrConflict):
			// Another controller instance won this run.
			s.metrics.SchedulingFailures.Add(ctx, 1)
			continue
		case err != nil:
			s.metrics.SchedulingFailures.Add(ctx, 1)
			return grants, fmt.Errorf("grant lease for run %s: %w", run.ID, err)
		}

		s.metrics.LeasesGranted.Add(ctx, 1)
		grants = append(grants, Grant{Run: grantedRun(run, node.ID, lease), Lease: lease})

		s.logger.Debug("lease granted",
			"run_id", run.ID,
			"node_id", node.ID,
			"lease_id", lease.ID,
			"attempt", lease.DeliveryAttempt)
		s.publishGrant(run, node.ID, lease)
	}
	return grants, nil
}

// freeCapacity returns how many more leases the node may hold right
// now: declared slots minus outstanding leases, additionally capped by
// the per-node lease limit. Self-reported slot counts are ignored.
func (s *Scheduler) freeCapacity(ctx context.Context, node *store.Node) (int, error) {
	outstanding, err := s.store.CountOutstandingLeases(ctx, node.ID)
	if err != nil {
		return 0, fmt.Errorf("count outstanding leases: %w", err)
	}

	free := node.Slots - int(outstanding)
	if limit := s.maxLeasesPerNode - int(outstanding); limit < free {
		free = limit
	}
	if free < 0 {
		free = 0
	}
	return free, nil
}

func (s *Scheduler) deploymentFor(ctx context.Context, cache map[uuid.UUID]*store.Deployment, run *store.Run) (*store.Deployment, error) {
	if run.DeploymentID == nil {
		return nil, nil
	}
	if dep, ok := cache[*run.DeploymentID]; ok {
		return dep, nil
	}

	dep, err := s.store.GetDeploymentByID(ctx, *run.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("load deployment %s: %w", *run.DeploymentID, err)
	}
	cache[*run.DeploymentID] = dep
	return dep, nil
}

// grantedRun returns a copy of run reflecting the transition the grant
// performed, so callers see the scheduled state without a refetch.
func grantedRun(run *store.Run, nodeID string, lease *store.Lease) *store.Run {
	granted := *run
	granted.Status = store.RunStatusScheduled
	granted.NodeID = &nodeID
	granted.DeliveryAttempts = lease.DeliveryAttempt
	granted.ScheduledAt = &lease.GrantedAt
	return &granted
}

func (s *Scheduler) publishGrant(run *store.Run, nodeID string, lease *store.Lease) {
	s.bus.Publish(events.EventLeaseGranted, map[string]interface{}{
		"lease_id":         lease.ID.String(),
		"run_id":           run.ID.String(),
		"node_id":          nodeID,
		"delivery_attempt": lease.DeliveryAttempt,
		"deadline":         lease.VisibilityDeadline,
	})
	s.bus.Publish(events.EventRunStateChanged, map[string]interface{}{
		"run_id":  run.ID.String(),
		"from":    string(store.RunStatusPending),
		"to":      string(store.RunStatusScheduled),
		"node_id": nodeID,
	})
}
