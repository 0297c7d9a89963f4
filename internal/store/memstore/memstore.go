// Package memstore is an in-memory store for single-process deployments
// and tests. It implements the same interfaces and conditional-write
// semantics as the postgres package, with one mutex standing in for the
// database's row locks.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"runplane/internal/store"

	"github.com/google/uuid"
)

// Store keeps all control-plane state in maps guarded by a single
// mutex, so every operation is atomic the way a database transaction
// would be.
type Store struct {
	mu          sync.Mutex
	runs        map[uuid.UUID]store.Run
	deployments map[uuid.UUID]store.Deployment
	nodes       map[string]store.Node
	nodeKeys    map[string]string
	leases      map[uuid.UUID]store.Lease
}

func New() *Store {
	return &Store{
		runs:        make(map[uuid.UUID]store.Run),
		deployments: make(map[uuid.UUID]store.Deployment),
		nodes:       make(map[string]store.Node),
		nodeKeys:    make(map[string]string),
		leases:      make(map[uuid.UUID]store.Lease),
	}
}

// Ping always succeeds.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *Store) Close() error { return nil }

// CreateRun inserts a new run. The tx argument exists for interface
// parity with the postgres store and is ignored; every method here is
// already atomic under the store lock.
func (m *Store) CreateRun(_ context.Context, _ store.DBTransaction, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists: %w", run.ID, store.ErrConflict)
	}
	m.runs[run.ID] = *run
	return nil
}

// GetRunByID returns a run by its ID.
func (m *Store) GetRunByID(_ context.Context, id uuid.UUID) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return &run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (m *Store) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	matched := make([]store.Run, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && run.AgentID != filter.AgentID {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*store.Run, len(matched))
	for i := range matched {
		out[i] = &matched[i]
	}
	return out, nil
}

// ListPendingRuns returns pending runs in scheduling order: created_at
// ascending, run ID byte order as the deterministic tie-break.
func (m *Store) ListPendingRuns(_ context.Context, limit int) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 1
	}

	pending := make([]store.Run, 0, limit)
	for _, run := range m.runs {
		if run.Status == store.RunStatusPending {
			pending = append(pending, run)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return bytes.Compare(pending[i].ID[:], pending[j].ID[:]) < 0
	})
	if limit < len(pending) {
		pending = pending[:limit]
	}

	out := make([]*store.Run, len(pending))
	for i := range pending {
		out[i] = &pending[i]
	}
	return out, nil
}

// RequestCancel cancels a run. Pending runs go straight to cancelled;
// scheduled runs have the request recorded durably so the outstanding
// lease is rejected on its next touch.
func (m *Store) RequestCancel(_ context.Context, id uuid.UUID) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}

	now := time.Now().UTC()
	switch run.Status {
	case store.RunStatusPending:
		run.Status = store.RunStatusCancelled
		run.CancelRequested = true
		run.FinishedAt = &now
	case store.RunStatusScheduled:
		run.CancelRequested = true
	case store.RunStatusCancelled:
		// Repeat cancel, nothing to do.
	default:
		return nil, fmt.Errorf("cannot cancel run %s in status %s: %w", id, run.Status, store.ErrInvalidTransition)
	}
	m.runs[id] = run
	return &run, nil
}

// RetryRun clones a dead-lettered run back onto the queue as a fresh
// pending run that records its origin in RetriedFrom.
func (m *Store) RetryRun(_ context.Context, id uuid.UUID) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	failed, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if failed.Status != store.RunStatusFailed {
		return nil, fmt.Errorf("cannot retry run %s in status %s: %w", id, failed.Status, store.ErrInvalidTransition)
	}
	for _, run := range m.runs {
		if run.RetriedFrom != nil && *run.RetriedFrom == id {
			return nil, fmt.Errorf("run %s already retried: %w", id, store.ErrConflict)
		}
	}

	origin := failed.ID
	retry := store.Run{
		ID:           uuid.New(),
		AgentID:      failed.AgentID,
		Version:      failed.Version,
		DeploymentID: failed.DeploymentID,
		InputRef:     failed.InputRef,
		Status:       store.RunStatusPending,
		RetriedFrom:  &origin,
		TraceID:      failed.TraceID,
		CreatedAt:    time.Now().UTC(),
	}
	m.runs[retry.ID] = retry
	return &retry, nil
}

// CountRunsByStatus returns the number of runs per status.
func (m *Store) CountRunsByStatus(_ context.Context) (map[store.RunStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[store.RunStatus]int64)
	for _, run := range m.runs {
		counts[run.Status]++
	}
	return counts, nil
}

// CreateDeployment inserts a new deployment.
func (m *Store) CreateDeployment(_ context.Context, _ store.DBTransaction, deployment *store.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[deployment.ID]; ok {
		return fmt.Errorf("deployment %s already exists: %w", deployment.ID, store.ErrConflict)
	}
	m.deployments[deployment.ID] = *deployment
	return nil
}

// GetDeploymentByID returns a deployment by its ID.
func (m *Store) GetDeploymentByID(_ context.Context, id uuid.UUID) (*store.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deployment, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, store.ErrNotFound)
	}
	return &deployment, nil
}

// RegisterNode inserts a new node with its API key hash.
func (m *Store) RegisterNode(_ context.Context, node *store.Node, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node.ID]; ok {
		return fmt.Errorf("node %s already registered: %w", node.ID, store.ErrConflict)
	}
	m.nodes[node.ID] = *node
	m.nodeKeys[keyHash] = node.ID
	return nil
}

// GetNodeByID returns a node by its ID.
func (m *Store) GetNodeByID(_ context.Context, id string) (*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	return &node, nil
}

// GetNodeByAPIKeyHash returns a node by its API key hash.
func (m *Store) GetNodeByAPIKeyHash(_ context.Context, hash string) (*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.nodeKeys[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	node := m.nodes[id]
	return &node, nil
}

// Heartbeat records a node's liveness and advisory self-report. The
// reported state is last-write-wins, so a node that fell to disconnected
// rejoins the fleet on its next heartbeat.
func (m *Store) Heartbeat(_ context.Context, id string, state store.NodeState, activeRuns, availableSlots int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	node.HeartbeatAt = time.Now().UTC()
	node.State = state
	node.ActiveRuns = activeRuns
	node.AvailableSlots = availableSlots
	m.nodes[id] = node
	return nil
}

// SetNodeState moves a node between active, draining and disconnected.
func (m *Store) SetNodeState(_ context.Context, id string, state store.NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	node.State = state
	m.nodes[id] = node
	return nil
}

// MarkStaleNodesDisconnected transitions every active or draining node
// whose last heartbeat predates cutoff to disconnected and returns their
// IDs.
func (m *Store) MarkStaleNodesDisconnected(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, node := range m.nodes {
		if node.State != store.NodeStateActive && node.State != store.NodeStateDraining {
			continue
		}
		if !node.HeartbeatAt.Before(cutoff) {
			continue
		}
		node.State = store.NodeStateDisconnected
		m.nodes[id] = node
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Store) outstandingLeasesLocked(nodeID string) int {
	n := 0
	for _, lease := range m.leases {
		if lease.NodeID == nodeID && lease.State.Outstanding() {
			n++
		}
	}
	return n
}

func (m *Store) listNodesLocked(activeOnly bool) []store.SchedulableNode {
	out := make([]store.SchedulableNode, 0, len(m.nodes))
	for _, node := range m.nodes {
		if activeOnly && node.State != store.NodeStateActive {
			continue
		}
		out = append(out, store.SchedulableNode{
			Node:              node,
			OutstandingLeases: m.outstandingLeasesLocked(node.ID),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListNodes returns all nodes with their authoritative outstanding-lease
// counts, oldest registration first.
func (m *Store) ListNodes(_ context.Context) ([]store.SchedulableNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listNodesLocked(false), nil
}

// ListSchedulableNodes returns active nodes with their outstanding-lease
// counts, for lease matching.
func (m *Store) ListSchedulableNodes(_ context.Context) ([]store.SchedulableNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listNodesLocked(true), nil
}

// CountNodesByState returns the number of nodes per state.
func (m *Store) CountNodesByState(_ context.Context) (map[store.NodeState]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[store.NodeState]int64)
	for _, node := range m.nodes {
		counts[node.State]++
	}
	return counts, nil
}

// TotalFreeSlots returns the fleet-wide free slot count: the sum over
// active nodes of declared slots minus outstanding leases.
func (m *Store) TotalFreeSlots(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var free int64
	for _, node := range m.nodes {
		if node.State != store.NodeStateActive {
			continue
		}
		if f := node.Slots - m.outstandingLeasesLocked(node.ID); f > 0 {
			free += int64(f)
		}
	}
	return free, nil
}

// GrantLease atomically moves the run from pending to scheduled,
// increments its delivery attempt and inserts a granted lease. Exactly
// one of any set of concurrent granters wins; the rest observe
// ErrStaleState or ErrConflict and move on.
func (m *Store) GrantLease(_ context.Context, runID uuid.UUID, nodeID string, deadline time.Time) (*store.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok || run.Status != store.RunStatusPending {
		return nil, fmt.Errorf("run %s no longer pending: %w", runID, store.ErrStaleState)
	}
	for _, lease := range m.leases {
		if lease.RunID == runID && lease.State.Outstanding() {
			return nil, fmt.Errorf("run %s already has an outstanding lease: %w", runID, store.ErrConflict)
		}
	}

	now := time.Now().UTC()
	run.Status = store.RunStatusScheduled
	run.DeliveryAttempts++
	run.NodeID = &nodeID
	run.ScheduledAt = &now
	m.runs[runID] = run

	lease := store.Lease{
		ID:                 uuid.New(),
		RunID:              runID,
		NodeID:             nodeID,
		State:              store.LeaseStateGranted,
		DeliveryAttempt:    run.DeliveryAttempts,
		GrantedAt:          now,
		VisibilityDeadline: deadline,
	}
	m.leases[lease.ID] = lease
	return &lease, nil
}

// GetLeaseByID returns a lease by its ID.
func (m *Store) GetLeaseByID(_ context.Context, id uuid.UUID) (*store.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[id]
	if !ok {
		return nil, fmt.Errorf("lease %s: %w", id, store.ErrNotFound)
	}
	return &lease, nil
}

// ListNodeLeases returns this node's leases in the given states, oldest
// grant first.
func (m *Store) ListNodeLeases(_ context.Context, nodeID string, states []store.LeaseState) ([]*store.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[store.LeaseState]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	matched := make([]store.Lease, 0, 16)
	for _, lease := range m.leases {
		if lease.NodeID == nodeID && wanted[lease.State] {
			matched = append(matched, lease)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].GrantedAt.Equal(matched[j].GrantedAt) {
			return matched[i].GrantedAt.Before(matched[j].GrantedAt)
		}
		return bytes.Compare(matched[i].ID[:], matched[j].ID[:]) < 0
	})

	out := make([]*store.Lease, len(matched))
	for i := range matched {
		out[i] = &matched[i]
	}
	return out, nil
}

// enforceCancelLocked invalidates an outstanding lease whose run had
// cancellation requested: the lease expires and the run lands in
// cancelled.
func (m *Store) enforceCancelLocked(lease store.Lease, runID uuid.UUID) {
	now := time.Now().UTC()
	if lease.State.Outstanding() {
		lease.State = store.LeaseStateExpired
		lease.ResolvedAt = &now
		m.leases[lease.ID] = lease
	}
	run, ok := m.runs[runID]
	if ok && (run.Status == store.RunStatusScheduled || run.Status == store.RunStatusRunning) {
		run.Status = store.RunStatusCancelled
		run.NodeID = nil
		run.FinishedAt = &now
		m.runs[runID] = run
	}
}

// AckLease transitions the lease from granted to acknowledged, the run
// from scheduled to running, and extends the visibility deadline.
func (m *Store) AckLease(_ context.Context, leaseID uuid.UUID, nodeID string, deadline time.Time) (*store.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[leaseID]
	if !ok {
		return nil, fmt.Errorf("lease %s: %w", leaseID, store.ErrNotFound)
	}
	if nodeID != "" && lease.NodeID != nodeID {
		return nil, fmt.Errorf("lease %s: %w", leaseID, store.ErrNodeMismatch)
	}
	if lease.State != store.LeaseStateGranted {
		return nil, fmt.Errorf("lease %s is %s, not granted: %w", leaseID, lease.State, store.ErrStaleState)
	}

	run, ok := m.runs[lease.RunID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", lease.RunID, store.ErrNotFound)
	}
	if run.CancelRequested {
		m.enforceCancelLocked(lease, lease.RunID)
		return nil, fmt.Errorf("run %s: %w", lease.RunID, store.ErrRunCancelled)
	}
	if run.Status != store.RunStatusScheduled {
		return nil, fmt.Errorf("run %s not scheduled: %w", lease.RunID, store.ErrStaleState)
	}

	now := time.Now().UTC()
	lease.State = store.LeaseStateAcknowledged
	lease.VisibilityDeadline = deadline
	m.leases[leaseID] = lease

	run.Status = store.RunStatusRunning
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	m.runs[lease.RunID] = run
	return &lease, nil
}

// CompleteLease resolves an acknowledged lease and its running run as
// completed and persists the result. Re-delivery of the same completion
// returns ErrAlreadyResolved so callers can report a no-op success.
func (m *Store) CompleteLease(_ context.Context, leaseID, runID uuid.UUID, nodeID string, res *store.RunResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[leaseID]
	if !ok {
		return fmt.Errorf("lease %s: %w", leaseID, store.ErrNotFound)
	}
	if nodeID != "" && lease.NodeID != nodeID {
		return fmt.Errorf("lease %s: %w", leaseID, store.ErrNodeMismatch)
	}
	if lease.RunID != runID {
		return fmt.Errorf("lease %s is bound to run %s, not %s: %w", leaseID, lease.RunID, runID, store.ErrConflict)
	}

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if lease.State.Outstanding() && run.CancelRequested {
		m.enforceCancelLocked(lease, runID)
		return fmt.Errorf("run %s: %w", runID, store.ErrRunCancelled)
	}

	switch lease.State {
	case store.LeaseStateAcknowledged:
		// Normal path below.
	case store.LeaseStateGranted:
		return fmt.Errorf("lease %s completed without ack: %w", leaseID, store.ErrStaleState)
	case store.LeaseStateCompleted:
		if run.Status == store.RunStatusCompleted {
			return fmt.Errorf("lease %s: %w", leaseID, store.ErrAlreadyResolved)
		}
		return fmt.Errorf("lease %s already completed but run is %s: %w", leaseID, run.Status, store.ErrStaleState)
	default:
		return fmt.Errorf("lease %s is %s: %w", leaseID, lease.State, store.ErrStaleState)
	}

	if run.Status != store.RunStatusRunning {
		return fmt.Errorf("run %s not running: %w", runID, store.ErrStaleState)
	}

	now := time.Now().UTC()
	lease.State = store.LeaseStateCompleted
	lease.ResolvedAt = &now
	m.leases[leaseID] = lease

	queued, running := res.QueuedMillis, res.RunningMillis
	inTokens, outTokens, cost := res.InputTokens, res.OutputTokens, res.CostUSD
	run.Status = store.RunStatusCompleted
	run.Result = res.Result
	run.ErrorMessage = nil
	run.ErrorDetails = nil
	run.QueuedMillis = &queued
	run.RunningMillis = &running
	run.InputTokens = &inTokens
	run.OutputTokens = &outTokens
	run.CostUSD = &cost
	run.NodeID = nil
	run.FinishedAt = &now
	m.runs[runID] = run
	return nil
}

// FailLease resolves the lease as failed. With retryable true and
// attempts to spare the run goes back to pending; otherwise it
// dead-letters as failed with the error info persisted.
func (m *Store) FailLease(_ context.Context, leaseID, runID uuid.UUID, nodeID string, res *store.RunResolution, retryable bool, maxAttempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[leaseID]
	if !ok {
		return false, fmt.Errorf("lease %s: %w", leaseID, store.ErrNotFound)
	}
	if nodeID != "" && lease.NodeID != nodeID {
		return false, fmt.Errorf("lease %s: %w", leaseID, store.ErrNodeMismatch)
	}
	if lease.RunID != runID {
		return false, fmt.Errorf("lease %s is bound to run %s, not %s: %w", leaseID, lease.RunID, runID, store.ErrConflict)
	}

	run, ok := m.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if lease.State.Outstanding() && run.CancelRequested {
		m.enforceCancelLocked(lease, runID)
		return false, fmt.Errorf("run %s: %w", runID, store.ErrRunCancelled)
	}

	switch lease.State {
	case store.LeaseStateGranted, store.LeaseStateAcknowledged:
		// Normal path below.
	case store.LeaseStateFailed, store.LeaseStateExpired:
		// Re-delivery after an explicit fail or after the sweeper already
		// reclaimed the lease: the failure was applied once, report
		// whether the run is still in flight.
		return !run.Status.Terminal(), fmt.Errorf("lease %s: %w", leaseID, store.ErrAlreadyResolved)
	default:
		return false, fmt.Errorf("lease %s is %s: %w", leaseID, lease.State, store.ErrStaleState)
	}

	if run.Status != store.RunStatusScheduled && run.Status != store.RunStatusRunning {
		return false, fmt.Errorf("run %s not in flight: %w", runID, store.ErrStaleState)
	}

	now := time.Now().UTC()
	lease.State = store.LeaseStateFailed
	lease.ResolvedAt = &now
	m.leases[leaseID] = lease

	shouldRetry := retryable && run.DeliveryAttempts < maxAttempts
	errMsg := res.ErrorMessage
	queued, running := res.QueuedMillis, res.RunningMillis
	run.NodeID = nil
	run.ErrorMessage = &errMsg
	run.ErrorDetails = res.ErrorDetails
	run.QueuedMillis = &queued
	run.RunningMillis = &running
	if shouldRetry {
		run.Status = store.RunStatusPending
	} else {
		inTokens, outTokens, cost := res.InputTokens, res.OutputTokens, res.CostUSD
		run.Status = store.RunStatusFailed
		run.InputTokens = &inTokens
		run.OutputTokens = &outTokens
		run.CostUSD = &cost
		run.FinishedAt = &now
	}
	m.runs[runID] = run
	return shouldRetry, nil
}

// ListDueLeases returns outstanding leases whose visibility deadline has
// passed, oldest deadline first.
func (m *Store) ListDueLeases(_ context.Context, now time.Time, limit int) ([]*store.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	due := make([]store.Lease, 0, 16)
	for _, lease := range m.leases {
		if lease.State.Outstanding() && lease.VisibilityDeadline.Before(now) {
			due = append(due, lease)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].VisibilityDeadline.Equal(due[j].VisibilityDeadline) {
			return due[i].VisibilityDeadline.Before(due[j].VisibilityDeadline)
		}
		return bytes.Compare(due[i].ID[:], due[j].ID[:]) < 0
	})
	if limit < len(due) {
		due = due[:limit]
	}

	out := make([]*store.Lease, len(due))
	for i := range due {
		out[i] = &due[i]
	}
	return out, nil
}

// ExpireLease reclaims one overdue lease. Conditional on the lease still
// being outstanding with its deadline in the past; losers get
// ErrStaleState.
func (m *Store) ExpireLease(_ context.Context, leaseID uuid.UUID, maxAttempts int) (*store.LeaseReclaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireOneLocked(leaseID, maxAttempts, true)
}

// ReclaimNodeLeases expires every outstanding lease bound to the node,
// deadline or not. Used when a node disconnects or drains off the fleet.
func (m *Store) ReclaimNodeLeases(_ context.Context, nodeID string, maxAttempts int) ([]store.LeaseReclaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for id, lease := range m.leases {
		if lease.NodeID == nodeID && lease.State.Outstanding() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	var reclaims []store.LeaseReclaim
	for _, id := range ids {
		reclaim, err := m.expireOneLocked(id, maxAttempts, false)
		if err != nil {
			return reclaims, err
		}
		reclaims = append(reclaims, *reclaim)
	}
	return reclaims, nil
}

func (m *Store) expireOneLocked(leaseID uuid.UUID, maxAttempts int, requireDue bool) (*store.LeaseReclaim, error) {
	lease, ok := m.leases[leaseID]
	if !ok || !lease.State.Outstanding() {
		return nil, fmt.Errorf("lease %s no longer reclaimable: %w", leaseID, store.ErrStaleState)
	}
	if requireDue && !lease.VisibilityDeadline.Before(time.Now()) {
		return nil, fmt.Errorf("lease %s no longer reclaimable: %w", leaseID, store.ErrStaleState)
	}

	run, ok := m.runs[lease.RunID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", lease.RunID, store.ErrNotFound)
	}

	now := time.Now().UTC()
	lease.State = store.LeaseStateExpired
	lease.ResolvedAt = &now
	m.leases[leaseID] = lease

	var outcome store.RunStatus
	switch {
	case run.CancelRequested:
		outcome = store.RunStatusCancelled
	case run.DeliveryAttempts < maxAttempts:
		outcome = store.RunStatusPending
	default:
		outcome = store.RunStatusFailed
	}

	if run.Status == store.RunStatusScheduled || run.Status == store.RunStatusRunning {
		run.Status = outcome
		run.NodeID = nil
		switch outcome {
		case store.RunStatusCancelled:
			run.FinishedAt = &now
		case store.RunStatusFailed:
			msg := fmt.Sprintf("lease expired after %d delivery attempts", run.DeliveryAttempts)
			run.ErrorMessage = &msg
			run.FinishedAt = &now
		}
		m.runs[lease.RunID] = run
	}

	return &store.LeaseReclaim{Lease: lease, RunStatus: outcome}, nil
}

// CountOutstandingLeases returns the number of granted or acknowledged
// leases bound to the node.
func (m *Store) CountOutstandingLeases(_ context.Context, nodeID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.outstandingLeasesLocked(nodeID)), nil
}
