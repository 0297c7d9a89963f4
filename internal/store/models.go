// Package store contains the database layer for runplane.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusScheduled RunStatus = "scheduled"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run in this status can never transition again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run represents a unit of agentic work submitted for execution.
// A run is mutated only through conditional state-machine transitions;
// once terminal it is immutable.
type Run struct {
	ID           uuid.UUID
	AgentID      string
	Version      string
	DeploymentID *uuid.UUID
	// NodeID is set while a lease is outstanding or a node is executing
	// the run.
	NodeID   *string
	InputRef string
	Status   RunStatus
	// DeliveryAttempts counts how many times the run has been leased
	// out. It increments at grant time and never decreases.
	DeliveryAttempts int
	// CancelRequested is recorded durably so an in-flight lease is
	// rejected on its next touch even if cancellation raced the grant.
	CancelRequested bool
	// RetriedFrom links a run resubmitted from the dead-letter listing to
	// the failed run it was cloned from.
	RetriedFrom   *uuid.UUID
	ErrorMessage  *string
	ErrorDetails  json.RawMessage
	Result        json.RawMessage
	QueuedMillis  *int64
	RunningMillis *int64
	InputTokens   *int64
	OutputTokens  *int64
	CostUSD       *float64
	TraceID       string
	CreatedAt     time.Time
	ScheduledAt   *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// NodeState represents the registry state of a node.
type NodeState string

const (
	NodeStateActive       NodeState = "active"
	NodeStateDraining     NodeState = "draining"
	NodeStateDisconnected NodeState = "disconnected"
)

// Node represents a registered worker node.
// ActiveRuns and AvailableSlots are the node's self-report from its last
// heartbeat and are advisory only; free capacity is always recomputed as
// Slots minus the node's outstanding leases.
type Node struct {
	ID             string
	Region         string
	Labels         map[string]string
	Slots          int
	CPUMillis      int
	MemoryMB       int
	State          NodeState
	ActiveRuns     int
	AvailableSlots int
	HeartbeatAt    time.Time
	RegisteredAt   time.Time
}

// SchedulableNode is a node candidate for lease matching: an active node
// joined with its authoritative outstanding-lease count.
type SchedulableNode struct {
	Node
	OutstandingLeases int
}

// FreeSlots returns the number of lease slots this node has left, never
// negative.
func (n SchedulableNode) FreeSlots() int {
	free := n.Slots - n.OutstandingLeases
	if free < 0 {
		return 0
	}
	return free
}

// LeaseState represents the state of a lease.
type LeaseState string

const (
	LeaseStateGranted      LeaseState = "granted"
	LeaseStateAcknowledged LeaseState = "acknowledged"
	LeaseStateCompleted    LeaseState = "completed"
	LeaseStateFailed       LeaseState = "failed"
	LeaseStateExpired      LeaseState = "expired"
)

// Outstanding reports whether the lease still binds a run to a node.
func (s LeaseState) Outstanding() bool {
	return s == LeaseStateGranted || s == LeaseStateAcknowledged
}

// Lease is a time-bounded exclusive binding of one run to one node. At
// most one outstanding lease exists per run at any instant; the store
// enforces that, not callers.
type Lease struct {
	ID                 uuid.UUID
	RunID              uuid.UUID
	NodeID             string
	State              LeaseState
	DeliveryAttempt    int
	GrantedAt          time.Time
	VisibilityDeadline time.Time
	ResolvedAt         *time.Time
}

// Deployment supplies the placement constraints the scheduler honors
// when matching a run to a node.
type Deployment struct {
	ID        uuid.UUID
	AgentID   string
	Version   string
	Env       string
	Replicas  int
	Regions   []string
	Labels    map[string]string
	CreatedAt time.Time
}

// Matches reports whether a node satisfies this deployment's placement
// constraints: region set membership plus exact label equality. An empty
// constraint matches every node.
func (d *Deployment) Matches(node *Node) bool {
	if d == nil {
		return true
	}
	if len(d.Regions) > 0 {
		found := false
		for _, region := range d.Regions {
			if region == node.Region {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for key, want := range d.Labels {
		if node.Labels[key] != want {
			return false
		}
	}
	return true
}

// RunResolution carries the node-reported outcome persisted when a lease
// resolves via Complete or Fail.
type RunResolution struct {
	Result        json.RawMessage
	ErrorMessage  string
	ErrorDetails  json.RawMessage
	QueuedMillis  int64
	RunningMillis int64
	InputTokens   int64
	OutputTokens  int64
	CostUSD       float64
}
