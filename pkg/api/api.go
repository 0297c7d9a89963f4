// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the controller, and the node agent.
package api

import (
	"encoding/json"
	"time"
)

// SubmitRunRequest is the request body for submitting a new run.
type SubmitRunRequest struct {
	AgentID      string  `json:"agent_id"`
	Version      string  `json:"version,omitempty"`
	DeploymentID *string `json:"deployment_id,omitempty"`
	InputRef     string  `json:"input_ref"`
	TraceID      string  `json:"trace_id,omitempty"`
}

// SubmitRunResponse is the response body after submitting a run.
type SubmitRunResponse struct {
	RunID string `json:"run_id"`
}

// RunTimings carries the measured phases of a run's lifetime in milliseconds.
type RunTimings struct {
	QueuedMillis  int64 `json:"queued_ms"`
	RunningMillis int64 `json:"running_ms"`
}

// RunCosts carries the resource spend reported by the node that executed a run.
type RunCosts struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	USD          float64 `json:"usd,omitempty"`
}

// RunError describes why a run failed.
type RunError struct {
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// RunResponse represents a run in API responses.
type RunResponse struct {
	ID               string          `json:"id"`
	AgentID          string          `json:"agent_id"`
	Version          string          `json:"version,omitempty"`
	DeploymentID     *string         `json:"deployment_id,omitempty"`
	NodeID           *string         `json:"node_id,omitempty"`
	InputRef         string          `json:"input_ref"`
	Status           string          `json:"status"`
	DeliveryAttempts int             `json:"delivery_attempts"`
	Timings          *RunTimings     `json:"timings,omitempty"`
	Costs            *RunCosts       `json:"costs,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *RunError       `json:"error,omitempty"`
	TraceID          string          `json:"trace_id,omitempty"`
	RetriedFrom      *string         `json:"retried_from,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ScheduledAt      *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// CancelRunResponse is returned after a cancellation request is
// recorded. A pending run cancels immediately; a scheduled run keeps
// its status with CancelRequested set until the next lease touch
// enforces it.
type CancelRunResponse struct {
	RunID           string `json:"run_id"`
	Status          string `json:"status"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
}

// RetryRunResponse is returned after resubmitting a dead-lettered run.
type RetryRunResponse struct {
	NewRunID string `json:"new_run_id"`
}

// ListRunsResponse is the response body for run listings.
type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// PlacementTarget restricts which nodes may execute runs of a deployment.
type PlacementTarget struct {
	Regions []string          `json:"regions,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// CreateDeploymentRequest is the request body for creating a deployment.
type CreateDeploymentRequest struct {
	AgentID   string          `json:"agent_id"`
	Version   string          `json:"version,omitempty"`
	Env       string          `json:"env,omitempty"`
	Replicas  int             `json:"replicas,omitempty"`
	Placement PlacementTarget `json:"placement"`
}

// CreateDeploymentResponse is the response body after creating a deployment.
type CreateDeploymentResponse struct {
	DeploymentID string `json:"deployment_id"`
}

// DeploymentResponse represents a deployment in API responses.
type DeploymentResponse struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Version   string          `json:"version,omitempty"`
	Env       string          `json:"env,omitempty"`
	Replicas  int             `json:"replicas"`
	Placement PlacementTarget `json:"placement"`
	CreatedAt time.Time       `json:"created_at"`
}

// NodeCapacity declares the execution capacity a node registers with.
type NodeCapacity struct {
	Slots     int `json:"slots"`
	CPUMillis int `json:"cpu_millis,omitempty"`
	MemoryMB  int `json:"memory_mb,omitempty"`
}

// NodeMetadata carries placement-relevant attributes of a node.
type NodeMetadata struct {
	Region string            `json:"region,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// RegisterNodeRequest is the request body for registering a node.
type RegisterNodeRequest struct {
	NodeID   string       `json:"node_id"`
	Metadata NodeMetadata `json:"metadata"`
	Capacity NodeCapacity `json:"capacity"`
}

// RegisterNodeResponse is the response body after registering a node.
// APIKey is returned exactly once; the node must present it as a bearer
// token on every subsequent call.
type RegisterNodeResponse struct {
	NodeID                   string `json:"node_id"`
	APIKey                   string `json:"api_key"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// HeartbeatRequest is the periodic status report from a node. The
// active-run and free-slot figures are advisory hints; the controller
// recomputes capacity from the lease table.
type HeartbeatRequest struct {
	State          string `json:"state,omitempty"`
	ActiveRuns     int    `json:"active_runs"`
	AvailableSlots int    `json:"available_slots"`
}

// NodeResponse represents a node in API responses.
type NodeResponse struct {
	ID                string       `json:"id"`
	State             string       `json:"state"`
	Metadata          NodeMetadata `json:"metadata"`
	Capacity          NodeCapacity `json:"capacity"`
	OutstandingLeases int          `json:"outstanding_leases"`
	FreeSlots         int          `json:"free_slots"`
	HeartbeatAt       time.Time    `json:"heartbeat_at"`
	RegisteredAt      time.Time    `json:"registered_at"`
}

// ListNodesResponse is the response body for fleet listings.
type ListNodesResponse struct {
	Nodes []NodeResponse `json:"nodes"`
}

// PullRequest opens a lease stream for a node. MaxLeases bounds how many
// unresolved leases the stream will keep outstanding at once.
type PullRequest struct {
	NodeID    string `json:"node_id"`
	MaxLeases int    `json:"max_leases"`
}

// LeaseMessage is one streamed lease grant. The Pull stream encodes one
// LeaseMessage per NDJSON line. CreatedAt is the run's submission time,
// so the node can report queue latency alongside its own run timing.
type LeaseMessage struct {
	LeaseID            string    `json:"lease_id"`
	RunID              string    `json:"run_id"`
	AgentID            string    `json:"agent_id"`
	Version            string    `json:"version,omitempty"`
	PayloadRef         string    `json:"payload_ref"`
	DeliveryAttempt    int       `json:"delivery_attempt"`
	VisibilityDeadline time.Time `json:"visibility_deadline"`
	CreatedAt          time.Time `json:"created_at"`
}

// AckLeaseRequest confirms receipt of a lease and extends its visibility.
type AckLeaseRequest struct {
	NodeID       string    `json:"node_id"`
	AckTimestamp time.Time `json:"ack_timestamp"`
}

// CompleteLeaseRequest reports successful execution of a leased run.
type CompleteLeaseRequest struct {
	RunID   string          `json:"run_id"`
	NodeID  string          `json:"node_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Timings RunTimings      `json:"timings"`
	Costs   RunCosts        `json:"costs"`
}

// FailLeaseRequest reports failed execution of a leased run.
type FailLeaseRequest struct {
	RunID        string          `json:"run_id"`
	NodeID       string          `json:"node_id"`
	ErrorMessage string          `json:"error_message"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	Timings      RunTimings      `json:"timings"`
	Retryable    bool            `json:"retryable"`
}

// LeaseResolutionResponse is the result of an Ack or Complete call.
type LeaseResolutionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// FailLeaseResponse is the result of a Fail call. ShouldRetry tells the
// node whether the controller will redeliver the run, so the node can
// short-circuit its own retry loop.
type FailLeaseResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	ShouldRetry bool   `json:"should_retry"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Run status values as they appear on the wire.
const (
	RunStatusPending   = "pending"
	RunStatusScheduled = "scheduled"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Node state values as they appear on the wire.
const (
	NodeStateActive       = "active"
	NodeStateDraining     = "draining"
	NodeStateDisconnected = "disconnected"
)
