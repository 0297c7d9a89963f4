// Package runner is the execution boundary of the node agent. The
// agent hands a leased run to a Runner and reports the outcome back to
// the controller; what happens in between (model invocation, tool
// calls, sandboxing) is the runner's business.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
)

// Task describes one leased run handed to a runner.
type Task struct {
	RunID      string
	AgentID    string
	Version    string
	PayloadRef string
	// Attempt is the delivery attempt this execution belongs to, so a
	// harness can tell a retry from a first delivery.
	Attempt int
}

// Result is a successful execution outcome. Output is the result
// document the controller persists verbatim; the usage figures feed the
// run's cost accounting.
type Result struct {
	Output       json.RawMessage
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Failure is an execution failure with its retry classification. The
// agent forwards Retryable to the controller, which still bounds
// retries by the delivery-attempt limit.
type Failure struct {
	Message   string
	Details   json.RawMessage
	Retryable bool
}

func (f *Failure) Error() string {
	return fmt.Sprintf("run failed: %s", f.Message)
}

// Runner executes one task to completion. Run blocks until the task
// finishes or ctx is cancelled; a *Failure return carries the
// node-declared retry classification, any other error is treated as
// retryable by the agent.
type Runner interface {
	Run(ctx context.Context, task Task) (*Result, error)
}
