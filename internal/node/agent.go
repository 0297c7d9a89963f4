package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"runplane/internal/node/runner"
	"runplane/pkg/api"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// resolutionAttempts bounds how many times a protocol call is repeated
// on transient failures before the lease is left to expire and
// redeliver.
const resolutionAttempts = 3

// resolveTimeout bounds the whole resolution exchange for one run,
// retries included.
const resolveTimeout = 30 * time.Second

// resolutionRetryDelay paces repeated protocol calls; variable so tests
// can tighten it.
var resolutionRetryDelay = time.Second

// AgentConfig holds configuration for the node agent.
type AgentConfig struct {
	NodeID string
	// Slots is how many runs execute concurrently; it is also the
	// capacity the node registers with.
	Slots  int
	Region string
	Labels map[string]string
	// RegistrationSecret authenticates the initial registration when the
	// agent does not hold an API key yet.
	RegistrationSecret string
	HeartbeatInterval  time.Duration
	// RunTimeout cancels executions the harness never finishes.
	RunTimeout time.Duration
	// ReconnectBackoff is the initial delay before redialing a broken
	// pull stream; it doubles per failure up to MaxBackoff.
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
}

// Agent pulls leases from the controller and executes them. It keeps a
// slot semaphore so at most Slots runs are in flight, acknowledges each
// lease before execution, and reports every outcome back; a resolution
// it cannot deliver is left to the controller's expiry sweep.
type Agent struct {
	client *Client
	runner runner.Runner
	config AgentConfig
	logger *slog.Logger

	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}
}

// New creates a node agent. The client's API key may be empty, in which
// case the agent registers itself on start using the registration
// secret.
func New(client *Client, rn runner.Runner, config AgentConfig, logger *slog.Logger) *Agent {
	if config.Slots <= 0 {
		config.Slots = 1
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 15 * time.Second
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 30 * time.Minute
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		client: client,
		runner: rn,
		config: config,
		logger: logger,
		sem:    make(chan struct{}, config.Slots),
		done:   make(chan struct{}),
	}
}

// Run registers the node if needed, then consumes the lease stream
// until ctx is cancelled. On shutdown it announces draining, lets
// in-flight runs finish, and deregisters.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	if err := a.ensureRegistered(ctx); err != nil {
		return err
	}
	a.logger.Info("node agent started",
		"node_id", a.config.NodeID,
		"slots", a.config.Slots,
		"controller", a.client.BaseURL)

	go a.heartbeatLoop(ctx)

	a.streamLoop(ctx)

	a.logger.Info("draining, waiting for in-flight runs", "active", len(a.sem))
	a.announceDrain()
	a.wg.Wait()
	a.deregister()

	return ctx.Err()
}

// Done returns a channel that is closed when the agent has fully
// stopped, in-flight runs included.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// ensureRegistered registers the node when the client holds no API key
// yet. The controller's suggested heartbeat interval wins over the
// configured one.
func (a *Agent) ensureRegistered(ctx context.Context) error {
	if a.client.APIKey != "" {
		return nil
	}

	resp, err := a.client.Register(ctx, a.config.RegistrationSecret, api.RegisterNodeRequest{
		NodeID: a.config.NodeID,
		Metadata: api.NodeMetadata{
			Region: a.config.Region,
			Labels: a.config.Labels,
		},
		Capacity: api.NodeCapacity{Slots: a.config.Slots},
	})
	if err != nil {
		return fmt.Errorf("register node %s: %w", a.config.NodeID, err)
	}

	a.client.APIKey = resp.APIKey
	if resp.HeartbeatIntervalSeconds > 0 {
		a.config.HeartbeatInterval = time.Duration(resp.HeartbeatIntervalSeconds) * time.Second
	}
	a.logger.Info("registered with controller",
		"node_id", resp.NodeID,
		"heartbeat_interval", a.config.HeartbeatInterval)
	return nil
}

// heartbeatLoop reports liveness and advisory load figures until ctx is
// cancelled. A missed heartbeat is only logged; the next tick retries.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := len(a.sem)
			err := a.client.Heartbeat(ctx, a.config.NodeID, api.HeartbeatRequest{
				ActiveRuns:     active,
				AvailableSlots: a.config.Slots - active,
			})
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// streamLoop keeps one pull stream open, redialing with exponential
// backoff when the connection drops. A stream that delivered work
// resets the backoff.
func (a *Agent) streamLoop(ctx context.Context) {
	backoff := a.config.ReconnectBackoff

	for ctx.Err() == nil {
		stream, err := a.client.PullLeases(ctx, a.config.NodeID, a.config.Slots)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("pull stream dial failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, a.config.MaxBackoff)
			continue
		}

		backoff = a.config.ReconnectBackoff
		err = a.consumeStream(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			a.logger.Warn("pull stream broken", "error", err)
		}
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// consumeStream dispatches leases from one open stream. A slot is
// acquired before the next read, so a saturated node stops consuming
// instead of buffering grants it cannot start.
func (a *Agent) consumeStream(ctx context.Context, stream *LeaseStream) error {
	for {
		msg, err := stream.Next()
		if err != nil {
			return err
		}

		select {
		case a.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		a.wg.Add(1)
		go func(msg *api.LeaseMessage) {
			defer a.wg.Done()
			defer func() { <-a.sem }()
			a.processLease(ctx, msg)
		}(msg)
	}
}

// processLease acknowledges one lease, executes its run, and reports
// the outcome. A lease the controller refuses to acknowledge is dropped
// without executing.
func (a *Agent) processLease(ctx context.Context, msg *api.LeaseMessage) {
	tracer := otel.Tracer("node-agent")
	ctx, span := tracer.Start(ctx, "process_run",
		trace.WithAttributes(
			attribute.String("run.id", msg.RunID),
			attribute.String("lease.id", msg.LeaseID),
			attribute.String("agent.id", msg.AgentID),
			attribute.Int("run.delivery_attempt", msg.DeliveryAttempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	logger := a.logger.With("run_id", msg.RunID, "lease_id", msg.LeaseID, "attempt", msg.DeliveryAttempt)

	if err := a.ackLease(ctx, msg.LeaseID); err != nil {
		span.RecordError(err)
		logger.Warn("lease rejected before execution", "error", err)
		return
	}

	queuedMillis := time.Now().UTC().Sub(msg.CreatedAt).Milliseconds()
	if queuedMillis < 0 {
		queuedMillis = 0
	}

	logger.Info("executing run")

	// The execution context survives agent shutdown so SIGTERM drains
	// instead of killing in-flight runs; only the run timeout cancels.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.RunTimeout)
	defer cancel()

	start := time.Now()
	result, runErr := a.runner.Run(execCtx, runner.Task{
		RunID:      msg.RunID,
		AgentID:    msg.AgentID,
		Version:    msg.Version,
		PayloadRef: msg.PayloadRef,
		Attempt:    msg.DeliveryAttempt,
	})
	timings := api.RunTimings{
		QueuedMillis:  queuedMillis,
		RunningMillis: time.Since(start).Milliseconds(),
	}

	resolveCtx, cancelResolve := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancelResolve()

	if runErr != nil {
		span.RecordError(runErr)
		a.reportFailure(resolveCtx, logger, msg, runErr, timings)
		return
	}
	a.reportCompletion(resolveCtx, logger, msg, result, timings)
}

// ackLease confirms receipt before execution starts. Transient errors
// are retried; a conflict means the run was cancelled or the lease
// reclaimed, and the caller must not execute.
func (a *Agent) ackLease(ctx context.Context, leaseID string) error {
	return a.withRetries(ctx, func(ctx context.Context) error {
		return a.client.AckLease(ctx, leaseID, api.AckLeaseRequest{
			NodeID:       a.config.NodeID,
			AckTimestamp: time.Now().UTC(),
		})
	})
}

func (a *Agent) reportCompletion(ctx context.Context, logger *slog.Logger, msg *api.LeaseMessage, result *runner.Result, timings api.RunTimings) {
	req := api.CompleteLeaseRequest{
		RunID:   msg.RunID,
		NodeID:  a.config.NodeID,
		Result:  result.Output,
		Timings: timings,
		Costs: api.RunCosts{
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			USD:          result.CostUSD,
		},
	}

	err := a.withRetries(ctx, func(ctx context.Context) error {
		return a.client.CompleteLease(ctx, msg.LeaseID, req)
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			// Cancelled or reclaimed while we executed; the controller
			// already settled the run.
			logger.Warn("completion rejected", "error", err)
			return
		}
		logger.Error("failed to report completion, lease will expire and redeliver", "error", err)
		return
	}

	logger.Info("run completed", "running_ms", timings.RunningMillis)
}

func (a *Agent) reportFailure(ctx context.Context, logger *slog.Logger, msg *api.LeaseMessage, runErr error, timings api.RunTimings) {
	var failure *runner.Failure
	if !errors.As(runErr, &failure) {
		failure = &runner.Failure{Message: runErr.Error(), Retryable: true}
	}

	req := api.FailLeaseRequest{
		RunID:        msg.RunID,
		NodeID:       a.config.NodeID,
		ErrorMessage: failure.Message,
		ErrorDetails: failure.Details,
		Timings:      timings,
		Retryable:    failure.Retryable,
	}

	var resp *api.FailLeaseResponse
	err := a.withRetries(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = a.client.FailLease(ctx, msg.LeaseID, req)
		return callErr
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			logger.Warn("failure report rejected", "error", err)
			return
		}
		logger.Error("failed to report failure, lease will expire and redeliver", "error", err)
		return
	}

	logger.Warn("run failed",
		"error", failure.Message,
		"retryable", failure.Retryable,
		"will_redeliver", resp.ShouldRetry)
}

// withRetries repeats a protocol call on transient failures. Answers
// the controller meant (4xx) return immediately.
func (a *Agent) withRetries(ctx context.Context, call func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < resolutionAttempts; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, time.Duration(attempt)*resolutionRetryDelay) {
				return ctx.Err()
			}
		}
		if err = call(ctx); err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return err
		}
	}
	return err
}

// announceDrain tells the controller to stop granting to this node
// while in-flight runs finish. Best effort.
func (a *Agent) announceDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx, a.config.NodeID, true); err != nil {
		a.logger.Warn("drain announcement failed", "error", err)
	}
}

// deregister leaves the fleet once every run is resolved. Best effort;
// a missed deregistration just means the heartbeat sweep cleans up.
func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx, a.config.NodeID, false); err != nil {
		a.logger.Warn("deregistration failed", "error", err)
	}
}

// sleep waits for d or ctx, whichever ends first. It reports false when
// the context ended the wait.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}
