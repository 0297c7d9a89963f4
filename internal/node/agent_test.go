package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"runplane/internal/node/runner"
	"runplane/pkg/api"
)

// fakeController is an in-process controller speaking just enough of
// the node protocol for agent tests.
type fakeController struct {
	srv *httptest.Server

	mu           sync.Mutex
	registered   []api.RegisterNodeRequest
	registerAuth string
	heartbeats   []api.HeartbeatRequest
	acks         []string
	completes    []api.CompleteLeaseRequest
	fails        []api.FailLeaseRequest
	drains       []bool

	ackStatus        int
	completeStatuses []int

	leaseCh chan api.LeaseMessage
}

func newFakeController(t *testing.T) *fakeController {
	f := &fakeController{
		ackStatus: http.StatusOK,
		leaseCh:   make(chan api.LeaseMessage, 16),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /nodes", func(w http.ResponseWriter, r *http.Request) {
		var req api.RegisterNodeRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.registered = append(f.registered, req)
		f.registerAuth = r.Header.Get("Authorization")
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.RegisterNodeResponse{
			NodeID: req.NodeID,
			APIKey: "rp_testkey",
		})
	})

	mux.HandleFunc("PUT /nodes/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req api.HeartbeatRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.heartbeats = append(f.heartbeats, req)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("DELETE /nodes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.drains = append(f.drains, r.URL.Query().Get("drain") == "true")
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /internal/leases/pull", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		enc := json.NewEncoder(w)
		for {
			select {
			case <-r.Context().Done():
				return
			case msg := <-f.leaseCh:
				enc.Encode(&msg)
				flusher.Flush()
			}
		}
	})

	mux.HandleFunc("POST /internal/leases/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.acks = append(f.acks, r.PathValue("id"))
		status := f.ackStatus
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Run was cancelled", Code: "run_cancelled"})
			return
		}
		json.NewEncoder(w).Encode(api.LeaseResolutionResponse{Success: true})
	})

	mux.HandleFunc("POST /internal/leases/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		var req api.CompleteLeaseRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.completes = append(f.completes, req)
		status := http.StatusOK
		if len(f.completeStatuses) > 0 {
			status = f.completeStatuses[0]
			f.completeStatuses = f.completeStatuses[1:]
		}
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Failed to complete lease"})
			return
		}
		json.NewEncoder(w).Encode(api.LeaseResolutionResponse{Success: true})
	})

	mux.HandleFunc("POST /internal/leases/{id}/fail", func(w http.ResponseWriter, r *http.Request) {
		var req api.FailLeaseRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.fails = append(f.fails, req)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(api.FailLeaseResponse{Success: true, ShouldRetry: req.Retryable})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeController) pushLease(msg api.LeaseMessage) {
	f.leaseCh <- msg
}

// fakeRunner records tasks and returns a canned outcome, tracking the
// peak number of concurrent executions.
type fakeRunner struct {
	mu      sync.Mutex
	tasks   []runner.Task
	active  int
	maxSeen int

	result *runner.Result
	err    error
	delay  time.Duration
}

func (r *fakeRunner) Run(ctx context.Context, task runner.Task) (*runner.Result, error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.active++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &runner.Result{Output: json.RawMessage(`"ok"`)}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startAgent(t *testing.T, f *fakeController, rn runner.Runner, cfg AgentConfig, apiKey string) (*Agent, context.CancelFunc) {
	t.Helper()
	client := NewClient(f.srv.URL, apiKey)
	agent := New(client, rn, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)

	t.Cleanup(func() {
		cancel()
		select {
		case <-agent.Done():
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return agent, cancel
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestAgent_RegistersAndHeartbeats(t *testing.T) {
	f := newFakeController(t)

	_, _ = startAgent(t, f, &fakeRunner{}, AgentConfig{
		NodeID:             "node-1",
		Slots:              2,
		Region:             "eu-west",
		Labels:             map[string]string{"gpu": "true"},
		RegistrationSecret: "fleet-secret",
		HeartbeatInterval:  20 * time.Millisecond,
	}, "")

	waitUntil(t, 2*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.registered) == 1 && len(f.heartbeats) >= 1
	})

	f.mu.Lock()
	defer f.mu.Unlock()

	reg := f.registered[0]
	if reg.NodeID != "node-1" {
		t.Errorf("expected node-1, got %s", reg.NodeID)
	}
	if reg.Capacity.Slots != 2 {
		t.Errorf("expected 2 slots, got %d", reg.Capacity.Slots)
	}
	if reg.Metadata.Region != "eu-west" {
		t.Errorf("expected region eu-west, got %s", reg.Metadata.Region)
	}
	if reg.Metadata.Labels["gpu"] != "true" {
		t.Errorf("expected gpu label, got %v", reg.Metadata.Labels)
	}
	if f.registerAuth != "Bearer fleet-secret" {
		t.Errorf("expected registration secret bearer, got %q", f.registerAuth)
	}
}

func TestAgent_SkipsRegistrationWithExistingKey(t *testing.T) {
	f := newFakeController(t)

	_, _ = startAgent(t, f, &fakeRunner{}, AgentConfig{
		NodeID:            "node-1",
		Slots:             1,
		HeartbeatInterval: 20 * time.Millisecond,
	}, "rp_existing")

	waitUntil(t, 2*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.heartbeats) >= 1
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.registered) != 0 {
		t.Errorf("expected no registration, got %d", len(f.registered))
	}
}

func TestAgent_RegistrationFailureStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Node id already registered"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	agent := New(client, &fakeRunner{}, AgentConfig{NodeID: "node-1", Slots: 1}, testLogger())

	err := agent.Run(context.Background())
	if err == nil {
		t.Fatal("expected registration failure")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 APIError, got %v", err)
	}

	select {
	case <-agent.Done():
	case <-time.After(time.Second):
		t.Error("done channel not closed after failed start")
	}
}

func TestAgent_ExecutesAndCompletesRun(t *testing.T) {
	f := newFakeController(t)
	rn := &fakeRunner{result: &runner.Result{
		Output:       json.RawMessage(`{"answer":42}`),
		InputTokens:  1200,
		OutputTokens: 340,
		CostUSD:      0.02,
	}}

	_, _ = startAgent(t, f, rn, AgentConfig{
		NodeID:            "node-1",
		Slots:             2,
		HeartbeatInterval: time.Minute,
	}, "rp_key")

	f.pushLease(api.LeaseMessage{
		LeaseID:         "lease-1",
		RunID:           "run-1",
		AgentID:         "summarizer",
		Version:         "1.4.0",
		PayloadRef:      "s3://payloads/run-1",
		DeliveryAttempt: 1,
		CreatedAt:       time.Now().UTC().Add(-2 * time.Second),
	})

	waitUntil(t, 2*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.completes) == 1
	})

	rn.mu.Lock()
	if len(rn.tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(rn.tasks))
	}
	task := rn.tasks[0]
	rn.mu.Unlock()

	if task.RunID != "run-1" || task.AgentID != "summarizer" || task.Version != "1.4.0" {
		t.Errorf("unexpected task: %+v", task)
	}
	if task.PayloadRef != "s3://payloads/run-1" {
		t.Errorf("unexpected payload ref: %s", task.PayloadRef)
	}
	if task.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", task.Attempt)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.acks) != 1 || f.acks[0] != "lease-1" {
		t.Errorf("expected ack for lease-1, got %v", f.acks)
	}

	complete := f.completes[0]
	if complete.RunID != "run-1" || complete.NodeID != "node-1" {
		t.Errorf("unexpected completion: %+v", complete)
	}
	if string(complete.Result) != `{"answer":42}` {
		t.Errorf("unexpected result: %s", complete.Result)
	}
	if complete.Costs.InputTokens != 1200 || complete.Costs.OutputTokens != 340 {
		t.Errorf("unexpected costs: %+v", complete.Costs)
	}
	if complete.Timings.QueuedMillis < 1500 {
		t.Errorf("expected queued time from submission, got %d ms", complete.Timings.QueuedMillis)
	}
}

func TestAgent_ReportsClassifiedFailure(t *testing.T) {
	f := newFakeController(t)
	rn := &fakeRunner{err: &runner.Failure{
		Message:   "model overloaded",
		Details:   json.RawMessage(`{"code":"overloaded"}`),
		Retryable: true,
	}}

	_, _ = startAgent(t, f, rn, AgentConfig{
		NodeID:            "node-1",
		Slots:             1,
		HeartbeatInterval: time.Minute,
	}, "rp_key")

	f.pushLease(api.LeaseMessage{LeaseID: "lease-1", RunID: "run-1", AgentID: "a", DeliveryAttempt: 1, CreatedAt: time.Now()})

	waitUntil(t, 2*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.fails) == 1
	})

	f.mu.Lock()
	defer f.mu.Unlock()

	fail := f.fails[0]
	if fail.ErrorMessage != "model overloaded" {
		t.Errorf("unexpected error message: %s", fail.ErrorMessage)
	}
	if !fail.Retryable {
		t.Error("expected retryable failure")
	}
	if string(fail.ErrorDetails) != `{"code":"overloaded"}` {
		t.Errorf("unexpected details: %s", fail.ErrorDetails)
	}
	if len(f.completes) != 0 {
		t.Errorf("expected no completion, got %d", len(f.completes))
	}
}

func TestAgent_UnclassifiedErrorIsRetryable(t *testing.T) {
	f := newFakeController(t)
	rn := &fakeRunner{err: errors.New("connection reset")}

	_, _ = startAgent(t, f, rn, AgentConfig{
		NodeID:            "node-1",
		Slots:             1,
		HeartbeatInterval: time.Minute,
	}, "rp_key")

	f.pushLease(api.LeaseMessage{LeaseID: "lease-1", RunID: "run-1", DeliveryAttempt: 1, CreatedAt: time.Now()})

	waitUntil(t, 2*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.fails) == 1
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fails[0].Retryable {
		t.Error("errors without a classification should default to retryable")
	}
}

func TestAgent_AckRejectedSkipsExecution(t *testing.T) {
	f := newFakeController(t)
	f.ackStatus = http.StatusConflict
	rn := &fakeRunner{}

	_, _ = startAgent(t, f, rn, AgentConfig{
		NodeID:            "node-1",
		Slots:             1,
		HeartbeatInterval: time.Minute,
	}, "rp_key")

	f.pushLease(api.LeaseMessage{LeaseID: "lease-1", RunID: "run-1", DeliveryAttempt: 1, CreatedAt: time.Now()})

	waitUntil(t, 2*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.acks) == 1
	})

	// Give the agent a beat to misbehave before asserting it did not.
	time.Sleep(50 * time.Millisecond)

	rn.mu.Lock()
	tasks := len(rn.tasks)
	rn.mu.Unlock()
	if tasks != 0 {
		t.Errorf("expected no execution after rejected ack, got %d", tasks)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.completes) != 0 || len(f.fails) != 0 {
		t.Error("expected no resolution for a rejected lease")
	}
}

func TestAgent_ConcurrencyBounded(t *testing.T) {
	f := newFakeController(t)
	rn := &fakeRunner{delay: 100 * time.Millisecond}

	_, _ = startAgent(t, f, rn, AgentConfig{
		NodeID:            "node-1",
		Slots:             2,
		HeartbeatInterval: time.Minute,
	}, "rp_key")

	for i := 0; i < 5; i++ {
		f.pushLease(api.LeaseMessage{
			LeaseID:         "lease-" + string(rune('a'+i)),
			RunID:           "run-" + string(rune('a'+i)),
			DeliveryAttempt: 1,
			CreatedAt:       time.Now(),
		})
	}

	waitUntil(t, 5*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.completes) == 5
	})

	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.maxSeen > 2 {
		t.Errorf("expected at most 2 concurrent runs, saw %d", rn.maxSeen)
	}
}

func TestAgent_RetriesTransientCompletion(t *testing.T) {
	oldDelay := resolutionRetryDelay
	resolutionRetryDelay = 10 * time.Millisecond
	defer func() { resolutionRetryDelay = oldDelay }()

	f := newFakeController(t)
	f.completeStatuses = []int{http.StatusInternalServerError, http.StatusOK}

	_, _ = startAgent(t, f, &fakeRunner{}, AgentConfig{
		NodeID:            "node-1",
		Slots:             1,
		HeartbeatInterval: time.Minute,
	}, "rp_key")

	f.pushLease(api.LeaseMessage{LeaseID: "lease-1", RunID: "run-1", DeliveryAttempt: 1, CreatedAt: time.Now()})

	waitUntil(t, 2*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.completes) == 2
	})
}

func TestAgent_DrainFinishesInflightRuns(t *testing.T) {
	f := newFakeController(t)
	rn := &fakeRunner{delay: 200 * time.Millisecond}

	agent, cancel := startAgent(t, f, rn, AgentConfig{
		NodeID:            "node-1",
		Slots:             1,
		HeartbeatInterval: time.Minute,
	}, "rp_key")

	f.pushLease(api.LeaseMessage{LeaseID: "lease-1", RunID: "run-1", DeliveryAttempt: 1, CreatedAt: time.Now()})

	waitUntil(t, 2*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.acks) == 1
	})

	cancel()

	select {
	case <-agent.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not drain")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.completes) != 1 {
		t.Fatalf("expected the in-flight run to complete during drain, got %d", len(f.completes))
	}
	if len(f.drains) != 2 || !f.drains[0] || f.drains[1] {
		t.Errorf("expected drain announcement then deregistration, got %v", f.drains)
	}
}
