package handlers

import (
	"context"
	"testing"
	"time"

	"runplane/internal/auth"
	"runplane/internal/config"
	"runplane/internal/events"
	"runplane/internal/observability"
	"runplane/internal/scheduler"
	"runplane/internal/store"
	"runplane/internal/store/memstore"

	"github.com/google/uuid"
)

// newTestHandlers wires a Handlers instance around the given store with
// test-friendly config. Most tests pass a memstore directly; error-path
// tests wrap it in a failingStore.
func newTestHandlers(t *testing.T, s StoreFactory) *Handlers {
	t.Helper()

	metrics, err := observability.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)

	cfg := &config.Config{
		MaxDeliveryCount: 3,
		VisibilityWindow: 30 * time.Second,
		HeartbeatTimeout: 45 * time.Second,
		MaxLeasesPerNode: 16,
		PullPollInterval: 20 * time.Millisecond,
	}
	return New(s, scheduler.New(s, cfg, metrics, bus, nil), cfg, metrics, bus)
}

// failingStore wraps a real store and forces errors on selected calls.
type failingStore struct {
	StoreFactory

	pingErr             error
	createRunErr        error
	listRunsErr         error
	createDeploymentErr error
	listNodesErr        error
}

func (f *failingStore) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.StoreFactory.Ping(ctx)
}

func (f *failingStore) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	if f.createRunErr != nil {
		return f.createRunErr
	}
	return f.StoreFactory.CreateRun(ctx, tx, run)
}

func (f *failingStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	if f.listRunsErr != nil {
		return nil, f.listRunsErr
	}
	return f.StoreFactory.ListRuns(ctx, filter)
}

func (f *failingStore) CreateDeployment(ctx context.Context, tx store.DBTransaction, deployment *store.Deployment) error {
	if f.createDeploymentErr != nil {
		return f.createDeploymentErr
	}
	return f.StoreFactory.CreateDeployment(ctx, tx, deployment)
}

func (f *failingStore) ListNodes(ctx context.Context) ([]store.SchedulableNode, error) {
	if f.listNodesErr != nil {
		return nil, f.listNodesErr
	}
	return f.StoreFactory.ListNodes(ctx)
}

func seedRun(t *testing.T, m *memstore.Store, agentID string) *store.Run {
	t.Helper()

	run := &store.Run{
		ID:        uuid.New(),
		AgentID:   agentID,
		Version:   "1.0.0",
		InputRef:  "s3://inputs/" + agentID,
		Status:    store.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.CreateRun(context.Background(), nil, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	time.Sleep(time.Millisecond)
	return run
}

// seedNode registers a node directly in the store and returns the raw
// API key a real node would have received at registration.
func seedNode(t *testing.T, m *memstore.Store, id string, slots int) (*store.Node, string) {
	t.Helper()

	apiKey, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	now := time.Now().UTC()
	node := &store.Node{
		ID:             id,
		Region:         "us-east-1",
		Slots:          slots,
		State:          store.NodeStateActive,
		AvailableSlots: slots,
		HeartbeatAt:    now,
		RegisteredAt:   now,
	}
	if err := m.RegisterNode(context.Background(), node, auth.HashKey(apiKey)); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	return node, apiKey
}

// grantLease walks a run through the grant transition so lease endpoint
// tests start from a realistic scheduled state.
func grantLease(t *testing.T, m *memstore.Store, runID uuid.UUID, nodeID string) *store.Lease {
	t.Helper()

	lease, err := m.GrantLease(context.Background(), runID, nodeID, time.Now().UTC().Add(30*time.Second))
	if err != nil {
		t.Fatalf("GrantLease: %v", err)
	}
	return lease
}

// ackLease moves a granted lease to acknowledged and its run to running.
func ackLease(t *testing.T, m *memstore.Store, leaseID uuid.UUID, nodeID string) *store.Lease {
	t.Helper()

	lease, err := m.AckLease(context.Background(), leaseID, nodeID, time.Now().UTC().Add(30*time.Second))
	if err != nil {
		t.Fatalf("AckLease: %v", err)
	}
	return lease
}

// failRunTerminally walks a pending run to dead-lettered failed status.
func failRunTerminally(t *testing.T, m *memstore.Store, runID uuid.UUID, nodeID string) {
	t.Helper()

	lease := grantLease(t, m, runID, nodeID)
	ackLease(t, m, lease.ID, nodeID)
	res := &store.RunResolution{ErrorMessage: "agent crashed"}
	if _, err := m.FailLease(context.Background(), lease.ID, runID, nodeID, res, false, 3); err != nil {
		t.Fatalf("FailLease: %v", err)
	}
}
