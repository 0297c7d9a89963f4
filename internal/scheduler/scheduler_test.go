package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"runplane/internal/config"
	"runplane/internal/events"
	"runplane/internal/observability"
	"runplane/internal/store"
	"runplane/internal/store/memstore"

	"github.com/google/uuid"
)

func newTestScheduler(t *testing.T, m *memstore.Store) *Scheduler {
	t.Helper()

	metrics, err := observability.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	bus := events.NewBus(8)
	t.Cleanup(bus.Close)

	cfg := &config.Config{
		VisibilityWindow: 30 * time.Second,
		MaxLeasesPerNode: 16,
	}
	return New(m, cfg, metrics, bus, nil)
}

func createRun(t *testing.T, m *memstore.Store, agentID string, deploymentID *uuid.UUID) *store.Run {
	t.Helper()

	run := &store.Run{
		ID:           uuid.New(),
		AgentID:      agentID,
		Version:      "1.0.0",
		DeploymentID: deploymentID,
		InputRef:     "s3://inputs/" + agentID,
		Status:       store.RunStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.CreateRun(context.Background(), nil, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	// Keep created_at strictly increasing so scheduling order is stable.
	time.Sleep(time.Millisecond)
	return run
}

func createNode(t *testing.T, m *memstore.Store, id, region string, labels map[string]string, slots int) *store.Node {
	t.Helper()

	node := &store.Node{
		ID:     id,
		Region: region,
		Labels: labels,
		Slots:  slots,
		State:  store.NodeStateActive,
	}
	if err := m.RegisterNode(context.Background(), node, "hash-"+id); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	return node
}

func createDeployment(t *testing.T, m *memstore.Store, regions []string, labels map[string]string) *store.Deployment {
	t.Helper()

	dep := &store.Deployment{
		ID:        uuid.New(),
		AgentID:   "agent-a",
		Version:   "1.0.0",
		Env:       "prod",
		Replicas:  1,
		Regions:   regions,
		Labels:    labels,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.CreateDeployment(context.Background(), nil, dep); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	return dep
}

func TestGrantForNode_SubmissionOrder(t *testing.T) {
	m := memstore.New()
	s := newTestScheduler(t, m)

	first := createRun(t, m, "agent-a", nil)
	second := createRun(t, m, "agent-b", nil)
	createRun(t, m, "agent-c", nil)

	node := createNode(t, m, "node-1", "eu-west-1", nil, 2)

	grants, err := s.GrantForNode(context.Background(), node, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("got %d grants, want 2", len(grants))
	}
	if grants[0].Run.ID != first.ID {
		t.Errorf("first grant = %s, want %s", grants[0].Run.ID, first.ID)
	}
	if grants[1].Run.ID != second.ID {
		t.Errorf("second grant = %s, want %s", grants[1].Run.ID, second.ID)
	}

	for _, g := range grants {
		if g.Run.Status != store.RunStatusScheduled {
			t.Errorf("run %s status = %s, want scheduled", g.Run.ID, g.Run.Status)
		}
		if g.Run.DeliveryAttempts != 1 {
			t.Errorf("run %s attempts = %d, want 1", g.Run.ID, g.Run.DeliveryAttempts)
		}
		if g.Lease.NodeID != node.ID {
			t.Errorf("lease node = %s, want %s", g.Lease.NodeID, node.ID)
		}
		if g.Lease.State != store.LeaseStateGranted {
			t.Errorf("lease state = %s, want granted", g.Lease.State)
		}
	}
}

func TestGrantForNode_WantClampsGrantCount(t *testing.T) {
	m := memstore.New()
	s := newTestScheduler(t, m)

	createRun(t, m, "agent-a", nil)
	createRun(t, m, "agent-b", nil)
	node := createNode(t, m, "node-1", "eu-west-1", nil, 8)

	grants, err := s.GrantForNode(context.Background(), node, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("got %d grants, want 1", len(grants))
	}
}

func TestGrantForNode_PlacementRegion(t *testing.T) {
	m := memstore.New()
	s := newTestScheduler(t, m)

	dep := createDeployment(t, m, []string{"us-east-1"}, nil)
	constrained := createRun(t, m, "agent-a", &dep.ID)
	unconstrained := createRun(t, m, "agent-b", nil)

	node := createNode(t, m, "node-eu", "eu-west-1", nil, 4)

	grants, err := s.GrantForNode(context.Background(), node, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("got %d grants, want 1", len(grants))
	}
	if grants[0].Run.ID != unconstrained.ID {
		t.Errorf("granted %s, want the unconstrained run %s", grants[0].Run.ID, unconstrained.ID)
	}

	// A node in the right region picks up the constrained run.
	east := createNode(t, m, "node-us", "us-east-1", nil, 4)
	grants, err = s.GrantForNode(context.Background(), east, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 1 || grants[0].Run.ID != constrained.ID {
		t.Fatalf("expected the constrained run %s, got %v", constrained.ID, grants)
	}
}

func TestGrantForNode_PlacementLabels(t *testing.T) {
	m := memstore.New()
	s := newTestScheduler(t, m)

	dep := createDeployment(t, m, nil, map[string]string{"gpu": "a100"})
	run := createRun(t, m, "agent-a", &dep.ID)

	plain := createNode(t, m, "node-cpu", "eu-west-1", nil, 4)
	grants, err := s.GrantForNode(context.Background(), plain, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("node without labels got %d grants, want 0", len(grants))
	}

	gpu := createNode(t, m, "node-gpu", "eu-west-1", map[string]string{"gpu": "a100", "pool": "batch"}, 4)
	grants, err = s.GrantForNode(context.Background(), gpu, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 1 || grants[0].Run.ID != run.ID {
		t.Fatalf("expected run %s on the gpu node, got %v", run.ID, grants)
	}
}

func TestGrantForNode_CapacityFromOutstandingLeases(t *testing.T) {
	m := memstore.New()
	s := newTestScheduler(t, m)

	createRun(t, m, "agent-a", nil)
	createRun(t, m, "agent-b", nil)
	node := createNode(t, m, "node-1", "eu-west-1", nil, 1)

	grants, err := s.GrantForNode(context.Background(), node, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("got %d grants, want 1", len(grants))
	}

	// The outstanding lease occupies the only slot.
	grants, err = s.GrantForNode(context.Background(), node, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("full node got %d grants, want 0", len(grants))
	}

	// Completing the lease frees the slot for the second run.
	lease := mustAck(t, m, node.ID)
	if err := m.CompleteLease(context.Background(), lease.ID, lease.RunID, node.ID, &store.RunResolution{}); err != nil {
		t.Fatalf("CompleteLease: %v", err)
	}
	grants, err = s.GrantForNode(context.Background(), node, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("got %d grants after completion, want 1", len(grants))
	}
}

func mustAck(t *testing.T, m *memstore.Store, nodeID string) *store.Lease {
	t.Helper()

	leases, err := m.ListNodeLeases(context.Background(), nodeID, []store.LeaseState{store.LeaseStateGranted})
	if err != nil {
		t.Fatalf("ListNodeLeases: %v", err)
	}
	if len(leases) == 0 {
		t.Fatal("no granted lease to ack")
	}
	lease, err := m.AckLease(context.Background(), leases[0].ID, nodeID, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("AckLease: %v", err)
	}
	return lease
}

func TestGrantForNode_PerNodeLeaseLimit(t *testing.T) {
	m := memstore.New()

	metrics, err := observability.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	bus := events.NewBus(8)
	t.Cleanup(bus.Close)

	cfg := &config.Config{
		VisibilityWindow: 30 * time.Second,
		MaxLeasesPerNode: 2,
	}
	s := New(m, cfg, metrics, bus, nil)

	for i := 0; i < 4; i++ {
		createRun(t, m, "agent-a", nil)
	}
	node := createNode(t, m, "node-big", "eu-west-1", nil, 8)

	grants, err := s.GrantForNode(context.Background(), node, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("got %d grants, want the per-node limit of 2", len(grants))
	}
}

func TestGrantForNode_OnlyActiveNodes(t *testing.T) {
	m := memstore.New()
	s := newTestScheduler(t, m)

	createRun(t, m, "agent-a", nil)
	node := createNode(t, m, "node-1", "eu-west-1", nil, 4)

	if err := m.SetNodeState(context.Background(), node.ID, store.NodeStateDraining); err != nil {
		t.Fatalf("SetNodeState: %v", err)
	}
	node.State = store.NodeStateDraining

	grants, err := s.GrantForNode(context.Background(), node, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("draining node got %d grants, want 0", len(grants))
	}
}

func TestGrantForNode_ConcurrentNodesNeverShareARun(t *testing.T) {
	m := memstore.New()
	s := newTestScheduler(t, m)

	const runCount = 20
	for i := 0; i < runCount; i++ {
		createRun(t, m, "agent-a", nil)
	}

	nodes := []*store.Node{
		createNode(t, m, "node-1", "eu-west-1", nil, 2),
		createNode(t, m, "node-2", "eu-west-1", nil, 2),
		createNode(t, m, "node-3", "eu-west-1", nil, 2),
		createNode(t, m, "node-4", "eu-west-1", nil, 2),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	granted := make(map[uuid.UUID]string)

	for _, node := range nodes {
		wg.Add(1)
		go func(node *store.Node) {
			defer wg.Done()
			grants, err := s.GrantForNode(context.Background(), node, 0)
			if err != nil {
				t.Errorf("GrantForNode(%s): %v", node.ID, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, g := range grants {
				if prev, ok := granted[g.Run.ID]; ok {
					t.Errorf("run %s granted to both %s and %s", g.Run.ID, prev, node.ID)
				}
				granted[g.Run.ID] = node.ID
			}
		}(node)
	}
	wg.Wait()

	// Fleet capacity is 8, so exactly 8 distinct runs must be leased out.
	if len(granted) != 8 {
		t.Errorf("got %d granted runs, want 8", len(granted))
	}

	pending, err := m.ListPendingRuns(context.Background(), runCount+1)
	if err != nil {
		t.Fatalf("ListPendingRuns: %v", err)
	}
	if len(pending) != runCount-8 {
		t.Errorf("got %d pending runs left, want %d", len(pending), runCount-8)
	}
}

func TestGrantForNode_SingleRunSingleWinner(t *testing.T) {
	m := memstore.New()
	s := newTestScheduler(t, m)

	run := createRun(t, m, "agent-a", nil)

	nodes := []*store.Node{
		createNode(t, m, "node-1", "eu-west-1", nil, 1),
		createNode(t, m, "node-2", "eu-west-1", nil, 1),
	}

	var wg sync.WaitGroup
	results := make([][]Grant, len(nodes))
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node *store.Node) {
			defer wg.Done()
			grants, err := s.GrantForNode(context.Background(), node, 0)
			if err != nil {
				t.Errorf("GrantForNode(%s): %v", node.ID, err)
				return
			}
			results[i] = grants
		}(i, node)
	}
	wg.Wait()

	total := len(results[0]) + len(results[1])
	if total != 1 {
		t.Fatalf("got %d grants for one run, want exactly 1", total)
	}

	got, err := m.GetRunByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRunByID: %v", err)
	}
	if got.Status != store.RunStatusScheduled {
		t.Errorf("run status = %s, want scheduled", got.Status)
	}
	if got.DeliveryAttempts != 1 {
		t.Errorf("delivery attempts = %d, want 1", got.DeliveryAttempts)
	}
}
