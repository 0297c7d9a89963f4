package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"runplane/internal/store"

	"github.com/lib/pq"
)

const nodeColumns = `id, region, labels, slots, cpu_millis, memory_mb, state, active_runs, available_slots, heartbeat_at, registered_at`

func scanNode(row rowScanner) (*store.Node, error) {
	var node store.Node
	var labels []byte
	err := row.Scan(
		&node.ID, &node.Region, &labels, &node.Slots, &node.CPUMillis,
		&node.MemoryMB, &node.State, &node.ActiveRuns, &node.AvailableSlots,
		&node.HeartbeatAt, &node.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &node.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels for node %s: %w", node.ID, err)
		}
	}
	return &node, nil
}

// RegisterNode inserts a new node with its API key hash. Returns
// ErrConflict if the node ID is already registered.
func (s *Store) RegisterNode(ctx context.Context, node *store.Node, keyHash string) error {
	labels, err := json.Marshal(node.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels for node %s: %w", node.ID, err)
	}

	query := `
		INSERT INTO nodes (id, api_key_hash, region, labels, slots, cpu_millis, memory_mb,
			state, active_runs, available_slots, heartbeat_at, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = s.db.ExecContext(ctx, query,
		node.ID, keyHash, node.Region, labels, node.Slots, node.CPUMillis,
		node.MemoryMB, node.State, node.ActiveRuns, node.AvailableSlots,
		node.HeartbeatAt, node.RegisteredAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("node %s already registered: %w", node.ID, store.ErrConflict)
		}
		return fmt.Errorf("failed to register node %s: %w", node.ID, err)
	}
	return nil
}

// GetNodeByID returns a node by its ID.
func (s *Store) GetNodeByID(ctx context.Context, id string) (*store.Node, error) {
	query := fmt.Sprintf("SELECT %s FROM nodes WHERE id = $1", nodeColumns)

	node, err := scanNode(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", id, err)
	}
	return node, nil
}

// GetNodeByAPIKeyHash returns a node by its API key hash.
func (s *Store) GetNodeByAPIKeyHash(ctx context.Context, hash string) (*store.Node, error) {
	query := fmt.Sprintf("SELECT %s FROM nodes WHERE api_key_hash = $1", nodeColumns)

	node, err := scanNode(s.db.QueryRowContext(ctx, query, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node by key hash: %w", err)
	}
	return node, nil
}

// Heartbeat records a node's liveness and advisory self-report. The
// reported state is last-write-wins, so a node that fell to disconnected
// rejoins the fleet on its next heartbeat.
func (s *Store) Heartbeat(ctx context.Context, id string, state store.NodeState, activeRuns, availableSlots int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET heartbeat_at = NOW(), state = $1, active_runs = $2, available_slots = $3
		WHERE id = $4
	`, state, activeRuns, availableSlots, id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat node %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// SetNodeState moves a node between active, draining and disconnected.
func (s *Store) SetNodeState(ctx context.Context, id string, state store.NodeState) error {
	res, err := s.db.ExecContext(ctx, "UPDATE nodes SET state = $1 WHERE id = $2", state, id)
	if err != nil {
		return fmt.Errorf("failed to set state for node %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// MarkStaleNodesDisconnected transitions every active or draining node
// whose last heartbeat predates cutoff to disconnected and returns their
// IDs so the caller can reclaim their leases.
func (s *Store) MarkStaleNodesDisconnected(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE nodes SET state = $1
		WHERE state IN ($2, $3) AND heartbeat_at < $4
		RETURNING id
	`, store.NodeStateDisconnected, store.NodeStateActive, store.NodeStateDraining, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale nodes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stale node id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const nodeWithLeasesQuery = `
	SELECT n.id, n.region, n.labels, n.slots, n.cpu_millis, n.memory_mb,
	       n.state, n.active_runs, n.available_slots, n.heartbeat_at, n.registered_at,
	       COUNT(l.id) AS outstanding
	FROM nodes n
	LEFT JOIN leases l ON l.node_id = n.id AND l.state IN ('granted', 'acknowledged')
	%s
	GROUP BY n.id
	ORDER BY n.registered_at ASC
`

func (s *Store) listNodesWithLeases(ctx context.Context, whereClause string, args ...interface{}) ([]store.SchedulableNode, error) {
	query := fmt.Sprintf(nodeWithLeasesQuery, whereClause)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []store.SchedulableNode
	for rows.Next() {
		var sn store.SchedulableNode
		var labels []byte
		err := rows.Scan(
			&sn.ID, &sn.Region, &labels, &sn.Slots, &sn.CPUMillis,
			&sn.MemoryMB, &sn.State, &sn.ActiveRuns, &sn.AvailableSlots,
			&sn.HeartbeatAt, &sn.RegisteredAt, &sn.OutstandingLeases,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if len(labels) > 0 {
			if err := json.Unmarshal(labels, &sn.Labels); err != nil {
				return nil, fmt.Errorf("failed to decode labels for node %s: %w", sn.ID, err)
			}
		}
		nodes = append(nodes, sn)
	}
	return nodes, rows.Err()
}

// ListNodes returns all nodes joined with their authoritative
// outstanding-lease counts.
func (s *Store) ListNodes(ctx context.Context) ([]store.SchedulableNode, error) {
	return s.listNodesWithLeases(ctx, "")
}

// ListSchedulableNodes returns active nodes joined with their
// outstanding-lease counts, for lease matching.
func (s *Store) ListSchedulableNodes(ctx context.Context) ([]store.SchedulableNode, error) {
	return s.listNodesWithLeases(ctx, "WHERE n.state = $1", store.NodeStateActive)
}

// CountNodesByState returns the number of nodes per state.
func (s *Store) CountNodesByState(ctx context.Context) (map[store.NodeState]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM nodes GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count nodes: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.NodeState]int64)
	for rows.Next() {
		var state store.NodeState
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan node count: %w", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

// TotalFreeSlots returns the fleet-wide free slot count: the sum over
// active nodes of declared slots minus outstanding leases.
func (s *Store) TotalFreeSlots(ctx context.Context) (int64, error) {
	var free int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(GREATEST(n.slots - COALESCE(c.outstanding, 0), 0)), 0)
		FROM nodes n
		LEFT JOIN (
			SELECT node_id, COUNT(*) AS outstanding
			FROM leases
			WHERE state IN ($1, $2)
			GROUP BY node_id
		) c ON c.node_id = n.id
		WHERE n.state = $3
	`, store.LeaseStateGranted, store.LeaseStateAcknowledged, store.NodeStateActive).Scan(&free)
	if err != nil {
		return 0, fmt.Errorf("failed to compute free slots: %w", err)
	}
	return free, nil
}
