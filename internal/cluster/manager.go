// Package cluster keeps the store's per-table replica sets converged with
// the configured membership and replication factor.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkgfoundry/depot/internal/model"
	"github.com/pkgfoundry/depot/internal/store"
	"go.uber.org/zap"
)

// ErrHeartbeatStopped is reported by Status after the heartbeat loop gave
// up restarting.
var ErrHeartbeatStopped = errors.New("heartbeat stopped")

// Config is the cluster section of the server configuration.
type Config struct {
	// NodeName identifies this node in replica sets.
	NodeName string `yaml:"node_name"`
	// Nodes is the static member list, this node included.
	Nodes []string `yaml:"nodes"`
	// ReplicationFactor bounds how many nodes hold a copy of each core
	// table. Records merge last-writer-wins when a partitioned node
	// rejoins; this store does not provide linearizability.
	ReplicationFactor int `yaml:"replication_factor"`
	// Discovery selects membership discovery. Only "static" is
	// implemented; "dns" is rejected at validation.
	Discovery string `yaml:"discovery"`
	// HeartbeatInterval is how often the manager re-converges.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Status is a snapshot of the manager's health, served by the admin API.
type Status struct {
	Node          string    `json:"node"`
	Members       []string  `json:"members"`
	Healthy       bool      `json:"healthy"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Restarts      int       `json:"restarts"`
}

// Manager converges replica sets and runs the cluster heartbeat.
type Manager struct {
	store  store.Store
	logger *zap.Logger
	cfg    Config

	mu      sync.RWMutex
	members []string
	status  Status
}

// NewManager validates the cluster configuration and prepares a manager.
func NewManager(st store.Store, cfg Config, logger *zap.Logger) (*Manager, error) {
	switch cfg.Discovery {
	case "", "static":
	case "dns":
		return nil, errors.New("dns discovery is not implemented; use static node lists")
	default:
		return nil, fmt.Errorf("unknown discovery mode %q", cfg.Discovery)
	}
	if cfg.NodeName == "" {
		cfg.NodeName = "node0"
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	members := cfg.Nodes
	if len(members) == 0 {
		members = []string{cfg.NodeName}
	}
	m := &Manager{
		store:   st,
		logger:  logger,
		cfg:     cfg,
		members: append([]string(nil), members...),
	}
	m.status = Status{Node: cfg.NodeName, Members: m.members}
	return m, nil
}

// Members returns the current member list.
func (m *Manager) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.members...)
}

// Converge ensures every core table's replica set holds exactly
// min(replication_factor, cluster_size) nodes, keeping existing replicas
// where possible.
func (m *Manager) Converge(ctx context.Context) error {
	members := m.Members()
	want := m.cfg.ReplicationFactor
	if want > len(members) {
		want = len(members)
	}

	for _, table := range model.CoreTables {
		current, err := m.store.ReplicaSet(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to read replica set for %s: %w", table, err)
		}
		next := pickReplicas(current, members, want)
		if equalSets(current, next) {
			continue
		}
		if err := m.store.SetReplicaSet(ctx, table, next); err != nil {
			return fmt.Errorf("failed to update replica set for %s: %w", table, err)
		}
		m.logger.Info("converged replica set",
			zap.String("table", table),
			zap.Strings("replicas", next),
		)
	}
	return nil
}

// pickReplicas keeps current members that are still in the cluster, then
// fills up to want from the member list in stable order.
func pickReplicas(current, members []string, want int) []string {
	inCluster := make(map[string]bool, len(members))
	for _, n := range members {
		inCluster[n] = true
	}

	var next []string
	seen := make(map[string]bool)
	for _, n := range current {
		if inCluster[n] && !seen[n] && len(next) < want {
			next = append(next, n)
			seen[n] = true
		}
	}
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	for _, n := range sorted {
		if len(next) >= want {
			break
		}
		if !seen[n] {
			next = append(next, n)
			seen[n] = true
		}
	}
	sort.Strings(next)
	return next
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Join pings the target node, adds it to the membership, and waits (with
// a bounded timeout) for all core tables to converge before returning.
func (m *Manager) Join(ctx context.Context, node string) error {
	if err := pingNode(node); err != nil {
		return fmt.Errorf("failed to reach %s: %w", node, err)
	}

	m.mu.Lock()
	found := false
	for _, n := range m.members {
		if n == node {
			found = true
			break
		}
	}
	if !found {
		m.members = append(m.members, node)
	}
	m.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.Converge(waitCtx); err != nil {
		return fmt.Errorf("tables did not converge after join: %w", err)
	}
	m.logger.Info("node joined cluster", zap.String("node", node))
	return nil
}

// Leave detaches from the cluster and resets every core table to a
// single-node replica set.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	m.members = []string{m.cfg.NodeName}
	m.mu.Unlock()

	for _, table := range model.CoreTables {
		if err := m.store.SetReplicaSet(ctx, table, []string{m.cfg.NodeName}); err != nil {
			return fmt.Errorf("failed to reset replica set for %s: %w", table, err)
		}
	}
	m.logger.Info("left cluster", zap.String("node", m.cfg.NodeName))
	return nil
}

// pingNode verifies the target accepts TCP connections. Node names
// without a port are assumed reachable (single-host test clusters).
func pingNode(node string) error {
	if _, _, err := net.SplitHostPort(node); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", node, 5*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// RunHeartbeat pings the store and re-converges on a fixed interval until
// ctx is done. Three consecutive failures stop the loop; the state is
// visible through Status rather than an implicit process tree.
func (m *Manager) RunHeartbeat(ctx context.Context) {
	const maxConsecutiveFailures = 3

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.beat(ctx)
			if err == nil {
				failures = 0
				continue
			}
			failures++
			m.logger.Error("heartbeat failed",
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if failures >= maxConsecutiveFailures {
				m.mu.Lock()
				m.status.Healthy = false
				m.status.LastError = ErrHeartbeatStopped.Error()
				m.mu.Unlock()
				m.logger.Error("heartbeat giving up")
				return
			}
			m.mu.Lock()
			m.status.Restarts++
			m.mu.Unlock()
		}
	}
}

func (m *Manager) beat(ctx context.Context) error {
	err := m.store.Ping(ctx)
	if err == nil {
		err = m.Converge(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Members = append([]string(nil), m.members...)
	m.status.LastHeartbeat = time.Now()
	m.status.Healthy = err == nil
	if err != nil {
		m.status.LastError = err.Error()
	} else {
		m.status.LastError = ""
	}
	return err
}

// Status returns a snapshot of the manager's health.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.status
	st.Members = append([]string(nil), m.status.Members...)
	return st
}
