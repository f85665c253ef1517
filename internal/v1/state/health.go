package state

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/types"
)

// NodeStatus is the health state of a peer as seen by this node's
// failure detector.
type NodeStatus string

const (
	NodeHealthy  NodeStatus = "HEALTHY"
	NodeDegraded NodeStatus = "DEGRADED"
	NodeFailed   NodeStatus = "FAILED"
)

// NodeHealth is one peer's entry in the health table.
type NodeHealth struct {
	NodeID              types.NodeID
	LastHeartbeat       time.Time
	Status              NodeStatus
	ConsecutiveFailures int
}

// EnsureNodeHealth creates a HEALTHY entry for the node if none exists.
// Called when a remote member first appears so the failure detector
// starts tracking their node.
func (m *Manager) EnsureNodeHealth(node types.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureNodeHealthLocked(node, time.Now().UTC())
}

func (m *Manager) ensureNodeHealthLocked(node types.NodeID, now time.Time) {
	if _, ok := m.health[node]; ok {
		return
	}
	m.health[node] = &NodeHealth{NodeID: node, LastHeartbeat: now, Status: NodeHealthy}
}

// RecordHeartbeatSuccess marks the node HEALTHY and clears its failure
// streak.
func (m *Manager) RecordHeartbeatSuccess(node types.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	h, ok := m.health[node]
	if !ok {
		m.health[node] = &NodeHealth{NodeID: node, LastHeartbeat: now, Status: NodeHealthy}
		return
	}
	if h.Status == NodeFailed {
		logging.Info(context.Background(), "Node recovered",
			zap.String("nodeId", string(node)))
	}
	h.LastHeartbeat = now
	h.Status = NodeHealthy
	h.ConsecutiveFailures = 0
}

// RecordHeartbeatFailure increments the node's failure streak and
// returns the new count. The node is DEGRADED until the caller decides
// the streak crossed its failure threshold and calls MarkNodeFailed.
func (m *Manager) RecordHeartbeatFailure(node types.NodeID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.health[node]
	if !ok {
		h = &NodeHealth{NodeID: node, Status: NodeHealthy}
		m.health[node] = h
	}
	h.ConsecutiveFailures++
	if h.Status != NodeFailed {
		h.Status = NodeDegraded
	}
	return h.ConsecutiveFailures
}

// MarkNodeFailed transitions the node to FAILED. It reports false when
// the node was already FAILED, so eviction runs once per outage.
func (m *Manager) MarkNodeFailed(node types.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.health[node]
	if !ok {
		h = &NodeHealth{NodeID: node}
		m.health[node] = h
	}
	if h.Status == NodeFailed {
		return false
	}
	h.Status = NodeFailed
	logging.Warn(context.Background(), "Node marked failed",
		zap.String("nodeId", string(node)),
		zap.Int("consecutiveFailures", h.ConsecutiveFailures))
	return true
}

// GetNodeHealth returns a copy of the node's health entry.
func (m *Manager) GetNodeHealth(node types.NodeID) (NodeHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.health[node]
	if !ok {
		return NodeHealth{}, false
	}
	return *h, true
}

// NodeHealthSnapshot returns a copy of the full health table, sorted
// by node id.
func (m *Manager) NodeHealthSnapshot() []NodeHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NodeHealth, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
