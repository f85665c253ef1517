// Package peers holds the startup-populated registry of peer nodes and
// the parallel fan-out helper every cross-node operation goes through.
// The peer set is fixed for the life of the process; there is no
// dynamic membership.
package peers

import (
	"errors"
	"sort"

	"github.com/meshchat/meshchat/internal/v1/types"
)

// ErrUnknownPeer is returned by Get for a node id outside the
// configured peer set.
var ErrUnknownPeer = errors.New("unknown peer node")

// Registry maps peer node ids to their RPC base addresses. It is
// immutable after construction, so reads need no locking.
type Registry struct {
	self  types.NodeID
	addrs map[types.NodeID]string
	order []types.NodeID
}

// NewRegistry builds a registry for self with the given peer address
// map. The map is copied; self is excluded if present.
func NewRegistry(self types.NodeID, peerAddrs map[types.NodeID]string) *Registry {
	addrs := make(map[types.NodeID]string, len(peerAddrs))
	order := make([]types.NodeID, 0, len(peerAddrs))
	for node, addr := range peerAddrs {
		if node == self {
			continue
		}
		addrs[node] = addr
		order = append(order, node)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return &Registry{self: self, addrs: addrs, order: order}
}

// Self returns this node's id.
func (r *Registry) Self() types.NodeID {
	return r.self
}

// Get returns the peer's RPC address, or ErrUnknownPeer.
func (r *Registry) Get(node types.NodeID) (string, error) {
	addr, ok := r.addrs[node]
	if !ok {
		return "", ErrUnknownPeer
	}
	return addr, nil
}

// Has reports whether the node is a configured peer.
func (r *Registry) Has(node types.NodeID) bool {
	_, ok := r.addrs[node]
	return ok
}

// List returns all peer node ids in sorted order.
func (r *Registry) List() []types.NodeID {
	out := make([]types.NodeID, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of configured peers.
func (r *Registry) Len() int {
	return len(r.order)
}
