// Package detector watches the nodes that host members in locally
// administered rooms. Two loops run per node: a heartbeat monitor that
// probes member-hosting peers and evicts all of a peer's members once
// it misses enough heartbeats, and a sweeper that evicts members whose
// sessions have gone quiet.
package detector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/metrics"
	"github.com/meshchat/meshchat/internal/v1/peers"
	"github.com/meshchat/meshchat/internal/v1/state"
	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 2 * time.Second
	DefaultMaxFailures       = 2
	DefaultCleanupInterval   = 60 * time.Second
	DefaultInactivityTimeout = 15 * time.Minute

	// broadcastTimeout bounds the member_left fan-out after an eviction.
	broadcastTimeout = 5 * time.Second
)

// Config tunes the detector loops. Zero values fall back to defaults.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxFailures       int
	CleanupInterval   time.Duration
	InactivityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	return c
}

// Detector owns the heartbeat monitor and the stale-member sweeper.
type Detector struct {
	manager  *state.Manager
	registry *peers.Registry
	caller   types.PeerCaller
	local    types.Broadcaster
	cfg      Config

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDetector builds a detector whose loops stop when ctx is cancelled
// or Shutdown is called.
func NewDetector(ctx context.Context, manager *state.Manager, registry *peers.Registry, caller types.PeerCaller, local types.Broadcaster, cfg Config) *Detector {
	d := &Detector{
		manager:  manager,
		registry: registry,
		caller:   caller,
		local:    local,
		cfg:      cfg.withDefaults(),
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	return d
}

// Start launches the heartbeat and sweeper loops.
func (d *Detector) Start() {
	d.wg.Add(2)
	go d.heartbeatLoop()
	go d.sweepLoop()

	logging.Info(d.ctx, "Failure detector started",
		zap.Duration("heartbeatInterval", d.cfg.HeartbeatInterval),
		zap.Duration("cleanupInterval", d.cfg.CleanupInterval))
}

// Shutdown stops both loops and waits for them, bounded by ctx.
func (d *Detector) Shutdown(ctx context.Context) error {
	d.cancel()

	c := make(chan struct{})
	go func() {
		defer close(c)
		d.wg.Wait()
	}()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Detector) heartbeatLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.checkPeers(d.ctx)
		}
	}
}

// checkPeers probes every node currently hosting a member of a locally
// administered room. Nodes without members are not probed; they carry
// nothing this node would need to clean up.
func (d *Detector) checkPeers(ctx context.Context) {
	targets := d.manager.RemoteMemberNodes()
	if len(targets) == 0 {
		return
	}
	logging.Info(ctx, "Starting heartbeat check", zap.Int("peers", len(targets)))

	for _, node := range targets {
		if ctx.Err() != nil {
			return
		}
		if !d.registry.Has(node) {
			logging.Warn(ctx, "No address for member-hosting node",
				zap.String("nodeId", string(node)))
			continue
		}

		hctx, cancel := context.WithTimeout(ctx, d.cfg.HeartbeatTimeout)
		_, err := d.caller.Heartbeat(hctx, node)
		cancel()

		if err == nil {
			d.manager.RecordHeartbeatSuccess(node)
			continue
		}

		metrics.HeartbeatFailures.WithLabelValues(string(node)).Inc()
		failures := d.manager.RecordHeartbeatFailure(node)
		logging.Warn(ctx, "Heartbeat failed",
			zap.String("nodeId", string(node)),
			zap.Int("consecutiveFailures", failures),
			zap.Error(err))

		if failures >= d.cfg.MaxFailures {
			d.handleNodeFailure(ctx, node)
		}
	}
}

// handleNodeFailure evicts every member hosted by the failed node and
// announces each eviction. Eviction runs on every threshold hit so
// members that rejoined through a still-dead node are cleaned up on the
// next tick; an empty eviction set announces nothing.
func (d *Detector) handleNodeFailure(ctx context.Context, node types.NodeID) {
	d.manager.MarkNodeFailed(node)

	for _, ev := range d.manager.RemoveAllMembersFromNode(node) {
		metrics.MembersEvicted.WithLabelValues("node_failure").Inc()
		d.announceEviction(ctx, ev.RoomID, wire.MemberEventData{
			RoomID:      string(ev.RoomID),
			Username:    string(ev.Username),
			MemberCount: ev.MemberCount,
			Timestamp:   wire.Now(),
			Reason:      "Node unreachable",
		}, node)
	}
}

func (d *Detector) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sweepRooms(d.ctx)
		}
	}
}

// sweepRooms evicts members of locally administered rooms whose last
// activity is older than the inactivity timeout.
func (d *Detector) sweepRooms(ctx context.Context) {
	for _, summary := range d.manager.ListRooms() {
		roomID := types.RoomID(summary.RoomID)
		for _, username := range d.manager.GetStaleMembers(roomID, d.cfg.InactivityTimeout) {
			if !d.manager.RemoveMember(roomID, username) {
				continue
			}
			metrics.MembersEvicted.WithLabelValues("inactivity").Inc()
			logging.Warn(ctx, "Evicted stale member",
				zap.String("roomId", string(roomID)),
				zap.String("username", string(username)))

			d.announceEviction(ctx, roomID, wire.MemberEventData{
				RoomID:      string(roomID),
				Username:    string(username),
				MemberCount: d.manager.MemberCount(roomID),
				Timestamp:   wire.Now(),
				Reason:      "Connection timeout",
			}, "")
		}
	}
}

// announceEviction broadcasts a member_left event locally and to every
// peer except the excluded (failed) node.
func (d *Detector) announceEviction(ctx context.Context, roomID types.RoomID, event wire.MemberEventData, exclude types.NodeID) {
	frame, err := wire.EncodeFrame(wire.TypeMemberLeft, event)
	if err != nil {
		logging.Error(ctx, "Failed to encode member_left frame", zap.Error(err))
		return
	}
	d.local.BroadcastToRoom(roomID, frame)
	metrics.BroadcastFanout.WithLabelValues("local", "success").Inc()

	var targets []types.NodeID
	for _, peer := range d.registry.List() {
		if peer != exclude {
			targets = append(targets, peer)
		}
	}
	if len(targets) == 0 {
		return
	}

	req := wire.ReceiveMemberEventBroadcastRequest{
		RoomID:    string(roomID),
		EventType: wire.TypeMemberLeft,
		Event:     event,
	}
	outcomes := peers.FanOut(ctx, targets, broadcastTimeout, func(ctx context.Context, node types.NodeID) (struct{}, error) {
		return struct{}{}, d.caller.ReceiveMemberEventBroadcast(ctx, node, req)
	})
	for node, oc := range outcomes {
		if oc.Err != nil {
			metrics.BroadcastFanout.WithLabelValues("peer", "error").Inc()
			logging.Warn(ctx, "Peer broadcast failed",
				zap.String("nodeId", string(node)),
				zap.String("roomId", string(roomID)),
				zap.Error(oc.Err))
			continue
		}
		metrics.BroadcastFanout.WithLabelValues("peer", "success").Inc()
	}
}
