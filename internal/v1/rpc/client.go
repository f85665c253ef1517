// Package rpc is the inter-node surface: a gin server exposing the
// node-to-node methods under /rpc/v1, and the HTTP client peers are
// called through. Application failures travel inside response bodies
// with success=false; transport failures surface as Go errors and are
// what the failure detector and 2PC timeouts key on.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/metrics"
	"github.com/meshchat/meshchat/internal/v1/peers"
	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// DefaultCallTimeout caps peer calls whose context carries no deadline.
const DefaultCallTimeout = 10 * time.Second

// Client calls peer nodes over JSON HTTP. One circuit breaker per peer
// keeps a dead node from stalling every operation that fans out to it;
// an open breaker fails calls immediately, which heartbeats count as a
// miss and 2PC counts as an ABORT.
type Client struct {
	registry *peers.Registry
	http     *http.Client
	timeout  time.Duration

	mu       sync.Mutex
	breakers map[types.NodeID]*gobreaker.CircuitBreaker
}

// NewClient builds a peer client over the registry. timeout is the
// default per-call deadline applied when the caller's context has none.
func NewClient(registry *peers.Registry, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{
		registry: registry,
		http:     &http.Client{},
		timeout:  timeout,
		breakers: make(map[types.NodeID]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(peer types.NodeID) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[peer]; ok {
		return cb
	}
	st := gobreaker.Settings{
		Name:        "rpc-" + string(peer),
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(string(peer)).Set(stateVal)
		},
	}
	cb := gobreaker.NewCircuitBreaker(st)
	c.breakers[peer] = cb
	return cb
}

// call posts the request DTO to the peer's method route and decodes the
// response into out. Only transport-level problems return an error;
// application failures come back inside out's RPCStatus.
func (c *Client) call(ctx context.Context, peer types.NodeID, method string, reqBody any, out any) error {
	addr, err := c.registry.Get(peer)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	timer := prometheus.NewTimer(metrics.RPCClientDuration.WithLabelValues(method))
	defer timer.ObserveDuration()

	cb := c.breaker(peer)
	_, err = cb.Execute(func() (interface{}, error) {
		return nil, c.doPost(ctx, addr, method, reqBody, out)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues(string(peer)).Inc()
			logging.Warn(ctx, "Circuit breaker open for peer",
				zap.String("nodeId", string(peer)),
				zap.String("method", method))
		}
		return fmt.Errorf("rpc %s to %s: %w", method, peer, err)
	}
	return nil
}

func (c *Client) doPost(ctx context.Context, addr, method string, reqBody any, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	url := addr + "/rpc/v1/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetHostedRooms asks the peer for its administered rooms.
func (c *Client) GetHostedRooms(ctx context.Context, peer types.NodeID) (*wire.GetHostedRoomsResponse, error) {
	var resp wire.GetHostedRoomsResponse
	req := wire.GetHostedRoomsRequest{NodeID: string(c.registry.Self())}
	if err := c.call(ctx, peer, wire.MethodGetHostedRooms, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinRoom registers a member of a room administered by the peer.
func (c *Client) JoinRoom(ctx context.Context, peer types.NodeID, req wire.JoinRoomRPCRequest) (*wire.JoinRoomRPCResponse, error) {
	var resp wire.JoinRoomRPCResponse
	if err := c.call(ctx, peer, wire.MethodJoinRoom, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LeaveRoom removes a member from a room administered by the peer.
func (c *Client) LeaveRoom(ctx context.Context, peer types.NodeID, req wire.LeaveRoomRPCRequest) (*wire.LeaveRoomRPCResponse, error) {
	var resp wire.LeaveRoomRPCResponse
	if err := c.call(ctx, peer, wire.MethodLeaveRoom, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ForwardMessage submits content to the peer administering the room.
func (c *Client) ForwardMessage(ctx context.Context, peer types.NodeID, req wire.ForwardMessageRequest) (*wire.ForwardMessageResponse, error) {
	var resp wire.ForwardMessageResponse
	if err := c.call(ctx, peer, wire.MethodForwardMessage, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReceiveMessageBroadcast pushes a finalized message to the peer's
// local subscribers.
func (c *Client) ReceiveMessageBroadcast(ctx context.Context, peer types.NodeID, req wire.ReceiveMessageBroadcastRequest) error {
	var resp wire.ReceiveMessageBroadcastResponse
	return c.call(ctx, peer, wire.MethodReceiveMessageBroadcast, req, &resp)
}

// ReceiveMemberEventBroadcast pushes a member event to the peer's local
// subscribers.
func (c *Client) ReceiveMemberEventBroadcast(ctx context.Context, peer types.NodeID, req wire.ReceiveMemberEventBroadcastRequest) error {
	var resp wire.ReceiveMemberEventBroadcastResponse
	return c.call(ctx, peer, wire.MethodReceiveMemberEventBroadcast, req, &resp)
}

// NotifyMemberDisconnect informs the administering peer that a member's
// local session was lost.
func (c *Client) NotifyMemberDisconnect(ctx context.Context, peer types.NodeID, req wire.NotifyMemberDisconnectRequest) error {
	var resp wire.NotifyMemberDisconnectResponse
	return c.call(ctx, peer, wire.MethodNotifyMemberDisconnect, req, &resp)
}

// Heartbeat probes the peer for liveness.
func (c *Client) Heartbeat(ctx context.Context, peer types.NodeID) (*wire.HeartbeatResponse, error) {
	var resp wire.HeartbeatResponse
	req := wire.HeartbeatRequest{NodeID: string(c.registry.Self())}
	if err := c.call(ctx, peer, wire.MethodHeartbeat, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PrepareDeleteRoom requests the peer's PREPARE vote.
func (c *Client) PrepareDeleteRoom(ctx context.Context, peer types.NodeID, req wire.PrepareDeleteRoomRequest) (*wire.PrepareDeleteRoomResponse, error) {
	var resp wire.PrepareDeleteRoomResponse
	if err := c.call(ctx, peer, wire.MethodPrepareDeleteRoom, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CommitDeleteRoom tells the peer to apply a prepared deletion.
func (c *Client) CommitDeleteRoom(ctx context.Context, peer types.NodeID, req wire.CommitDeleteRoomRequest) (*wire.CommitDeleteRoomResponse, error) {
	var resp wire.CommitDeleteRoomResponse
	if err := c.call(ctx, peer, wire.MethodCommitDeleteRoom, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RollbackDeleteRoom tells the peer to abandon a prepared deletion.
func (c *Client) RollbackDeleteRoom(ctx context.Context, peer types.NodeID, req wire.RollbackDeleteRoomRequest) (*wire.RollbackDeleteRoomResponse, error) {
	var resp wire.RollbackDeleteRoomResponse
	if err := c.call(ctx, peer, wire.MethodRollbackDeleteRoom, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
