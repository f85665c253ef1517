package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// MockBroadcaster records the frames pushed to local sessions.
type MockBroadcaster struct {
	mu      sync.Mutex
	Frames  map[types.RoomID][][]byte
	Cleared []types.RoomID
}

func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{Frames: make(map[types.RoomID][][]byte)}
}

func (b *MockBroadcaster) BroadcastToRoom(roomID types.RoomID, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Frames[roomID] = append(b.Frames[roomID], frame)
}

func (b *MockBroadcaster) ClearRoomSubscriptions(roomID types.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Cleared = append(b.Cleared, roomID)
}

func (b *MockBroadcaster) FrameCount(roomID types.RoomID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Frames[roomID])
}

func (b *MockBroadcaster) ClearedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Cleared)
}

// FrameTypes decodes the envelope type of every frame sent to roomID,
// in delivery order.
func (b *MockBroadcaster) FrameTypes(t *testing.T, roomID types.RoomID) []string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for _, raw := range b.Frames[roomID] {
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env.Type)
	}
	return out
}

// LastFrame decodes the data payload of the most recent frame for
// roomID into dst and returns its envelope type.
func (b *MockBroadcaster) LastFrame(t *testing.T, roomID types.RoomID, dst any) string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	frames := b.Frames[roomID]
	require.NotEmpty(t, frames, "no frames broadcast to room %s", roomID)
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &env))
	if dst != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
	return env.Type
}

// MockPeerCaller records the broadcast pushes fanned out to peers. The
// remaining PeerCaller methods answer success so handler tests can run
// against a healthy cluster by default.
type MockPeerCaller struct {
	mu            sync.Mutex
	MessagePushes []MessagePush
	EventPushes   []EventPush

	ReceiveMessageBroadcastFunc     func(ctx context.Context, peer types.NodeID, req wire.ReceiveMessageBroadcastRequest) error
	ReceiveMemberEventBroadcastFunc func(ctx context.Context, peer types.NodeID, req wire.ReceiveMemberEventBroadcastRequest) error
}

type MessagePush struct {
	Peer types.NodeID
	Req  wire.ReceiveMessageBroadcastRequest
}

type EventPush struct {
	Peer types.NodeID
	Req  wire.ReceiveMemberEventBroadcastRequest
}

func NewMockPeerCaller() *MockPeerCaller {
	return &MockPeerCaller{}
}

func (m *MockPeerCaller) GetHostedRooms(ctx context.Context, peer types.NodeID) (*wire.GetHostedRoomsResponse, error) {
	return &wire.GetHostedRoomsResponse{RPCStatus: wire.OK(), NodeID: string(peer)}, nil
}

func (m *MockPeerCaller) JoinRoom(ctx context.Context, peer types.NodeID, req wire.JoinRoomRPCRequest) (*wire.JoinRoomRPCResponse, error) {
	return &wire.JoinRoomRPCResponse{RPCStatus: wire.OK()}, nil
}

func (m *MockPeerCaller) LeaveRoom(ctx context.Context, peer types.NodeID, req wire.LeaveRoomRPCRequest) (*wire.LeaveRoomRPCResponse, error) {
	return &wire.LeaveRoomRPCResponse{RPCStatus: wire.OK()}, nil
}

func (m *MockPeerCaller) ForwardMessage(ctx context.Context, peer types.NodeID, req wire.ForwardMessageRequest) (*wire.ForwardMessageResponse, error) {
	return &wire.ForwardMessageResponse{RPCStatus: wire.OK()}, nil
}

func (m *MockPeerCaller) ReceiveMessageBroadcast(ctx context.Context, peer types.NodeID, req wire.ReceiveMessageBroadcastRequest) error {
	if m.ReceiveMessageBroadcastFunc != nil {
		return m.ReceiveMessageBroadcastFunc(ctx, peer, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagePushes = append(m.MessagePushes, MessagePush{Peer: peer, Req: req})
	return nil
}

func (m *MockPeerCaller) ReceiveMemberEventBroadcast(ctx context.Context, peer types.NodeID, req wire.ReceiveMemberEventBroadcastRequest) error {
	if m.ReceiveMemberEventBroadcastFunc != nil {
		return m.ReceiveMemberEventBroadcastFunc(ctx, peer, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventPushes = append(m.EventPushes, EventPush{Peer: peer, Req: req})
	return nil
}

func (m *MockPeerCaller) NotifyMemberDisconnect(ctx context.Context, peer types.NodeID, req wire.NotifyMemberDisconnectRequest) error {
	return nil
}

func (m *MockPeerCaller) Heartbeat(ctx context.Context, peer types.NodeID) (*wire.HeartbeatResponse, error) {
	return &wire.HeartbeatResponse{Status: wire.HeartbeatStatusOK, NodeID: string(peer), Timestamp: wire.Now()}, nil
}

func (m *MockPeerCaller) PrepareDeleteRoom(ctx context.Context, peer types.NodeID, req wire.PrepareDeleteRoomRequest) (*wire.PrepareDeleteRoomResponse, error) {
	return &wire.PrepareDeleteRoomResponse{Vote: wire.VoteReady, NodeID: string(peer), TransactionID: req.TransactionID}, nil
}

func (m *MockPeerCaller) CommitDeleteRoom(ctx context.Context, peer types.NodeID, req wire.CommitDeleteRoomRequest) (*wire.CommitDeleteRoomResponse, error) {
	return &wire.CommitDeleteRoomResponse{RPCStatus: wire.OK(), NodeID: string(peer), TransactionID: req.TransactionID}, nil
}

func (m *MockPeerCaller) RollbackDeleteRoom(ctx context.Context, peer types.NodeID, req wire.RollbackDeleteRoomRequest) (*wire.RollbackDeleteRoomResponse, error) {
	return &wire.RollbackDeleteRoomResponse{RPCStatus: wire.OK(), NodeID: string(peer), TransactionID: req.TransactionID}, nil
}

func (m *MockPeerCaller) MessagePushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.MessagePushes)
}

func (m *MockPeerCaller) EventPushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.EventPushes)
}

func (m *MockPeerCaller) EventPushesTo(peer types.NodeID) []EventPush {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventPush
	for _, p := range m.EventPushes {
		if p.Peer == peer {
			out = append(out, p)
		}
	}
	return out
}
