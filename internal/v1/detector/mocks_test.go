package detector

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// MockBroadcaster records frames pushed to local room subscribers.
type MockBroadcaster struct {
	mu     sync.Mutex
	Frames map[types.RoomID][][]byte
}

func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{Frames: make(map[types.RoomID][][]byte)}
}

func (b *MockBroadcaster) BroadcastToRoom(roomID types.RoomID, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Frames[roomID] = append(b.Frames[roomID], frame)
}

func (b *MockBroadcaster) ClearRoomSubscriptions(roomID types.RoomID) {}

func (b *MockBroadcaster) FrameCount(roomID types.RoomID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Frames[roomID])
}

// LastEvent decodes the most recent member_left event sent to roomID.
func (b *MockBroadcaster) LastEvent(t *testing.T, roomID types.RoomID) wire.MemberEventData {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	frames := b.Frames[roomID]
	require.NotEmpty(t, frames, "no frames broadcast to room %s", roomID)
	var env struct {
		Type string               `json:"type"`
		Data wire.MemberEventData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &env))
	require.Equal(t, wire.TypeMemberLeft, env.Type)
	return env.Data
}

// MockPeerCaller scripts heartbeat responses and records member event
// pushes.
type MockPeerCaller struct {
	mu             sync.Mutex
	HeartbeatCalls []types.NodeID
	EventPushes    []EventPush

	HeartbeatFunc func(ctx context.Context, peer types.NodeID) (*wire.HeartbeatResponse, error)
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
	return nil
}

func (m *MockPeerCaller) ReceiveMemberEventBroadcast(ctx context.Context, peer types.NodeID, req wire.ReceiveMemberEventBroadcastRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventPushes = append(m.EventPushes, EventPush{Peer: peer, Req: req})
	return nil
}

func (m *MockPeerCaller) NotifyMemberDisconnect(ctx context.Context, peer types.NodeID, req wire.NotifyMemberDisconnectRequest) error {
	return nil
}

func (m *MockPeerCaller) Heartbeat(ctx context.Context, peer types.NodeID) (*wire.HeartbeatResponse, error) {
	m.mu.Lock()
	m.HeartbeatCalls = append(m.HeartbeatCalls, peer)
	m.mu.Unlock()

	if m.HeartbeatFunc != nil {
		return m.HeartbeatFunc(ctx, peer)
	}
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

func (m *MockPeerCaller) HeartbeatCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.HeartbeatCalls)
}

func (m *MockPeerCaller) EventPushPeers() []types.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.NodeID
	for _, p := range m.EventPushes {
		out = append(out, p.Peer)
	}
	return out
}
