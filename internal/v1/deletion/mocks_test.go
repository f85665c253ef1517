package deletion

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

// MockPeerCaller scripts the 2PC participant calls. Unscripted methods
// answer success.
type MockPeerCaller struct {
	mu            sync.Mutex
	PrepareCalls  []types.NodeID
	CommitCalls   []types.NodeID
	RollbackCalls []types.NodeID

	PrepareDeleteRoomFunc  func(ctx context.Context, peer types.NodeID, req wire.PrepareDeleteRoomRequest) (*wire.PrepareDeleteRoomResponse, error)
	CommitDeleteRoomFunc   func(ctx context.Context, peer types.NodeID, req wire.CommitDeleteRoomRequest) (*wire.CommitDeleteRoomResponse, error)
	RollbackDeleteRoomFunc func(ctx context.Context, peer types.NodeID, req wire.RollbackDeleteRoomRequest) (*wire.RollbackDeleteRoomResponse, error)
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
	return nil
}

func (m *MockPeerCaller) NotifyMemberDisconnect(ctx context.Context, peer types.NodeID, req wire.NotifyMemberDisconnectRequest) error {
	return nil
}

func (m *MockPeerCaller) Heartbeat(ctx context.Context, peer types.NodeID) (*wire.HeartbeatResponse, error) {
	return &wire.HeartbeatResponse{Status: wire.HeartbeatStatusOK, NodeID: string(peer), Timestamp: wire.Now()}, nil
}

func (m *MockPeerCaller) PrepareDeleteRoom(ctx context.Context, peer types.NodeID, req wire.PrepareDeleteRoomRequest) (*wire.PrepareDeleteRoomResponse, error) {
	m.record(&m.PrepareCalls, peer)
	if m.PrepareDeleteRoomFunc != nil {
		return m.PrepareDeleteRoomFunc(ctx, peer, req)
	}
	return &wire.PrepareDeleteRoomResponse{Vote: wire.VoteReady, NodeID: string(peer), TransactionID: req.TransactionID}, nil
}

func (m *MockPeerCaller) CommitDeleteRoom(ctx context.Context, peer types.NodeID, req wire.CommitDeleteRoomRequest) (*wire.CommitDeleteRoomResponse, error) {
	m.record(&m.CommitCalls, peer)
	if m.CommitDeleteRoomFunc != nil {
		return m.CommitDeleteRoomFunc(ctx, peer, req)
	}
	return &wire.CommitDeleteRoomResponse{RPCStatus: wire.OK(), NodeID: string(peer), TransactionID: req.TransactionID}, nil
}

func (m *MockPeerCaller) RollbackDeleteRoom(ctx context.Context, peer types.NodeID, req wire.RollbackDeleteRoomRequest) (*wire.RollbackDeleteRoomResponse, error) {
	m.record(&m.RollbackCalls, peer)
	if m.RollbackDeleteRoomFunc != nil {
		return m.RollbackDeleteRoomFunc(ctx, peer, req)
	}
	return &wire.RollbackDeleteRoomResponse{RPCStatus: wire.OK(), NodeID: string(peer), TransactionID: req.TransactionID}, nil
}

func (m *MockPeerCaller) record(calls *[]types.NodeID, peer types.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*calls = append(*calls, peer)
}

func (m *MockPeerCaller) CalledPeers(calls *[]types.NodeID) []types.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.NodeID(nil), (*calls)...)
}

// replyRecorder captures the frames sent back to the initiator.
type replyRecorder struct {
	mu    sync.Mutex
	types []string
	datas []any
}

func (r *replyRecorder) fn() ReplyFunc {
	return func(frameType string, data any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.types = append(r.types, frameType)
		r.datas = append(r.datas, data)
	}
}

func (r *replyRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func (r *replyRecorder) Last(t *testing.T) (string, any) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.types, "no frames were sent to the initiator")
	return r.types[len(r.types)-1], r.datas[len(r.datas)-1]
}
