package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// writtenFrame is one frame captured from a mockConn.
type writtenFrame struct {
	messageType int
	data        []byte
}

// mockConn is a scriptable wsConnection. Inbound frames are queued with
// queueFrame; everything the session writes lands on the writes
// channel. Close unblocks a pending ReadMessage and fails later writes,
// matching how a real connection behaves.
type mockConn struct {
	inbound chan writtenFrame
	writes  chan writtenFrame

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan writtenFrame, 16),
		writes:  make(chan writtenFrame, 64),
		closed:  make(chan struct{}),
	}
}

func (c *mockConn) queueFrame(frame []byte) {
	c.inbound <- writtenFrame{messageType: websocket.TextMessage, data: frame}
}

func (c *mockConn) queueBinaryFrame(frame []byte) {
	c.inbound <- writtenFrame{messageType: websocket.BinaryMessage, data: frame}
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	// Drain queued frames before reporting the close, so a frame queued
	// just before Close is still delivered.
	select {
	case w := <-c.inbound:
		return w.messageType, w.data, nil
	default:
	}
	select {
	case w := <-c.inbound:
		return w.messageType, w.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *mockConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.writes <- writtenFrame{messageType: messageType, data: append([]byte(nil), data...)}
	return nil
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// MockPeerCaller scripts the calls the hub issues on behalf of clients.
// Unscripted methods answer success; every remote-facing call is
// recorded for assertions.
type MockPeerCaller struct {
	mu                sync.Mutex
	JoinCalls         []wire.JoinRoomRPCRequest
	LeaveCalls        []wire.LeaveRoomRPCRequest
	ForwardCalls      []wire.ForwardMessageRequest
	MessageBroadcasts []wire.ReceiveMessageBroadcastRequest
	MemberEvents      []wire.ReceiveMemberEventBroadcastRequest
	DisconnectNotices []wire.NotifyMemberDisconnectRequest

	GetHostedRoomsFunc              func(ctx context.Context, peer types.NodeID) (*wire.GetHostedRoomsResponse, error)
	JoinRoomFunc                    func(ctx context.Context, peer types.NodeID, req wire.JoinRoomRPCRequest) (*wire.JoinRoomRPCResponse, error)
	LeaveRoomFunc                   func(ctx context.Context, peer types.NodeID, req wire.LeaveRoomRPCRequest) (*wire.LeaveRoomRPCResponse, error)
	ForwardMessageFunc              func(ctx context.Context, peer types.NodeID, req wire.ForwardMessageRequest) (*wire.ForwardMessageResponse, error)
	ReceiveMessageBroadcastFunc     func(ctx context.Context, peer types.NodeID, req wire.ReceiveMessageBroadcastRequest) error
	ReceiveMemberEventBroadcastFunc func(ctx context.Context, peer types.NodeID, req wire.ReceiveMemberEventBroadcastRequest) error
	NotifyMemberDisconnectFunc      func(ctx context.Context, peer types.NodeID, req wire.NotifyMemberDisconnectRequest) error
}

func NewMockPeerCaller() *MockPeerCaller {
	return &MockPeerCaller{}
}

func (m *MockPeerCaller) GetHostedRooms(ctx context.Context, peer types.NodeID) (*wire.GetHostedRoomsResponse, error) {
	if m.GetHostedRoomsFunc != nil {
		return m.GetHostedRoomsFunc(ctx, peer)
	}
	return &wire.GetHostedRoomsResponse{RPCStatus: wire.OK(), NodeID: string(peer)}, nil
}

func (m *MockPeerCaller) JoinRoom(ctx context.Context, peer types.NodeID, req wire.JoinRoomRPCRequest) (*wire.JoinRoomRPCResponse, error) {
	m.mu.Lock()
	m.JoinCalls = append(m.JoinCalls, req)
	m.mu.Unlock()
	if m.JoinRoomFunc != nil {
		return m.JoinRoomFunc(ctx, peer, req)
	}
	return &wire.JoinRoomRPCResponse{RPCStatus: wire.OK()}, nil
}

func (m *MockPeerCaller) LeaveRoom(ctx context.Context, peer types.NodeID, req wire.LeaveRoomRPCRequest) (*wire.LeaveRoomRPCResponse, error) {
	m.mu.Lock()
	m.LeaveCalls = append(m.LeaveCalls, req)
	m.mu.Unlock()
	if m.LeaveRoomFunc != nil {
		return m.LeaveRoomFunc(ctx, peer, req)
	}
	return &wire.LeaveRoomRPCResponse{RPCStatus: wire.OK()}, nil
}

func (m *MockPeerCaller) ForwardMessage(ctx context.Context, peer types.NodeID, req wire.ForwardMessageRequest) (*wire.ForwardMessageResponse, error) {
	m.mu.Lock()
	m.ForwardCalls = append(m.ForwardCalls, req)
	m.mu.Unlock()
	if m.ForwardMessageFunc != nil {
		return m.ForwardMessageFunc(ctx, peer, req)
	}
	return &wire.ForwardMessageResponse{RPCStatus: wire.OK()}, nil
}

func (m *MockPeerCaller) ReceiveMessageBroadcast(ctx context.Context, peer types.NodeID, req wire.ReceiveMessageBroadcastRequest) error {
	m.mu.Lock()
	m.MessageBroadcasts = append(m.MessageBroadcasts, req)
	m.mu.Unlock()
	if m.ReceiveMessageBroadcastFunc != nil {
		return m.ReceiveMessageBroadcastFunc(ctx, peer, req)
	}
	return nil
}

func (m *MockPeerCaller) ReceiveMemberEventBroadcast(ctx context.Context, peer types.NodeID, req wire.ReceiveMemberEventBroadcastRequest) error {
	m.mu.Lock()
	m.MemberEvents = append(m.MemberEvents, req)
	m.mu.Unlock()
	if m.ReceiveMemberEventBroadcastFunc != nil {
		return m.ReceiveMemberEventBroadcastFunc(ctx, peer, req)
	}
	return nil
}

func (m *MockPeerCaller) NotifyMemberDisconnect(ctx context.Context, peer types.NodeID, req wire.NotifyMemberDisconnectRequest) error {
	m.mu.Lock()
	m.DisconnectNotices = append(m.DisconnectNotices, req)
	m.mu.Unlock()
	if m.NotifyMemberDisconnectFunc != nil {
		return m.NotifyMemberDisconnectFunc(ctx, peer, req)
	}
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

func (m *MockPeerCaller) memberEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.MemberEvents)
}

func (m *MockPeerCaller) disconnectNoticeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.DisconnectNotices)
}
