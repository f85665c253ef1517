package peers

import (
	"context"

	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// MockPeerCaller implements types.PeerCaller with overridable function
// fields. Unset methods succeed with empty responses.
type MockPeerCaller struct {
	GetHostedRoomsFunc func(ctx context.Context, peer types.NodeID) (*wire.GetHostedRoomsResponse, error)
	HeartbeatFunc      func(ctx context.Context, peer types.NodeID) (*wire.HeartbeatResponse, error)
}

func (m *MockPeerCaller) GetHostedRooms(ctx context.Context, peer types.NodeID) (*wire.GetHostedRoomsResponse, error) {
	if m.GetHostedRoomsFunc != nil {
		return m.GetHostedRoomsFunc(ctx, peer)
	}
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
