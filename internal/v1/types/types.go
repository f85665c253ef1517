package types

import (
	"context"

	"github.com/meshchat/meshchat/internal/v1/wire"
)

// --- Core Domain Types ---

// NodeID identifies one node in the fixed peer set.
type NodeID string

// RoomID is the opaque UUID identifying a room fleet-wide.
type RoomID string

// Username identifies a chat user. Usernames are the membership key; a
// user is in a room at most once regardless of how many nodes exist.
type Username string

// TransactionID identifies one two-phase-commit deletion transaction.
type TransactionID string

// --- Shared Interfaces ---

// Broadcaster delivers already-encoded frames to the sessions on this
// node that subscribed to a room. It is a one-way capability: holders
// can push frames out but cannot reach individual sessions or read
// subscription state. The client endpoint injects it at wiring time so
// the RPC endpoint, the deletion coordinator, and the failure detector
// never depend on the transport package.
type Broadcaster interface {
	// BroadcastToRoom sends frame to every local session subscribed to
	// roomID. Delivery to a slow session may be dropped; it never blocks.
	BroadcastToRoom(roomID RoomID, frame []byte)

	// ClearRoomSubscriptions drops all local subscriptions for roomID.
	// Called after a room is deleted so sessions stop receiving frames
	// for a room that no longer exists.
	ClearRoomSubscriptions(roomID RoomID)
}

// PeerCaller issues synchronous RPC calls to peer nodes, addressed by
// node ID. Transport failures (unreachable peer, timeout, open circuit
// breaker) surface as Go errors; application-level failures arrive
// inside the response value with success=false.
type PeerCaller interface {
	GetHostedRooms(ctx context.Context, peer NodeID) (*wire.GetHostedRoomsResponse, error)
	JoinRoom(ctx context.Context, peer NodeID, req wire.JoinRoomRPCRequest) (*wire.JoinRoomRPCResponse, error)
	LeaveRoom(ctx context.Context, peer NodeID, req wire.LeaveRoomRPCRequest) (*wire.LeaveRoomRPCResponse, error)
	ForwardMessage(ctx context.Context, peer NodeID, req wire.ForwardMessageRequest) (*wire.ForwardMessageResponse, error)
	ReceiveMessageBroadcast(ctx context.Context, peer NodeID, req wire.ReceiveMessageBroadcastRequest) error
	ReceiveMemberEventBroadcast(ctx context.Context, peer NodeID, req wire.ReceiveMemberEventBroadcastRequest) error
	NotifyMemberDisconnect(ctx context.Context, peer NodeID, req wire.NotifyMemberDisconnectRequest) error
	Heartbeat(ctx context.Context, peer NodeID) (*wire.HeartbeatResponse, error)
	PrepareDeleteRoom(ctx context.Context, peer NodeID, req wire.PrepareDeleteRoomRequest) (*wire.PrepareDeleteRoomResponse, error)
	CommitDeleteRoom(ctx context.Context, peer NodeID, req wire.CommitDeleteRoomRequest) (*wire.CommitDeleteRoomResponse, error)
	RollbackDeleteRoom(ctx context.Context, peer NodeID, req wire.RollbackDeleteRoomRequest) (*wire.RollbackDeleteRoomResponse, error)
}
