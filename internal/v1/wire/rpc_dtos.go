package wire

// Inter-node RPC method names. The RPC server mounts one POST route per
// method under /rpc/v1/; the client addresses peers by these names.
const (
	MethodGetHostedRooms              = "get_hosted_rooms"
	MethodJoinRoom                    = "join_room"
	MethodLeaveRoom                   = "leave_room"
	MethodForwardMessage              = "forward_message"
	MethodReceiveMessageBroadcast     = "receive_message_broadcast"
	MethodReceiveMemberEventBroadcast = "receive_member_event_broadcast"
	MethodNotifyMemberDisconnect      = "notify_member_disconnect"
	MethodHeartbeat                   = "heartbeat"
	MethodPrepareDeleteRoom           = "prepare_delete_room"
	MethodCommitDeleteRoom            = "commit_delete_room"
	MethodRollbackDeleteRoom          = "rollback_delete_room"
)

// Two-phase-commit votes carried in prepare_delete_room responses.
const (
	VoteReady = "READY"
	VoteAbort = "ABORT"
)

// HeartbeatStatusOK is the status value of a healthy heartbeat response.
const HeartbeatStatusOK = "ok"

// RPCStatus is the uniform outcome header embedded in RPC responses.
// Application failures travel as Success=false with a stable code over
// HTTP 200; transport failures never reach this struct.
type RPCStatus struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

// OK returns a successful status header.
func OK() RPCStatus {
	return RPCStatus{Success: true}
}

// Fail returns a failed status header with a stable code.
func Fail(code ErrorCode, message string) RPCStatus {
	return RPCStatus{Error: message, ErrorCode: code}
}

// FailErr lifts a typed wire error into a failed status header.
func FailErr(err *Error) RPCStatus {
	return Fail(err.Code, err.Message)
}

// GetHostedRoomsRequest asks a peer for its administered rooms. NodeID
// identifies the requester and is informational only.
type GetHostedRoomsRequest struct {
	NodeID string `json:"node_id,omitempty"`
}

// GetHostedRoomsResponse lists the peer's rooms, each annotated with
// the peer's reachable RPC address.
type GetHostedRoomsResponse struct {
	RPCStatus
	NodeID string        `json:"node_id"`
	Rooms  []RoomSummary `json:"rooms"`
}

// JoinRoomRPCRequest registers a remote client as a room member on the
// administrator node. SourceNodeID is the node hosting the client's
// session; the administrator scopes heartbeats and eviction by it.
type JoinRoomRPCRequest struct {
	RoomID       string `json:"room_id"`
	Username     string `json:"username"`
	SourceNodeID string `json:"source_node_id"`
}

// JoinRoomRPCResponse carries the room snapshot plus the current message
// buffer so late joiners can catch up. A join for an existing member
// succeeds with Message "Already in room, re-registered" and no
// member_joined broadcast.
type JoinRoomRPCResponse struct {
	RPCStatus
	Message  string    `json:"message,omitempty"`
	RoomInfo *RoomInfo `json:"room_info,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// LeaveRoomRPCRequest removes a remote client's membership.
type LeaveRoomRPCRequest struct {
	RoomID       string `json:"room_id"`
	Username     string `json:"username"`
	SourceNodeID string `json:"source_node_id"`
}

// LeaveRoomRPCResponse reports the leave outcome.
type LeaveRoomRPCResponse struct {
	RPCStatus
	Message string `json:"message,omitempty"`
}

// ForwardMessageRequest submits content to the administrator node for
// sequencing and fan-out.
type ForwardMessageRequest struct {
	RoomID       string `json:"room_id"`
	Username     string `json:"username"`
	Content      string `json:"content"`
	SourceNodeID string `json:"source_node_id"`
}

// ForwardMessageResponse returns the sequenced message identity. The
// full message still arrives through the new_message fan-out.
type ForwardMessageResponse struct {
	RPCStatus
	MessageID      string `json:"message_id,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// ReceiveMessageBroadcastRequest injects a finalized message into the
// receiving node's local subscribers. Receivers must never re-broadcast.
type ReceiveMessageBroadcastRequest struct {
	RoomID  string  `json:"room_id"`
	Message Message `json:"message"`
}

// ReceiveMessageBroadcastResponse acknowledges local delivery.
type ReceiveMessageBroadcastResponse struct {
	RPCStatus
}

// ReceiveMemberEventBroadcastRequest delivers a member_joined or
// member_left event to the receiving node's local subscribers.
type ReceiveMemberEventBroadcastRequest struct {
	RoomID    string          `json:"room_id"`
	EventType string          `json:"event_type"`
	Event     MemberEventData `json:"event_data"`
}

// ReceiveMemberEventBroadcastResponse acknowledges local delivery.
type ReceiveMemberEventBroadcastResponse struct {
	RPCStatus
}

// NotifyMemberDisconnectRequest tells the administrator that a member's
// session on SourceNodeID was lost without a leave request.
type NotifyMemberDisconnectRequest struct {
	RoomID       string `json:"room_id"`
	Username     string `json:"username"`
	SourceNodeID string `json:"source_node_id"`
	Reason       string `json:"reason,omitempty"`
}

// NotifyMemberDisconnectResponse reports whether an eviction occurred.
type NotifyMemberDisconnectResponse struct {
	RPCStatus
}

// HeartbeatRequest identifies the probing node.
type HeartbeatRequest struct {
	NodeID string `json:"node_id"`
}

// HeartbeatResponse proves liveness of the probed node.
type HeartbeatResponse struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Timestamp string `json:"timestamp"`
}

// PrepareDeleteRoomRequest is the coordinator's PREPARE phase call.
type PrepareDeleteRoomRequest struct {
	RoomID          string `json:"room_id"`
	TransactionID   string `json:"transaction_id"`
	CoordinatorNode string `json:"coordinator_node"`
}

// PrepareDeleteRoomResponse is the participant's vote. Vote is READY or
// ABORT; Reason is set on ABORT.
type PrepareDeleteRoomResponse struct {
	Vote          string `json:"vote"`
	NodeID        string `json:"node_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason,omitempty"`
}

// CommitDeleteRoomRequest is the coordinator's COMMIT phase call.
type CommitDeleteRoomRequest struct {
	RoomID        string `json:"room_id"`
	TransactionID string `json:"transaction_id"`
}

// CommitDeleteRoomResponse acknowledges the participant's local commit.
type CommitDeleteRoomResponse struct {
	RPCStatus
	NodeID        string `json:"node_id"`
	TransactionID string `json:"transaction_id"`
}

// RollbackDeleteRoomRequest is the coordinator's ROLLBACK call.
type RollbackDeleteRoomRequest struct {
	RoomID        string `json:"room_id"`
	TransactionID string `json:"transaction_id"`
}

// RollbackDeleteRoomResponse acknowledges the participant's rollback.
type RollbackDeleteRoomResponse struct {
	RPCStatus
	NodeID        string `json:"node_id"`
	TransactionID string `json:"transaction_id"`
}
