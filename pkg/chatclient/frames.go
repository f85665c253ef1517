package chatclient

import "encoding/json"

// The node keeps its wire shapes internal to its own packages; this
// file carries the client-side equivalents with the same JSON layout.

// Frame types sent by the client.
const (
	typeListRooms     = "list_rooms"
	typeDiscoverRooms = "discover_rooms"
	typeCreateRoom    = "create_room"
	typeJoinRoom      = "join_room"
	typeLeaveRoom     = "leave_room"
	typeSendMessage   = "send_message"
	typeDeleteRoom    = "delete_room"
)

// Frame types pushed by the node.
const (
	typeRoomsList           = "rooms_list"
	typeGlobalRoomsList     = "global_rooms_list"
	typeRoomCreated         = "room_created"
	typeJoinRoomSuccess     = "join_room_success"
	typeJoinRoomError       = "join_room_error"
	typeLeaveRoomSuccess    = "leave_room_success"
	typeLeaveRoomError      = "leave_room_error"
	typeMemberJoined        = "member_joined"
	typeMemberLeft          = "member_left"
	typeMessageSent         = "message_sent"
	typeNewMessage          = "new_message"
	typeMessageError        = "message_error"
	typeDeleteRoomInitiated = "delete_room_initiated"
	typeDeleteRoomSuccess   = "delete_room_success"
	typeDeleteRoomFailed    = "delete_room_failed"
	typeDeleteRoomCancelled = "delete_room_cancelled"
	typeRoomDeleted         = "room_deleted"
	typeError               = "error"
)

// envelope is the outer JSON object of every frame in both directions:
// {"type": "...", "data": {...}}.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type createRoomRequest struct {
	RoomName    string `json:"room_name"`
	CreatorID   string `json:"creator_id"`
	Description string `json:"description,omitempty"`
}

// roomUserRequest is the shared payload of join_room, leave_room, and
// delete_room.
type roomUserRequest struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
}

type sendMessageRequest struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
	Content  string `json:"content"`
}

// Message is one sequenced chat message as the node delivers it.
// SequenceNumber is assigned by the room's administrator node and is
// the ordering key the buffer works with.
type Message struct {
	MessageID      string `json:"message_id"`
	Username       string `json:"username"`
	Content        string `json:"content"`
	SequenceNumber int64  `json:"sequence_number"`
	Timestamp      string `json:"timestamp"`
}

// NewMessage wraps one delivered message with the room it belongs to.
type NewMessage struct {
	RoomID string `json:"room_id"`
	Message
}

// RoomSummary describes one room in a listing.
type RoomSummary struct {
	RoomID      string `json:"room_id"`
	RoomName    string `json:"room_name"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"member_count"`
	AdminNode   string `json:"admin_node"`
	CreatorID   string `json:"creator_id,omitempty"`
}

// RoomsList answers list_rooms with the connected node's own rooms.
type RoomsList struct {
	Rooms      []RoomSummary `json:"rooms"`
	TotalCount int           `json:"total_count"`
}

// GlobalRoomsList answers discover_rooms with the fleet-wide merge and
// which peers answered.
type GlobalRoomsList struct {
	Rooms            []RoomSummary `json:"rooms"`
	TotalCount       int           `json:"total_count"`
	NodesQueried     []string      `json:"nodes_queried"`
	NodesAvailable   []string      `json:"nodes_available"`
	NodesUnavailable []string      `json:"nodes_unavailable"`
}

// RoomCreated answers create_room.
type RoomCreated struct {
	RoomID    string   `json:"room_id"`
	RoomName  string   `json:"room_name"`
	AdminNode string   `json:"admin_node"`
	Members   []string `json:"members"`
	CreatedAt string   `json:"created_at"`
}

// RoomInfo is the members-inclusive room snapshot carried by
// join_room_success. A catch-up sequence of new_message frames may
// follow it on the same connection.
type RoomInfo struct {
	RoomID      string   `json:"room_id"`
	RoomName    string   `json:"room_name"`
	Description string   `json:"description,omitempty"`
	Members     []string `json:"members"`
	MemberCount int      `json:"member_count"`
	AdminNode   string   `json:"admin_node"`
}

// RoomError reports a rejected join_room, leave_room, or send_message.
type RoomError struct {
	RoomID    string `json:"room_id"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// RoomLeft confirms a leave_room.
type RoomLeft struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
}

// MemberEvent carries member_joined and member_left notifications.
// Reason is set on involuntary leaves.
type MemberEvent struct {
	RoomID      string `json:"room_id"`
	Username    string `json:"username"`
	MemberCount int    `json:"member_count"`
	Timestamp   string `json:"timestamp"`
	Reason      string `json:"reason,omitempty"`
}

// MessageSent confirms a send_message. The message itself still
// arrives through the normal new_message fan-out.
type MessageSent struct {
	RoomID         string `json:"room_id"`
	MessageID      string `json:"message_id"`
	SequenceNumber int64  `json:"sequence_number"`
	Timestamp      string `json:"timestamp"`
}

// DeleteRoomInitiated announces that distributed deletion has started.
type DeleteRoomInitiated struct {
	RoomID        string `json:"room_id"`
	Initiator     string `json:"initiator,omitempty"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// DeleteRoomSuccess tells the initiator the room is gone everywhere.
type DeleteRoomSuccess struct {
	RoomID        string `json:"room_id"`
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message"`
}

// DeleteRoomFailed tells the initiator the deletion aborted.
type DeleteRoomFailed struct {
	RoomID        string `json:"room_id"`
	Reason        string `json:"reason"`
	ErrorCode     string `json:"error_code"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// DeleteRoomCancelled tells room members a pending deletion rolled back
// and the room is usable again.
type DeleteRoomCancelled struct {
	RoomID        string `json:"room_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message"`
}

// RoomDeleted tells room members the room was removed.
type RoomDeleted struct {
	RoomID        string `json:"room_id"`
	RoomName      string `json:"room_name"`
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// ServerError is the generic error frame for requests the node
// rejected before reaching a typed handler.
type ServerError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}
