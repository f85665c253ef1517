package wire

// Message is one sequenced chat message as stored in a room's bounded
// buffer and carried in broadcasts and catch-up replays.
type Message struct {
	MessageID      string `json:"message_id"`
	Username       string `json:"username"`
	Content        string `json:"content"`
	SequenceNumber int64  `json:"sequence_number"`
	Timestamp      string `json:"timestamp"`
}

// RoomSummary is the public snapshot of a room used in listings.
// NodeAddress is only populated on summaries returned to peers, so a
// discovering node can reach the administrator directly.
type RoomSummary struct {
	RoomID      string `json:"room_id"`
	RoomName    string `json:"room_name"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"member_count"`
	AdminNode   string `json:"admin_node"`
	CreatorID   string `json:"creator_id,omitempty"`
	NodeAddress string `json:"node_address,omitempty"`
}

// RoomsListData answers list_rooms.
type RoomsListData struct {
	Rooms      []RoomSummary `json:"rooms"`
	TotalCount int           `json:"total_count"`
}

// GlobalRoomsListData answers discover_rooms with the fleet-wide merge.
type GlobalRoomsListData struct {
	Rooms            []RoomSummary `json:"rooms"`
	TotalCount       int           `json:"total_count"`
	NodesQueried     []string      `json:"nodes_queried"`
	NodesAvailable   []string      `json:"nodes_available"`
	NodesUnavailable []string      `json:"nodes_unavailable"`
}

// RoomCreatedData answers create_room with the full snapshot.
type RoomCreatedData struct {
	RoomID    string   `json:"room_id"`
	RoomName  string   `json:"room_name"`
	AdminNode string   `json:"admin_node"`
	Members   []string `json:"members"`
	CreatedAt string   `json:"created_at"`
}

// RoomInfo is the members-inclusive snapshot of a room, handed to
// joiners both over inter-node RPC and in join_room_success frames.
type RoomInfo struct {
	RoomID      string   `json:"room_id"`
	RoomName    string   `json:"room_name"`
	Description string   `json:"description,omitempty"`
	Members     []string `json:"members"`
	MemberCount int      `json:"member_count"`
	AdminNode   string   `json:"admin_node"`
}

// JoinRoomSuccessData answers join_room; a catch-up sequence of
// new_message frames may follow it on the same session.
type JoinRoomSuccessData = RoomInfo

// JoinRoomErrorData reports a failed join.
type JoinRoomErrorData struct {
	RoomID    string    `json:"room_id"`
	Error     string    `json:"error"`
	ErrorCode ErrorCode `json:"error_code"`
}

// LeaveRoomSuccessData confirms a leave.
type LeaveRoomSuccessData struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
}

// LeaveRoomErrorData reports a failed leave.
type LeaveRoomErrorData struct {
	RoomID    string    `json:"room_id"`
	Error     string    `json:"error"`
	ErrorCode ErrorCode `json:"error_code"`
}

// MemberEventData carries member_joined and member_left notifications.
// Reason is set on involuntary leaves ("Node unreachable",
// "Connection timeout", "User disconnected", "Node failure").
type MemberEventData struct {
	RoomID      string `json:"room_id"`
	Username    string `json:"username"`
	MemberCount int    `json:"member_count"`
	Timestamp   string `json:"timestamp"`
	Reason      string `json:"reason,omitempty"`
}

// MessageSentData is the synchronous confirmation to the sender. The
// message itself still arrives through the normal new_message fan-out.
type MessageSentData struct {
	RoomID         string `json:"room_id"`
	MessageID      string `json:"message_id"`
	SequenceNumber int64  `json:"sequence_number"`
	Timestamp      string `json:"timestamp"`
}

// NewMessageData delivers one sequenced message to a subscriber.
type NewMessageData struct {
	RoomID string `json:"room_id"`
	Message
}

// MessageErrorData reports a rejected send_message.
type MessageErrorData struct {
	RoomID    string    `json:"room_id"`
	Error     string    `json:"error"`
	ErrorCode ErrorCode `json:"error_code"`
}

// DeleteRoomInitiatedData announces that 2PC deletion has started.
type DeleteRoomInitiatedData struct {
	RoomID        string `json:"room_id"`
	Initiator     string `json:"initiator,omitempty"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// DeleteRoomSuccessData tells the initiator the room is gone everywhere.
type DeleteRoomSuccessData struct {
	RoomID        string `json:"room_id"`
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message"`
}

// DeleteRoomFailedData tells the initiator the deletion aborted.
type DeleteRoomFailedData struct {
	RoomID        string    `json:"room_id"`
	Reason        string    `json:"reason"`
	ErrorCode     ErrorCode `json:"error_code"`
	TransactionID string    `json:"transaction_id,omitempty"`
}

// DeleteRoomCancelledData tells room members a pending deletion rolled
// back and the room is usable again.
type DeleteRoomCancelledData struct {
	RoomID        string `json:"room_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message"`
}

// RoomDeletedData tells room members the room was removed.
type RoomDeletedData struct {
	RoomID        string `json:"room_id"`
	RoomName      string `json:"room_name"`
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// ErrorData is the generic error frame for requests that failed before
// reaching a typed handler (unknown type, undecodable payload).
type ErrorData struct {
	Error     string    `json:"error"`
	ErrorCode ErrorCode `json:"error_code"`
}
