// Package wire owns the on-wire format of the chat node: the client
// envelope, every frame payload, the inter-node RPC request/response
// shapes, and the closed error-code set. Nothing outside this package
// touches raw frame bytes.
package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the outer JSON object of every client-facing frame,
// in both directions: {"type": "...", "data": {...}}.
// Data may be omitted for request types that carry no payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client -> node request types.
const (
	TypeListRooms     = "list_rooms"
	TypeDiscoverRooms = "discover_rooms"
	TypeCreateRoom    = "create_room"
	TypeJoinRoom      = "join_room"
	TypeLeaveRoom     = "leave_room"
	TypeSendMessage   = "send_message"
	TypeDeleteRoom    = "delete_room"
)

// Node -> client response and notification types.
const (
	TypeRoomsList           = "rooms_list"
	TypeGlobalRoomsList     = "global_rooms_list"
	TypeRoomCreated         = "room_created"
	TypeJoinRoomSuccess     = "join_room_success"
	TypeJoinRoomError       = "join_room_error"
	TypeLeaveRoomSuccess    = "leave_room_success"
	TypeLeaveRoomError      = "leave_room_error"
	TypeMemberJoined        = "member_joined"
	TypeMemberLeft          = "member_left"
	TypeMessageSent         = "message_sent"
	TypeNewMessage          = "new_message"
	TypeMessageError        = "message_error"
	TypeDeleteRoomInitiated = "delete_room_initiated"
	TypeDeleteRoomSuccess   = "delete_room_success"
	TypeDeleteRoomFailed    = "delete_room_failed"
	TypeDeleteRoomCancelled = "delete_room_cancelled"
	TypeRoomDeleted         = "room_deleted"
	TypeError               = "error"
)

// EncodeFrame marshals a payload into a complete envelope ready to send.
func EncodeFrame(frameType string, data any) ([]byte, error) {
	env := Envelope{Type: frameType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", frameType, err)
		}
		env.Data = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", frameType, err)
	}
	return out, nil
}

// MustEncodeFrame is EncodeFrame for payloads that cannot fail to marshal.
// It panics on error and is intended for wire-owned payload types only.
func MustEncodeFrame(frameType string, data any) []byte {
	out, err := EncodeFrame(frameType, data)
	if err != nil {
		panic(err)
	}
	return out
}
