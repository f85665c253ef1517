package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFrameType marks a frame whose type is not in the dispatch table.
var ErrUnknownFrameType = errors.New("unknown frame type")

// CreateRoomRequest asks this node to create and administer a new room.
type CreateRoomRequest struct {
	RoomName    string `json:"room_name"`
	CreatorID   string `json:"creator_id"`
	Description string `json:"description,omitempty"`
}

// JoinRoomRequest subscribes the session to a room, local or remote.
type JoinRoomRequest struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
}

// LeaveRoomRequest removes the session's membership in a room.
type LeaveRoomRequest struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
}

// SendMessageRequest submits message content for sequencing by the
// room's administrator node.
type SendMessageRequest struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
	Content  string `json:"content"`
}

// DeleteRoomRequest initiates distributed deletion of a room. Only the
// recorded creator may initiate.
type DeleteRoomRequest struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
}

// ClientFrame is the decoded form of one inbound client envelope. Exactly
// one payload pointer is non-nil for payload-carrying types; list_rooms
// and discover_rooms carry no payload and are identified by Type alone.
// Decoding happens once at the edge so interior code switches on the
// variant, never on raw JSON.
type ClientFrame struct {
	Type string

	CreateRoom  *CreateRoomRequest
	JoinRoom    *JoinRoomRequest
	LeaveRoom   *LeaveRoomRequest
	SendMessage *SendMessageRequest
	DeleteRoom  *DeleteRoomRequest
}

// DecodeClientFrame parses one raw text frame into its tagged variant.
func DecodeClientFrame(raw []byte) (*ClientFrame, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("malformed envelope: missing type")
	}

	frame := &ClientFrame{Type: env.Type}

	decode := func(dst any) error {
		if len(env.Data) == 0 {
			return fmt.Errorf("%s: missing data", env.Type)
		}
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return fmt.Errorf("%s: invalid data: %w", env.Type, err)
		}
		return nil
	}

	switch env.Type {
	case TypeListRooms, TypeDiscoverRooms:
		// No payload.
	case TypeCreateRoom:
		frame.CreateRoom = &CreateRoomRequest{}
		if err := decode(frame.CreateRoom); err != nil {
			return nil, err
		}
	case TypeJoinRoom:
		frame.JoinRoom = &JoinRoomRequest{}
		if err := decode(frame.JoinRoom); err != nil {
			return nil, err
		}
	case TypeLeaveRoom:
		frame.LeaveRoom = &LeaveRoomRequest{}
		if err := decode(frame.LeaveRoom); err != nil {
			return nil, err
		}
	case TypeSendMessage:
		frame.SendMessage = &SendMessageRequest{}
		if err := decode(frame.SendMessage); err != nil {
			return nil, err
		}
	case TypeDeleteRoom:
		frame.DeleteRoom = &DeleteRoomRequest{}
		if err := decode(frame.DeleteRoom); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, env.Type)
	}

	return frame, nil
}
