package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/metrics"
	"github.com/meshchat/meshchat/internal/v1/peers"
	"github.com/meshchat/meshchat/internal/v1/state"
	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// dispatch decodes one inbound frame and routes it to its handler.
// Undecodable frames are answered with a generic error frame; the
// session stays open either way.
func (h *Hub) dispatch(ctx context.Context, s *Session, raw []byte) {
	frame, err := wire.DecodeClientFrame(raw)
	if err != nil {
		countEvent("malformed", "error")
		logging.Warn(ctx, "Rejected malformed client frame",
			zap.String("sessionId", s.id),
			zap.Error(err))
		s.sendFrame(wire.TypeError, wire.ErrorData{
			Error:     err.Error(),
			ErrorCode: wire.CodeInvalidRequest,
		})
		return
	}

	switch frame.Type {
	case wire.TypeListRooms:
		h.handleListRooms(ctx, s)
	case wire.TypeDiscoverRooms:
		h.handleDiscoverRooms(ctx, s)
	case wire.TypeCreateRoom:
		h.handleCreateRoom(ctx, s, frame.CreateRoom)
	case wire.TypeJoinRoom:
		h.handleJoinRoom(ctx, s, frame.JoinRoom)
	case wire.TypeLeaveRoom:
		h.handleLeaveRoom(ctx, s, frame.LeaveRoom)
	case wire.TypeSendMessage:
		h.handleSendMessage(ctx, s, frame.SendMessage)
	case wire.TypeDeleteRoom:
		h.handleDeleteRoom(ctx, s, frame.DeleteRoom)
	}
}

func (h *Hub) handleListRooms(ctx context.Context, s *Session) {
	rooms := h.manager.ListRooms()
	countEvent(wire.TypeListRooms, "success")
	s.sendFrame(wire.TypeRoomsList, wire.RoomsListData{Rooms: rooms, TotalCount: len(rooms)})
}

func (h *Hub) handleDiscoverRooms(ctx context.Context, s *Session) {
	result := h.registry.DiscoverGlobalRooms(ctx, h.caller, h.discoverTimeout, h.manager.ListRooms())
	countEvent(wire.TypeDiscoverRooms, "success")
	s.sendFrame(wire.TypeGlobalRoomsList, result)
}

func (h *Hub) handleCreateRoom(ctx context.Context, s *Session, req *wire.CreateRoomRequest) {
	if req.RoomName == "" || req.CreatorID == "" {
		h.sendError(s, wire.TypeCreateRoom, "Missing room_name or creator_id", wire.CodeInvalidRequest)
		return
	}

	room, err := h.manager.CreateRoom(req.RoomName, types.Username(req.CreatorID), req.Description)
	if err != nil {
		if errors.Is(err, state.ErrRoomNameTaken) {
			h.sendError(s, wire.TypeCreateRoom,
				fmt.Sprintf("Room with name '%s' already exists", req.RoomName), wire.CodeInvalidRequest)
		} else {
			h.sendError(s, wire.TypeCreateRoom, "Failed to create room", wire.CodeInternalError)
		}
		return
	}

	logging.Info(ctx, "Room created",
		zap.String("roomId", string(room.ID)),
		zap.String("roomName", room.Name),
		zap.String("creatorId", req.CreatorID))

	members := make([]string, 0, len(room.Members))
	for _, m := range room.Members {
		members = append(members, string(m))
	}

	countEvent(wire.TypeCreateRoom, "success")
	s.sendFrame(wire.TypeRoomCreated, wire.RoomCreatedData{
		RoomID:    string(room.ID),
		RoomName:  room.Name,
		AdminNode: string(room.AdminNode),
		Members:   members,
		CreatedAt: wire.FormatTimestamp(room.CreatedAt),
	})
}

func (h *Hub) handleJoinRoom(ctx context.Context, s *Session, req *wire.JoinRoomRequest) {
	if req.RoomID == "" || req.Username == "" {
		h.sendJoinError(s, req.RoomID, "Missing room_id or username", wire.CodeInvalidRequest)
		return
	}

	roomID := types.RoomID(req.RoomID)
	username := types.Username(req.Username)

	if h.rateLimiter != nil {
		if err := h.rateLimiter.AllowUsername(ctx, req.Username); err != nil {
			h.sendJoinError(s, req.RoomID, "Too many join attempts, slow down", wire.CodeInvalidRequest)
			return
		}
	}

	var (
		info   *wire.RoomInfo
		replay []wire.Message
		admin  types.NodeID
		jerr   *wire.Error
	)
	if h.manager.HasRoom(roomID) {
		admin = h.manager.NodeID()
		info, replay, jerr = h.joinLocal(ctx, s, roomID, username)
	} else {
		admin, info, replay, jerr = h.joinRemote(ctx, roomID, username)
	}
	if jerr != nil {
		h.sendJoinError(s, req.RoomID, jerr.Message, jerr.Code)
		return
	}

	h.subscribe(s, roomID, username, admin)
	countEvent(wire.TypeJoinRoom, "success")
	s.sendFrame(wire.TypeJoinRoomSuccess, info)

	// Catch-up history arrives as ordinary new_message frames after the
	// success frame, already in sequence order.
	for _, msg := range replay {
		s.sendFrame(wire.TypeNewMessage, wire.NewMessageData{RoomID: req.RoomID, Message: msg})
	}

	logging.Info(ctx, "Client joined room",
		zap.String("roomId", req.RoomID),
		zap.String("username", req.Username),
		zap.String("adminNode", string(admin)),
		zap.Int("replayed", len(replay)))
}

func (h *Hub) joinLocal(ctx context.Context, s *Session, roomID types.RoomID, username types.Username) (*wire.RoomInfo, []wire.Message, *wire.Error) {
	room, err := h.manager.GetRoom(roomID)
	if err != nil {
		return nil, nil, wire.NewError(wire.CodeRoomNotFound, "Room not found")
	}

	if h.manager.IsMember(roomID, username) {
		// Rejoin: refresh the binding, no second member_joined.
		h.manager.AddMember(roomID, username, h.manager.NodeID())
	} else {
		if room.State != state.RoomStateActive {
			return nil, nil, wire.NewError(wire.CodeInvalidState, state.StateError(room.State, "join"))
		}
		added, aerr := h.manager.AddMember(roomID, username, h.manager.NodeID())
		if aerr != nil {
			return nil, nil, wire.NewError(wire.CodeRoomNotFound, "Room not found")
		}
		if added {
			// The joiner learns the membership from join_room_success;
			// only existing subscribers get the member_joined.
			h.broadcastMemberEventExcept(ctx, roomID, wire.TypeMemberJoined, wire.MemberEventData{
				RoomID:      string(roomID),
				Username:    string(username),
				MemberCount: h.manager.MemberCount(roomID),
				Timestamp:   wire.Now(),
			}, s)
		}
	}

	info, ierr := h.manager.RoomInfo(roomID)
	if ierr != nil {
		return nil, nil, wire.NewError(wire.CodeRoomNotFound, "Room not found")
	}
	return info, h.manager.Messages(roomID), nil
}

func (h *Hub) joinRemote(ctx context.Context, roomID types.RoomID, username types.Username) (types.NodeID, *wire.RoomInfo, []wire.Message, *wire.Error) {
	admin, found := h.findAdminNode(ctx, roomID)
	if !found {
		return "", nil, nil, wire.NewError(wire.CodeRoomNotFound, "Room not found")
	}
	if !h.registry.Has(admin) {
		return "", nil, nil, wire.NewError(wire.CodeAdminNodeUnavailable, "Administrator node unavailable")
	}

	resp, err := h.caller.JoinRoom(ctx, admin, wire.JoinRoomRPCRequest{
		RoomID:       string(roomID),
		Username:     string(username),
		SourceNodeID: string(h.manager.NodeID()),
	})
	if err != nil {
		return "", nil, nil, wire.NewError(wire.CodeAdminNodeUnavailable,
			fmt.Sprintf("Failed to contact administrator node: %v", err))
	}
	if !resp.Success {
		return "", nil, nil, wire.NewError(resp.ErrorCode, resp.Error)
	}
	return admin, resp.RoomInfo, resp.Messages, nil
}

// findAdminNode locates the administrator of a room this node does not
// host by querying every peer's room list.
func (h *Hub) findAdminNode(ctx context.Context, roomID types.RoomID) (types.NodeID, bool) {
	result := h.registry.DiscoverGlobalRooms(ctx, h.caller, h.discoverTimeout, nil)
	for _, room := range result.Rooms {
		if room.RoomID == string(roomID) {
			return types.NodeID(room.AdminNode), true
		}
	}
	return "", false
}

func (h *Hub) handleLeaveRoom(ctx context.Context, s *Session, req *wire.LeaveRoomRequest) {
	if req.RoomID == "" || req.Username == "" {
		h.sendLeaveError(s, req.RoomID, "Missing room_id or username", wire.CodeInvalidRequest)
		return
	}

	roomID := types.RoomID(req.RoomID)
	username := types.Username(req.Username)

	// Unregister first so local delivery stops even when the
	// administrator cannot be reached.
	sub, _ := h.unsubscribe(s, roomID)

	if h.manager.HasRoom(roomID) {
		if !h.manager.RemoveMember(roomID, username) {
			h.sendLeaveError(s, req.RoomID, "Not in room", wire.CodeNotInRoom)
			return
		}
		h.broadcastMemberEventExcept(ctx, roomID, wire.TypeMemberLeft, wire.MemberEventData{
			RoomID:      string(roomID),
			Username:    string(username),
			MemberCount: h.manager.MemberCount(roomID),
			Timestamp:   wire.Now(),
		}, s)
	} else {
		h.leaveRemote(ctx, roomID, username, sub)
	}

	countEvent(wire.TypeLeaveRoom, "success")
	s.sendFrame(wire.TypeLeaveRoomSuccess, wire.LeaveRoomSuccessData{RoomID: req.RoomID, Username: req.Username})

	logging.Info(ctx, "Client left room",
		zap.String("roomId", req.RoomID),
		zap.String("username", req.Username))
}

// leaveRemote tells the administrator node to drop the membership. It
// is best effort: the local subscription is already gone, so failures
// are logged and the leave still succeeds.
func (h *Hub) leaveRemote(ctx context.Context, roomID types.RoomID, username types.Username, sub subscription) {
	admin := sub.adminNode
	if admin == "" || admin == h.manager.NodeID() || !h.registry.Has(admin) {
		var found bool
		admin, found = h.findAdminNode(ctx, roomID)
		if !found {
			logging.Warn(ctx, "Could not find administrator for room on leave",
				zap.String("roomId", string(roomID)),
				zap.String("username", string(username)))
			return
		}
	}

	resp, err := h.caller.LeaveRoom(ctx, admin, wire.LeaveRoomRPCRequest{
		RoomID:       string(roomID),
		Username:     string(username),
		SourceNodeID: string(h.manager.NodeID()),
	})
	if err != nil {
		logging.Warn(ctx, "Failed to leave remote room",
			zap.String("roomId", string(roomID)),
			zap.String("adminNode", string(admin)),
			zap.Error(err))
		return
	}
	if !resp.Success {
		logging.Warn(ctx, "Administrator rejected leave",
			zap.String("roomId", string(roomID)),
			zap.String("adminNode", string(admin)),
			zap.String("error", resp.Error))
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, s *Session, req *wire.SendMessageRequest) {
	if req.RoomID == "" || req.Username == "" {
		h.sendMessageError(s, req.RoomID, "Missing room_id or username", wire.CodeInvalidRequest)
		return
	}
	if verr := wire.ValidateContent(req.Content); verr != nil {
		h.sendMessageError(s, req.RoomID, verr.Message, verr.Code)
		return
	}

	roomID := types.RoomID(req.RoomID)
	// The gate is the session's own subscription. A username present in
	// the member set does not let an unjoined session post.
	if !h.isSubscribed(s, roomID) {
		h.sendMessageError(s, req.RoomID, "You are not a member of this room", wire.CodeNotMember)
		return
	}

	var (
		confirm wire.MessageSentData
		serr    *wire.Error
	)
	if h.manager.HasRoom(roomID) {
		confirm, serr = h.messageLocal(ctx, roomID, types.Username(req.Username), req.Content)
	} else {
		confirm, serr = h.messageRemote(ctx, s, roomID, types.Username(req.Username), req.Content)
	}
	if serr != nil {
		h.sendMessageError(s, req.RoomID, serr.Message, serr.Code)
		return
	}

	countEvent(wire.TypeSendMessage, "success")
	s.sendFrame(wire.TypeMessageSent, confirm)
}

func (h *Hub) messageLocal(ctx context.Context, roomID types.RoomID, username types.Username, content string) (wire.MessageSentData, *wire.Error) {
	msg, err := h.manager.AddMessage(roomID, username, content)
	if err != nil {
		return wire.MessageSentData{}, h.messageRejection(roomID, err)
	}

	h.broadcastMessage(ctx, roomID, msg)

	return wire.MessageSentData{
		RoomID:         string(roomID),
		MessageID:      msg.MessageID,
		SequenceNumber: msg.SequenceNumber,
		Timestamp:      msg.Timestamp,
	}, nil
}

// messageRejection maps an AddMessage failure onto the client error.
func (h *Hub) messageRejection(roomID types.RoomID, err error) *wire.Error {
	switch {
	case errors.Is(err, state.ErrRoomNotFound):
		return wire.NewError(wire.CodeRoomNotFound, "Room not found")
	case errors.Is(err, state.ErrRoomNotActive):
		reason := "Room is not active"
		if room, gerr := h.manager.GetRoom(roomID); gerr == nil {
			reason = state.StateError(room.State, "send messages")
		}
		return wire.NewError(wire.CodeInvalidState, reason)
	case errors.Is(err, state.ErrNotMember):
		return wire.NewError(wire.CodeNotMember, "You are not a member of this room")
	default:
		return wire.NewError(wire.CodeInternalError, "Failed to add message")
	}
}

func (h *Hub) messageRemote(ctx context.Context, s *Session, roomID types.RoomID, username types.Username, content string) (wire.MessageSentData, *wire.Error) {
	admin, found := h.resolveAdminNode(ctx, s, roomID)
	if !found {
		return wire.MessageSentData{}, wire.NewError(wire.CodeRoomNotFound, "Room not found")
	}
	if !h.registry.Has(admin) {
		return wire.MessageSentData{}, wire.NewError(wire.CodeAdminNodeUnavailable, "Administrator node unavailable")
	}

	resp, err := h.caller.ForwardMessage(ctx, admin, wire.ForwardMessageRequest{
		RoomID:       string(roomID),
		Username:     string(username),
		Content:      content,
		SourceNodeID: string(h.manager.NodeID()),
	})
	if err != nil {
		return wire.MessageSentData{}, wire.NewError(wire.CodeAdminNodeUnavailable,
			fmt.Sprintf("Failed to contact administrator node: %v", err))
	}
	if !resp.Success {
		return wire.MessageSentData{}, wire.NewError(resp.ErrorCode, resp.Error)
	}

	return wire.MessageSentData{
		RoomID:         string(roomID),
		MessageID:      resp.MessageID,
		SequenceNumber: resp.SequenceNumber,
		Timestamp:      resp.Timestamp,
	}, nil
}

// resolveAdminNode prefers the administrator recorded on the session's
// subscription and falls back to discovery.
func (h *Hub) resolveAdminNode(ctx context.Context, s *Session, roomID types.RoomID) (types.NodeID, bool) {
	if sub, ok := h.subscriptionFor(s, roomID); ok {
		if sub.adminNode != "" && sub.adminNode != h.manager.NodeID() && h.registry.Has(sub.adminNode) {
			return sub.adminNode, true
		}
	}
	return h.findAdminNode(ctx, roomID)
}

// handleDeleteRoom runs the deletion protocol synchronously on the
// session's read loop. Closing the session does not cancel an in-flight
// deletion; undeliverable outcome frames are simply dropped.
func (h *Hub) handleDeleteRoom(ctx context.Context, s *Session, req *wire.DeleteRoomRequest) {
	reply := func(frameType string, data any) {
		switch frameType {
		case wire.TypeDeleteRoomSuccess:
			countEvent(wire.TypeDeleteRoom, "success")
		case wire.TypeDeleteRoomFailed:
			countEvent(wire.TypeDeleteRoom, "error")
		}
		s.sendFrame(frameType, data)
	}
	h.coordinator.DeleteRoom(ctx, types.RoomID(req.RoomID), types.Username(req.Username), reply)
}

// broadcastMemberEventExcept delivers a member event to local
// subscribers, optionally skipping the acting session, and pushes it to
// every peer. Peer failures are logged and never fail the operation.
func (h *Hub) broadcastMemberEventExcept(ctx context.Context, roomID types.RoomID, eventType string, event wire.MemberEventData, exclude *Session) {
	frame, err := wire.EncodeFrame(eventType, event)
	if err != nil {
		logging.Error(ctx, "Failed to encode member event",
			zap.String("frameType", eventType),
			zap.Error(err))
		metrics.BroadcastFanout.WithLabelValues("local", "error").Inc()
	} else {
		h.broadcastToRoomExcept(roomID, frame, exclude)
		metrics.BroadcastFanout.WithLabelValues("local", "success").Inc()
	}

	req := wire.ReceiveMemberEventBroadcastRequest{
		RoomID:    string(roomID),
		EventType: eventType,
		Event:     event,
	}
	outcomes := peers.FanOut(ctx, h.registry.List(), broadcastTimeout, func(ctx context.Context, node types.NodeID) (struct{}, error) {
		return struct{}{}, h.caller.ReceiveMemberEventBroadcast(ctx, node, req)
	})
	h.recordPeerFanout(ctx, eventType, roomID, outcomes)
}

// broadcastMessage fans a freshly sequenced message out to local
// subscribers, the sender included, and to every peer.
func (h *Hub) broadcastMessage(ctx context.Context, roomID types.RoomID, msg wire.Message) {
	frame, err := wire.EncodeFrame(wire.TypeNewMessage, wire.NewMessageData{RoomID: string(roomID), Message: msg})
	if err != nil {
		logging.Error(ctx, "Failed to encode message broadcast", zap.Error(err))
		metrics.BroadcastFanout.WithLabelValues("local", "error").Inc()
	} else {
		h.BroadcastToRoom(roomID, frame)
		metrics.BroadcastFanout.WithLabelValues("local", "success").Inc()
	}

	req := wire.ReceiveMessageBroadcastRequest{RoomID: string(roomID), Message: msg}
	outcomes := peers.FanOut(ctx, h.registry.List(), broadcastTimeout, func(ctx context.Context, node types.NodeID) (struct{}, error) {
		return struct{}{}, h.caller.ReceiveMessageBroadcast(ctx, node, req)
	})
	h.recordPeerFanout(ctx, "message", roomID, outcomes)
}

func (h *Hub) recordPeerFanout(ctx context.Context, kind string, roomID types.RoomID, outcomes map[types.NodeID]peers.Outcome[struct{}]) {
	for node, oc := range outcomes {
		if oc.Err != nil {
			metrics.BroadcastFanout.WithLabelValues("peer", "error").Inc()
			logging.Warn(ctx, "Peer broadcast failed",
				zap.String("nodeId", string(node)),
				zap.String("kind", kind),
				zap.String("roomId", string(roomID)),
				zap.Error(oc.Err))
			continue
		}
		metrics.BroadcastFanout.WithLabelValues("peer", "success").Inc()
	}
}

func (h *Hub) sendJoinError(s *Session, roomID, errMsg string, code wire.ErrorCode) {
	countEvent(wire.TypeJoinRoom, "error")
	s.sendFrame(wire.TypeJoinRoomError, wire.JoinRoomErrorData{RoomID: roomID, Error: errMsg, ErrorCode: code})
}

func (h *Hub) sendLeaveError(s *Session, roomID, errMsg string, code wire.ErrorCode) {
	countEvent(wire.TypeLeaveRoom, "error")
	s.sendFrame(wire.TypeLeaveRoomError, wire.LeaveRoomErrorData{RoomID: roomID, Error: errMsg, ErrorCode: code})
}

func (h *Hub) sendMessageError(s *Session, roomID, errMsg string, code wire.ErrorCode) {
	countEvent(wire.TypeSendMessage, "error")
	s.sendFrame(wire.TypeMessageError, wire.MessageErrorData{RoomID: roomID, Error: errMsg, ErrorCode: code})
}

// sendError answers a request type that has no dedicated error frame.
func (h *Hub) sendError(s *Session, requestType, errMsg string, code wire.ErrorCode) {
	countEvent(requestType, "error")
	s.sendFrame(wire.TypeError, wire.ErrorData{Error: errMsg, ErrorCode: code})
}

func countEvent(eventType, status string) {
	metrics.WebsocketEvents.WithLabelValues(eventType, status).Inc()
}
