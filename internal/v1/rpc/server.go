package rpc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/metrics"
	"github.com/meshchat/meshchat/internal/v1/peers"
	"github.com/meshchat/meshchat/internal/v1/state"
	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// DefaultBroadcastTimeout bounds the peer fan-out that follows a
// sequenced message or member event.
const DefaultBroadcastTimeout = 5 * time.Second

// Server handles the synchronous calls peer nodes make against this
// node. Handlers mutate state only through the manager and reach local
// sessions only through the injected Broadcaster.
type Server struct {
	manager   *state.Manager
	registry  *peers.Registry
	caller    types.PeerCaller
	local     types.Broadcaster
	advertise string

	broadcastTimeout time.Duration
}

// NewServer wires the RPC endpoint. advertise is this node's reachable
// RPC base address, stamped onto hosted-room summaries so discovering
// nodes can call back directly.
func NewServer(manager *state.Manager, registry *peers.Registry, caller types.PeerCaller, local types.Broadcaster, advertise string) *Server {
	return &Server{
		manager:          manager,
		registry:         registry,
		caller:           caller,
		local:            local,
		advertise:        advertise,
		broadcastTimeout: DefaultBroadcastTimeout,
	}
}

// Register mounts one POST route per RPC method under /rpc/v1.
func (s *Server) Register(r gin.IRouter) {
	v1 := r.Group("/rpc/v1")
	v1.POST("/"+wire.MethodGetHostedRooms, s.handleGetHostedRooms)
	v1.POST("/"+wire.MethodJoinRoom, s.handleJoinRoom)
	v1.POST("/"+wire.MethodLeaveRoom, s.handleLeaveRoom)
	v1.POST("/"+wire.MethodForwardMessage, s.handleForwardMessage)
	v1.POST("/"+wire.MethodReceiveMessageBroadcast, s.handleReceiveMessageBroadcast)
	v1.POST("/"+wire.MethodReceiveMemberEventBroadcast, s.handleReceiveMemberEventBroadcast)
	v1.POST("/"+wire.MethodNotifyMemberDisconnect, s.handleNotifyMemberDisconnect)
	v1.POST("/"+wire.MethodHeartbeat, s.handleHeartbeat)
	v1.POST("/"+wire.MethodPrepareDeleteRoom, s.handlePrepareDeleteRoom)
	v1.POST("/"+wire.MethodCommitDeleteRoom, s.handleCommitDeleteRoom)
	v1.POST("/"+wire.MethodRollbackDeleteRoom, s.handleRollbackDeleteRoom)
}

// bind decodes the request body, answering HTTP 400 for bodies that are
// not valid JSON for the method.
func (s *Server) bind(c *gin.Context, method string, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		metrics.RPCServerRequests.WithLabelValues(method, "bad_request").Inc()
		c.JSON(http.StatusBadRequest, wire.Fail(wire.CodeInvalidRequest, "Invalid request body"))
		return false
	}
	return true
}

func (s *Server) respond(c *gin.Context, method string, ok bool, body any) {
	status := "success"
	if !ok {
		status = "error"
	}
	metrics.RPCServerRequests.WithLabelValues(method, status).Inc()
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleGetHostedRooms(c *gin.Context) {
	var req wire.GetHostedRoomsRequest
	if !s.bind(c, wire.MethodGetHostedRooms, &req) {
		return
	}

	rooms := s.manager.ListRooms()
	for i := range rooms {
		rooms[i].NodeAddress = s.advertise
	}
	s.respond(c, wire.MethodGetHostedRooms, true, wire.GetHostedRoomsResponse{
		RPCStatus: wire.OK(),
		NodeID:    string(s.manager.NodeID()),
		Rooms:     rooms,
	})
}

func (s *Server) handleJoinRoom(c *gin.Context) {
	var req wire.JoinRoomRPCRequest
	if !s.bind(c, wire.MethodJoinRoom, &req) {
		return
	}
	if req.RoomID == "" || req.Username == "" {
		s.respond(c, wire.MethodJoinRoom, false, wire.JoinRoomRPCResponse{
			RPCStatus: wire.Fail(wire.CodeInvalidRequest, "Missing room_id or username"),
		})
		return
	}

	roomID := types.RoomID(req.RoomID)
	username := types.Username(req.Username)
	source := types.NodeID(req.SourceNodeID)

	room, err := s.manager.GetRoom(roomID)
	if err != nil {
		s.respond(c, wire.MethodJoinRoom, false, wire.JoinRoomRPCResponse{
			RPCStatus: wire.Fail(wire.CodeRoomNotFound, "Room not found"),
		})
		return
	}

	// Re-registration of an existing member refreshes their node
	// binding without a second member_joined.
	if s.manager.IsMember(roomID, username) {
		s.manager.AddMember(roomID, username, source)
		info, _ := s.manager.RoomInfo(roomID)
		s.respond(c, wire.MethodJoinRoom, true, wire.JoinRoomRPCResponse{
			RPCStatus: wire.OK(),
			Message:   "Already in room, re-registered",
			RoomInfo:  info,
			Messages:  s.manager.Messages(roomID),
		})
		return
	}

	if room.State != state.RoomStateActive {
		s.respond(c, wire.MethodJoinRoom, false, wire.JoinRoomRPCResponse{
			RPCStatus: wire.Fail(wire.CodeInvalidState, state.StateError(room.State, "join")),
		})
		return
	}

	added, err := s.manager.AddMember(roomID, username, source)
	if err != nil {
		s.respond(c, wire.MethodJoinRoom, false, wire.JoinRoomRPCResponse{
			RPCStatus: wire.Fail(wire.CodeRoomNotFound, "Room not found"),
		})
		return
	}
	if added {
		s.BroadcastMemberEvent(c.Request.Context(), roomID, wire.TypeMemberJoined, wire.MemberEventData{
			RoomID:      req.RoomID,
			Username:    req.Username,
			MemberCount: s.manager.MemberCount(roomID),
			Timestamp:   wire.Now(),
		})
	}

	info, _ := s.manager.RoomInfo(roomID)
	s.respond(c, wire.MethodJoinRoom, true, wire.JoinRoomRPCResponse{
		RPCStatus: wire.OK(),
		Message:   "Successfully joined room",
		RoomInfo:  info,
		Messages:  s.manager.Messages(roomID),
	})
}

func (s *Server) handleLeaveRoom(c *gin.Context) {
	var req wire.LeaveRoomRPCRequest
	if !s.bind(c, wire.MethodLeaveRoom, &req) {
		return
	}
	if req.RoomID == "" || req.Username == "" {
		s.respond(c, wire.MethodLeaveRoom, false, wire.LeaveRoomRPCResponse{
			RPCStatus: wire.Fail(wire.CodeInvalidRequest, "Missing room_id or username"),
		})
		return
	}

	roomID := types.RoomID(req.RoomID)
	if !s.manager.HasRoom(roomID) {
		s.respond(c, wire.MethodLeaveRoom, false, wire.LeaveRoomRPCResponse{
			RPCStatus: wire.Fail(wire.CodeRoomNotFound, "Room not found"),
		})
		return
	}
	if !s.manager.RemoveMember(roomID, types.Username(req.Username)) {
		s.respond(c, wire.MethodLeaveRoom, false, wire.LeaveRoomRPCResponse{
			RPCStatus: wire.Fail(wire.CodeNotInRoom, "Not in room"),
		})
		return
	}

	s.BroadcastMemberEvent(c.Request.Context(), roomID, wire.TypeMemberLeft, wire.MemberEventData{
		RoomID:      req.RoomID,
		Username:    req.Username,
		MemberCount: s.manager.MemberCount(roomID),
		Timestamp:   wire.Now(),
	})

	s.respond(c, wire.MethodLeaveRoom, true, wire.LeaveRoomRPCResponse{
		RPCStatus: wire.OK(),
		Message:   "Successfully left room",
	})
}

func (s *Server) handleForwardMessage(c *gin.Context) {
	var req wire.ForwardMessageRequest
	if !s.bind(c, wire.MethodForwardMessage, &req) {
		return
	}
	if req.RoomID == "" || req.Username == "" {
		s.respond(c, wire.MethodForwardMessage, false, wire.ForwardMessageResponse{
			RPCStatus: wire.Fail(wire.CodeInvalidRequest, "Missing room_id or username"),
		})
		return
	}
	if verr := wire.ValidateContent(req.Content); verr != nil {
		s.respond(c, wire.MethodForwardMessage, false, wire.ForwardMessageResponse{
			RPCStatus: wire.FailErr(verr),
		})
		return
	}

	roomID := types.RoomID(req.RoomID)
	msg, err := s.manager.AddMessage(roomID, types.Username(req.Username), req.Content)
	if err != nil {
		s.respond(c, wire.MethodForwardMessage, false, wire.ForwardMessageResponse{
			RPCStatus: s.messageRejection(roomID, err),
		})
		return
	}

	s.BroadcastMessage(c.Request.Context(), roomID, msg)

	s.respond(c, wire.MethodForwardMessage, true, wire.ForwardMessageResponse{
		RPCStatus:      wire.OK(),
		MessageID:      msg.MessageID,
		SequenceNumber: msg.SequenceNumber,
		Timestamp:      msg.Timestamp,
	})
}

// messageRejection maps a manager AddMessage failure onto the wire.
func (s *Server) messageRejection(roomID types.RoomID, err error) wire.RPCStatus {
	switch err {
	case state.ErrRoomNotFound:
		return wire.Fail(wire.CodeRoomNotFound, "Room not found")
	case state.ErrRoomNotActive:
		reason := "Room is not active"
		if room, gerr := s.manager.GetRoom(roomID); gerr == nil {
			reason = state.StateError(room.State, "send messages")
		}
		return wire.Fail(wire.CodeInvalidState, reason)
	case state.ErrNotMember:
		return wire.Fail(wire.CodeNotMember, "You are not a member of this room")
	default:
		return wire.Fail(wire.CodeInternalError, "Failed to add message")
	}
}

func (s *Server) handleReceiveMessageBroadcast(c *gin.Context) {
	var req wire.ReceiveMessageBroadcastRequest
	if !s.bind(c, wire.MethodReceiveMessageBroadcast, &req) {
		return
	}

	// Delivery only: broadcasts received from an administrator are
	// never forwarded again, so fan-out cannot amplify.
	s.deliverLocal(types.RoomID(req.RoomID), wire.TypeNewMessage, wire.NewMessageData{
		RoomID:  req.RoomID,
		Message: req.Message,
	})
	s.respond(c, wire.MethodReceiveMessageBroadcast, true, wire.ReceiveMessageBroadcastResponse{RPCStatus: wire.OK()})
}

func (s *Server) handleReceiveMemberEventBroadcast(c *gin.Context) {
	var req wire.ReceiveMemberEventBroadcastRequest
	if !s.bind(c, wire.MethodReceiveMemberEventBroadcast, &req) {
		return
	}
	if req.EventType != wire.TypeMemberJoined && req.EventType != wire.TypeMemberLeft {
		s.respond(c, wire.MethodReceiveMemberEventBroadcast, false, wire.ReceiveMemberEventBroadcastResponse{
			RPCStatus: wire.Fail(wire.CodeInvalidRequest, fmt.Sprintf("Unknown event type %q", req.EventType)),
		})
		return
	}

	s.deliverLocal(types.RoomID(req.RoomID), req.EventType, req.Event)
	s.respond(c, wire.MethodReceiveMemberEventBroadcast, true, wire.ReceiveMemberEventBroadcastResponse{RPCStatus: wire.OK()})
}

func (s *Server) handleNotifyMemberDisconnect(c *gin.Context) {
	var req wire.NotifyMemberDisconnectRequest
	if !s.bind(c, wire.MethodNotifyMemberDisconnect, &req) {
		return
	}

	roomID := types.RoomID(req.RoomID)
	if !s.manager.HasRoom(roomID) {
		s.respond(c, wire.MethodNotifyMemberDisconnect, false, wire.NotifyMemberDisconnectResponse{
			RPCStatus: wire.Fail(wire.CodeRoomNotFound, "Room not found"),
		})
		return
	}
	if !s.manager.RemoveMember(roomID, types.Username(req.Username)) {
		s.respond(c, wire.MethodNotifyMemberDisconnect, false, wire.NotifyMemberDisconnectResponse{
			RPCStatus: wire.Fail(wire.CodeNotInRoom, "Not in room"),
		})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "User disconnected"
	}
	metrics.MembersEvicted.WithLabelValues("disconnect").Inc()

	s.BroadcastMemberEvent(c.Request.Context(), roomID, wire.TypeMemberLeft, wire.MemberEventData{
		RoomID:      req.RoomID,
		Username:    req.Username,
		MemberCount: s.manager.MemberCount(roomID),
		Timestamp:   wire.Now(),
		Reason:      reason,
	})

	s.respond(c, wire.MethodNotifyMemberDisconnect, true, wire.NotifyMemberDisconnectResponse{RPCStatus: wire.OK()})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req wire.HeartbeatRequest
	if !s.bind(c, wire.MethodHeartbeat, &req) {
		return
	}

	s.respond(c, wire.MethodHeartbeat, true, wire.HeartbeatResponse{
		Status:    wire.HeartbeatStatusOK,
		NodeID:    string(s.manager.NodeID()),
		Timestamp: wire.Now(),
	})
}

func (s *Server) handlePrepareDeleteRoom(c *gin.Context) {
	var req wire.PrepareDeleteRoomRequest
	if !s.bind(c, wire.MethodPrepareDeleteRoom, &req) {
		return
	}

	resp := s.manager.PrepareForDeletion(
		types.RoomID(req.RoomID),
		types.TransactionID(req.TransactionID),
		types.NodeID(req.CoordinatorNode),
	)
	s.respond(c, wire.MethodPrepareDeleteRoom, resp.Vote == wire.VoteReady, resp)
}

func (s *Server) handleCommitDeleteRoom(c *gin.Context) {
	var req wire.CommitDeleteRoomRequest
	if !s.bind(c, wire.MethodCommitDeleteRoom, &req) {
		return
	}

	roomID := types.RoomID(req.RoomID)
	roomName := req.RoomID
	if room, err := s.manager.GetRoom(roomID); err == nil {
		roomName = room.Name
	}

	if s.manager.CommitDeletion(roomID, types.TransactionID(req.TransactionID)) {
		s.deliverLocal(roomID, wire.TypeRoomDeleted, wire.RoomDeletedData{
			RoomID:        req.RoomID,
			RoomName:      roomName,
			Message:       fmt.Sprintf("Room '%s' has been deleted", roomName),
			TransactionID: req.TransactionID,
		})
		s.local.ClearRoomSubscriptions(roomID)
	}

	// A commit for an already-deleted room acknowledges success so the
	// coordinator can treat retries and races uniformly.
	s.respond(c, wire.MethodCommitDeleteRoom, true, wire.CommitDeleteRoomResponse{
		RPCStatus:     wire.OK(),
		NodeID:        string(s.manager.NodeID()),
		TransactionID: req.TransactionID,
	})
}

func (s *Server) handleRollbackDeleteRoom(c *gin.Context) {
	var req wire.RollbackDeleteRoomRequest
	if !s.bind(c, wire.MethodRollbackDeleteRoom, &req) {
		return
	}

	roomID := types.RoomID(req.RoomID)
	s.manager.RollbackDeletionParticipant(roomID, types.TransactionID(req.TransactionID))

	s.deliverLocal(roomID, wire.TypeDeleteRoomCancelled, wire.DeleteRoomCancelledData{
		RoomID:        req.RoomID,
		TransactionID: req.TransactionID,
		Message:       "Room deletion was cancelled",
	})

	s.respond(c, wire.MethodRollbackDeleteRoom, true, wire.RollbackDeleteRoomResponse{
		RPCStatus:     wire.OK(),
		NodeID:        string(s.manager.NodeID()),
		TransactionID: req.TransactionID,
	})
}

// deliverLocal pushes one frame to this node's subscribed sessions.
func (s *Server) deliverLocal(roomID types.RoomID, frameType string, data any) {
	frame, err := wire.EncodeFrame(frameType, data)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode broadcast frame",
			zap.String("frameType", frameType),
			zap.Error(err))
		metrics.BroadcastFanout.WithLabelValues("local", "error").Inc()
		return
	}
	s.local.BroadcastToRoom(roomID, frame)
	metrics.BroadcastFanout.WithLabelValues("local", "success").Inc()
}

// BroadcastMessage delivers a sequenced message to local subscribers
// and pushes it to every peer in parallel. Peer failures are logged and
// never fail the originating operation.
func (s *Server) BroadcastMessage(ctx context.Context, roomID types.RoomID, msg wire.Message) {
	s.deliverLocal(roomID, wire.TypeNewMessage, wire.NewMessageData{RoomID: string(roomID), Message: msg})

	req := wire.ReceiveMessageBroadcastRequest{RoomID: string(roomID), Message: msg}
	outcomes := peers.FanOut(ctx, s.registry.List(), s.broadcastTimeout, func(ctx context.Context, node types.NodeID) (struct{}, error) {
		return struct{}{}, s.caller.ReceiveMessageBroadcast(ctx, node, req)
	})
	s.recordPeerFanout(ctx, "message", roomID, outcomes)
}

// BroadcastMemberEvent delivers a member_joined or member_left event to
// local subscribers and every peer.
func (s *Server) BroadcastMemberEvent(ctx context.Context, roomID types.RoomID, eventType string, event wire.MemberEventData) {
	s.deliverLocal(roomID, eventType, event)
	s.NotifyPeersMemberEvent(ctx, s.registry.List(), roomID, eventType, event)
}

// NotifyPeersMemberEvent pushes a member event to an explicit peer set,
// leaving local delivery to the caller.
func (s *Server) NotifyPeersMemberEvent(ctx context.Context, targets []types.NodeID, roomID types.RoomID, eventType string, event wire.MemberEventData) {
	req := wire.ReceiveMemberEventBroadcastRequest{RoomID: string(roomID), EventType: eventType, Event: event}
	outcomes := peers.FanOut(ctx, targets, s.broadcastTimeout, func(ctx context.Context, node types.NodeID) (struct{}, error) {
		return struct{}{}, s.caller.ReceiveMemberEventBroadcast(ctx, node, req)
	})
	s.recordPeerFanout(ctx, eventType, roomID, outcomes)
}

func (s *Server) recordPeerFanout(ctx context.Context, kind string, roomID types.RoomID, outcomes map[types.NodeID]peers.Outcome[struct{}]) {
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
