// Package transport serves the client-facing WebSocket endpoint. The
// Hub tracks sessions and their per-room subscriptions, dispatches
// decoded client frames to the room runtime, and fans finalized
// broadcasts out to local subscribers and peer nodes. It is the
// Broadcaster the RPC endpoint, the deletion coordinator, and the
// failure detector deliver through.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/deletion"
	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/metrics"
	"github.com/meshchat/meshchat/internal/v1/peers"
	"github.com/meshchat/meshchat/internal/v1/ratelimit"
	"github.com/meshchat/meshchat/internal/v1/state"
	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// broadcastTimeout is the aggregate deadline for pushing one broadcast
// to every peer.
const broadcastTimeout = 5 * time.Second

// subscription records one session's membership binding in a room: the
// username the client joined under and the node that administers the
// room. AdminNode lets teardown and message forwarding reach the owner
// without re-running discovery.
type subscription struct {
	username  types.Username
	adminNode types.NodeID
}

// Hub owns every client session on this node. It keeps two indexes,
// room to subscribed sessions and session to joined rooms, so room
// broadcasts and session teardown are both single lookups.
type Hub struct {
	manager     *state.Manager
	registry    *peers.Registry
	caller      types.PeerCaller
	coordinator *deletion.Coordinator
	rateLimiter *ratelimit.RateLimiter

	allowedOrigins  []string
	discoverTimeout time.Duration

	mu           sync.RWMutex
	sessions     map[*Session]struct{}
	roomSessions map[types.RoomID]map[*Session]struct{}
	sessionRooms map[*Session]map[types.RoomID]subscription
}

// NewHub creates a Hub wired to the room runtime. The Hub constructs
// its own deletion coordinator with itself as the local broadcaster.
// rateLimiter may be nil to disable connection rate limiting.
func NewHub(manager *state.Manager, registry *peers.Registry, caller types.PeerCaller, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	h := &Hub{
		manager:         manager,
		registry:        registry,
		caller:          caller,
		rateLimiter:     rateLimiter,
		allowedOrigins:  allowedOrigins,
		discoverTimeout: peers.DefaultDiscoverTimeout,
		sessions:        make(map[*Session]struct{}),
		roomSessions:    make(map[types.RoomID]map[*Session]struct{}),
		sessionRooms:    make(map[*Session]map[types.RoomID]subscription),
	}
	h.coordinator = deletion.NewCoordinator(manager, registry, caller, h)
	return h
}

// ServeWs upgrades an HTTP request to a WebSocket session.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(conn)
}

// HandleConnection takes an established WebSocket connection, registers
// a session for it, and starts the message pumps.
func (h *Hub) HandleConnection(conn wsConnection) {
	s := newSession(h, conn)

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	metrics.ActiveWebSocketConnections.Inc()
	logging.Info(context.Background(), "Client connected", zap.String("sessionId", s.id))

	go s.writePump()
	go s.readPump()
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// subscribe binds a session to a room under the joining username.
func (h *Hub) subscribe(s *Session, roomID types.RoomID, username types.Username, adminNode types.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.roomSessions[roomID] == nil {
		h.roomSessions[roomID] = make(map[*Session]struct{})
	}
	h.roomSessions[roomID][s] = struct{}{}

	if h.sessionRooms[s] == nil {
		h.sessionRooms[s] = make(map[types.RoomID]subscription)
	}
	h.sessionRooms[s][roomID] = subscription{username: username, adminNode: adminNode}
}

// unsubscribe drops one session's subscription to a room and returns
// the binding it held, if any.
func (h *Hub) unsubscribe(s *Session, roomID types.RoomID) (subscription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribeLocked(s, roomID)
}

func (h *Hub) unsubscribeLocked(s *Session, roomID types.RoomID) (subscription, bool) {
	if set, ok := h.roomSessions[roomID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.roomSessions, roomID)
		}
	}

	rooms, ok := h.sessionRooms[s]
	if !ok {
		return subscription{}, false
	}
	sub, ok := rooms[roomID]
	if !ok {
		return subscription{}, false
	}
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(h.sessionRooms, s)
	}
	return sub, true
}

// isSubscribed reports whether the session joined the room through this
// node. send_message consults this, not room membership; a username in
// the member set does not entitle an unjoined session to post.
func (h *Hub) isSubscribed(s *Session, roomID types.RoomID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessionRooms[s][roomID]
	return ok
}

// subscriptionFor returns the session's binding in a room, if any.
func (h *Hub) subscriptionFor(s *Session, roomID types.RoomID) (subscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.sessionRooms[s][roomID]
	return sub, ok
}

// BroadcastToRoom sends an encoded frame to every local session
// subscribed to the room. It satisfies types.Broadcaster.
func (h *Hub) BroadcastToRoom(roomID types.RoomID, frame []byte) {
	h.broadcastToRoomExcept(roomID, frame, nil)
}

func (h *Hub) broadcastToRoomExcept(roomID types.RoomID, frame []byte, exclude *Session) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.roomSessions[roomID] {
		if s == exclude {
			continue
		}
		s.sendRaw(frame)
	}
}

// ClearRoomSubscriptions drops every local subscription to a room.
// Called after a room is deleted so sessions stop receiving frames for
// a room that no longer exists. It satisfies types.Broadcaster.
func (h *Hub) ClearRoomSubscriptions(roomID types.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.roomSessions[roomID] {
		if rooms, ok := h.sessionRooms[s]; ok {
			delete(rooms, roomID)
			if len(rooms) == 0 {
				delete(h.sessionRooms, s)
			}
		}
	}
	delete(h.roomSessions, roomID)
}

// handleDisconnect tears down a session: it drops every subscription
// and tells each room's administrator that the member's session is
// gone. Local rooms are updated directly; remote rooms get a
// notify_member_disconnect call. Errors are logged and never stop the
// loop, so one unreachable owner cannot leak the rest of the cleanup.
func (h *Hub) handleDisconnect(s *Session) {
	s.Disconnect()

	h.mu.Lock()
	joined := h.sessionRooms[s]
	delete(h.sessionRooms, s)
	for roomID := range joined {
		if set, ok := h.roomSessions[roomID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.roomSessions, roomID)
			}
		}
	}
	delete(h.sessions, s)
	h.mu.Unlock()

	ctx := context.Background()
	for roomID, sub := range joined {
		h.notifyDisconnect(ctx, s, roomID, sub)
	}

	logging.Info(ctx, "Client disconnected",
		zap.String("sessionId", s.id),
		zap.Int("roomsLeft", len(joined)))
}

// notifyDisconnect evicts one lost membership with reason
// "User disconnected".
func (h *Hub) notifyDisconnect(ctx context.Context, s *Session, roomID types.RoomID, sub subscription) {
	if sub.adminNode == h.manager.NodeID() {
		if !h.manager.RemoveMember(roomID, sub.username) {
			return
		}
		metrics.MembersEvicted.WithLabelValues("disconnect").Inc()
		h.broadcastMemberEventExcept(ctx, roomID, wire.TypeMemberLeft, wire.MemberEventData{
			RoomID:      string(roomID),
			Username:    string(sub.username),
			MemberCount: h.manager.MemberCount(roomID),
			Timestamp:   wire.Now(),
			Reason:      "User disconnected",
		}, s)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	err := h.caller.NotifyMemberDisconnect(callCtx, sub.adminNode, wire.NotifyMemberDisconnectRequest{
		RoomID:       string(roomID),
		Username:     string(sub.username),
		SourceNodeID: string(h.manager.NodeID()),
		Reason:       "User disconnected",
	})
	if err != nil {
		logging.Warn(ctx, "Failed to notify administrator of disconnect",
			zap.String("roomId", string(roomID)),
			zap.String("username", string(sub.username)),
			zap.String("nodeId", string(sub.adminNode)),
			zap.Error(err))
	}
}

// Shutdown disconnects every session. Each session's read pump then
// runs its normal teardown, so owners still learn about the lost
// members.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all client sessions")

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Disconnect()
	}

	logging.Info(ctx, "All sessions closed", zap.Int("count", len(sessions)))
	return nil
}
