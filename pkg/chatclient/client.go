// Package chatclient is the Go client library for a chat node. It
// dials the node's websocket endpoint, runs a background read loop,
// keeps a per-room ordering buffer so messages surface in sequence
// order no matter how the fan-out delivered them, and reports
// everything the node pushes through application callbacks.
//
// Requests are fire-and-forget: each method writes one frame and
// returns, and the node's reply arrives through the matching handler.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by request methods before Connect or
// after the connection is gone.
var ErrNotConnected = errors.New("not connected to a node server")

// ErrAlreadyConnected is returned by Connect when a connection is
// already up.
var ErrAlreadyConnected = errors.New("already connected to a node server")

// Handlers holds the application callbacks. Every field is optional; a
// nil handler drops its event. Handlers run one at a time on the
// connection's read goroutine, so a slow handler delays all frames
// behind it.
type Handlers struct {
	// OnMessageReady delivers messages in sequence order, one call per
	// message, once the ordering buffer has a gap-free run.
	OnMessageReady func(roomID string, msg Message)

	// OnOrderingGap fires when a gap opens in a room's sequence: the
	// buffer is holding messages it cannot deliver yet. It fires once
	// per gap, not once per buffered message, and re-arms after the
	// gap closes. The missing sequence numbers are passed for
	// recovery or display.
	OnOrderingGap func(roomID string, missing []int64)

	// OnDuplicateMessage fires when the node delivers a message the
	// buffer has already seen.
	OnDuplicateMessage func(roomID, messageID string)

	OnMemberJoined func(event MemberEvent)
	OnMemberLeft   func(event MemberEvent)

	OnRoomCreated     func(room RoomCreated)
	OnRoomsList       func(list RoomsList)
	OnGlobalRoomsList func(list GlobalRoomsList)

	// OnJoinSuccess receives the room snapshot. Buffered history is
	// replayed as ordinary new_message frames right after it, so
	// OnMessageReady calls follow immediately.
	OnJoinSuccess func(info RoomInfo)
	OnJoinError   func(failure RoomError)

	OnLeaveSuccess func(left RoomLeft)
	OnLeaveError   func(failure RoomError)

	OnMessageSent  func(confirmation MessageSent)
	OnMessageError func(failure RoomError)

	OnDeleteInitiated func(event DeleteRoomInitiated)
	OnDeleteSuccess   func(result DeleteRoomSuccess)
	OnDeleteFailed    func(result DeleteRoomFailed)
	OnDeleteCancelled func(event DeleteRoomCancelled)

	// OnRoomDeleted fires for members of a deleted room. The room's
	// ordering buffer is discarded before the callback runs.
	OnRoomDeleted func(event RoomDeleted)

	// OnError receives the generic error frame the node sends for
	// requests it rejected before reaching a typed handler.
	OnError func(failure ServerError)

	// OnDisconnect fires when the connection drops for any reason
	// other than Close being called.
	OnDisconnect func(err error)
}

// Config tunes the client. Zero values use the defaults.
type Config struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	Handlers Handlers
}

// roomState pairs a room's ordering buffer with the gap latch that
// keeps OnOrderingGap edge-triggered.
type roomState struct {
	buffer  *MessageBuffer
	gapOpen bool
}

// Client talks to one chat node over its websocket endpoint.
type Client struct {
	url      string
	dialer   *websocket.Dialer
	logger   *zap.Logger
	handlers Handlers

	// writeMu serializes data writes; the websocket allows only one
	// concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	rooms      map[string]*roomState
	readerDone chan struct{}
}

// New builds a client for the node at nodeURL, for example
// "ws://localhost:8080/ws". The client is inert until Connect.
func New(nodeURL string, cfg Config) *Client {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:      nodeURL,
		dialer:   dialer,
		logger:   logger,
		handlers: cfg.Handlers,
		rooms:    make(map[string]*roomState),
	}
}

// Connect dials the node and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.closed = false
	done := make(chan struct{})
	c.readerDone = done
	c.mu.Unlock()

	go c.readLoop(conn, done)

	c.logger.Info("Connected to node", zap.String("url", c.url))
	return nil
}

// Close tears the connection down and waits for the read loop to
// stop. It is safe to call more than once; OnDisconnect does not fire
// for a deliberate Close.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.readerDone
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if conn == nil || alreadyClosed {
		return nil
	}

	// Best-effort close handshake; control frames may be written
	// concurrently with the read loop.
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	err := conn.Close()
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	c.logger.Info("Disconnected from node", zap.String("url", c.url))
	return err
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// ListRooms asks the node for its own rooms; the answer arrives via
// OnRoomsList.
func (c *Client) ListRooms() error {
	return c.send(typeListRooms, nil)
}

// DiscoverRooms asks the node for the fleet-wide room listing; the
// answer arrives via OnGlobalRoomsList.
func (c *Client) DiscoverRooms() error {
	return c.send(typeDiscoverRooms, nil)
}

// CreateRoom asks the node to create and administer a room; the answer
// arrives via OnRoomCreated, or via OnError when rejected.
func (c *Client) CreateRoom(roomName, creatorID, description string) error {
	return c.send(typeCreateRoom, createRoomRequest{
		RoomName:    roomName,
		CreatorID:   creatorID,
		Description: description,
	})
}

// JoinRoom subscribes to a room, wherever it is administered; the
// answer arrives via OnJoinSuccess or OnJoinError.
func (c *Client) JoinRoom(roomID, username string) error {
	return c.send(typeJoinRoom, roomUserRequest{RoomID: roomID, Username: username})
}

// LeaveRoom gives up a room membership; the answer arrives via
// OnLeaveSuccess or OnLeaveError.
func (c *Client) LeaveRoom(roomID, username string) error {
	return c.send(typeLeaveRoom, roomUserRequest{RoomID: roomID, Username: username})
}

// SendMessage submits content for sequencing by the room's
// administrator node. The confirmation arrives via OnMessageSent, a
// rejection via OnMessageError, and the message itself via
// OnMessageReady like everyone else's.
func (c *Client) SendMessage(roomID, username, content string) error {
	return c.send(typeSendMessage, sendMessageRequest{
		RoomID:   roomID,
		Username: username,
		Content:  content,
	})
}

// DeleteRoom initiates distributed deletion of a room. Only the
// recorded creator may initiate; the outcome arrives via
// OnDeleteInitiated and then OnDeleteSuccess or OnDeleteFailed.
func (c *Client) DeleteRoom(roomID, username string) error {
	return c.send(typeDeleteRoom, roomUserRequest{RoomID: roomID, Username: username})
}

// Buffer returns the ordering buffer for a room, or nil when none
// exists. Useful for join-time alignment via SetLastDisplayedSeq and
// for inspecting missing sequences.
func (c *Client) Buffer(roomID string) *MessageBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	return room.buffer
}

// BufferedCount returns how many messages are waiting in a room's
// ordering buffer.
func (c *Client) BufferedCount(roomID string) int {
	buf := c.Buffer(roomID)
	if buf == nil {
		return 0
	}
	return buf.BufferedCount()
}

func (c *Client) send(frameType string, data any) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}

	frame, err := encodeFrame(frameType, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", frameType, err)
	}
	return nil
}

func encodeFrame(frameType string, data any) ([]byte, error) {
	env := envelope{Type: frameType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", frameType, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			deliberate := c.closed
			c.closed = true
			c.mu.Unlock()

			if !deliberate {
				c.logger.Warn("Connection closed by node", zap.Error(err))
				if c.handlers.OnDisconnect != nil {
					c.handlers.OnDisconnect(err)
				}
			}
			return
		}
		c.dispatch(raw)
	}
}

// dispatch decodes one frame from the node and routes it to its
// handler. Malformed frames are logged and skipped; the loop never
// dies on bad input.
func (c *Client) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		c.logger.Warn("Received malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case typeNewMessage:
		var delivered NewMessage
		if c.decode(env, &delivered) {
			c.handleNewMessage(delivered)
		}
	case typeRoomsList:
		var list RoomsList
		if c.decode(env, &list) && c.handlers.OnRoomsList != nil {
			c.handlers.OnRoomsList(list)
		}
	case typeGlobalRoomsList:
		var list GlobalRoomsList
		if c.decode(env, &list) && c.handlers.OnGlobalRoomsList != nil {
			c.handlers.OnGlobalRoomsList(list)
		}
	case typeRoomCreated:
		var room RoomCreated
		if c.decode(env, &room) && c.handlers.OnRoomCreated != nil {
			c.handlers.OnRoomCreated(room)
		}
	case typeJoinRoomSuccess:
		var info RoomInfo
		if !c.decode(env, &info) {
			return
		}
		// The catch-up replay follows on this same connection; have
		// the room's buffer ready before it lands.
		c.ensureRoom(info.RoomID)
		if c.handlers.OnJoinSuccess != nil {
			c.handlers.OnJoinSuccess(info)
		}
	case typeJoinRoomError:
		var failure RoomError
		if c.decode(env, &failure) && c.handlers.OnJoinError != nil {
			c.handlers.OnJoinError(failure)
		}
	case typeLeaveRoomSuccess:
		var left RoomLeft
		if !c.decode(env, &left) {
			return
		}
		c.dropRoom(left.RoomID)
		if c.handlers.OnLeaveSuccess != nil {
			c.handlers.OnLeaveSuccess(left)
		}
	case typeLeaveRoomError:
		var failure RoomError
		if c.decode(env, &failure) && c.handlers.OnLeaveError != nil {
			c.handlers.OnLeaveError(failure)
		}
	case typeMemberJoined:
		var event MemberEvent
		if c.decode(env, &event) && c.handlers.OnMemberJoined != nil {
			c.handlers.OnMemberJoined(event)
		}
	case typeMemberLeft:
		var event MemberEvent
		if c.decode(env, &event) && c.handlers.OnMemberLeft != nil {
			c.handlers.OnMemberLeft(event)
		}
	case typeMessageSent:
		var confirmation MessageSent
		if c.decode(env, &confirmation) && c.handlers.OnMessageSent != nil {
			c.handlers.OnMessageSent(confirmation)
		}
	case typeMessageError:
		var failure RoomError
		if c.decode(env, &failure) && c.handlers.OnMessageError != nil {
			c.handlers.OnMessageError(failure)
		}
	case typeDeleteRoomInitiated:
		var event DeleteRoomInitiated
		if !c.decode(env, &event) {
			return
		}
		c.logger.Info("Room deletion initiated", zap.String("roomId", event.RoomID))
		if c.handlers.OnDeleteInitiated != nil {
			c.handlers.OnDeleteInitiated(event)
		}
	case typeDeleteRoomSuccess:
		var result DeleteRoomSuccess
		if !c.decode(env, &result) {
			return
		}
		c.logger.Info("Room deletion succeeded", zap.String("roomId", result.RoomID))
		if c.handlers.OnDeleteSuccess != nil {
			c.handlers.OnDeleteSuccess(result)
		}
	case typeDeleteRoomFailed:
		var result DeleteRoomFailed
		if !c.decode(env, &result) {
			return
		}
		c.logger.Error("Room deletion failed",
			zap.String("roomId", result.RoomID),
			zap.String("reason", result.Reason))
		if c.handlers.OnDeleteFailed != nil {
			c.handlers.OnDeleteFailed(result)
		}
	case typeDeleteRoomCancelled:
		var event DeleteRoomCancelled
		if c.decode(env, &event) && c.handlers.OnDeleteCancelled != nil {
			c.handlers.OnDeleteCancelled(event)
		}
	case typeRoomDeleted:
		var event RoomDeleted
		if !c.decode(env, &event) {
			return
		}
		c.logger.Info("Room deleted",
			zap.String("roomId", event.RoomID),
			zap.String("roomName", event.RoomName))
		c.dropRoom(event.RoomID)
		if c.handlers.OnRoomDeleted != nil {
			c.handlers.OnRoomDeleted(event)
		}
	case typeError:
		var failure ServerError
		if c.decode(env, &failure) && c.handlers.OnError != nil {
			c.handlers.OnError(failure)
		}
	default:
		c.logger.Debug("Unhandled frame type", zap.String("type", env.Type))
	}
}

func (c *Client) decode(env envelope, dst any) bool {
	if len(env.Data) == 0 {
		c.logger.Warn("Frame missing data", zap.String("type", env.Type))
		return false
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		c.logger.Warn("Failed to decode frame",
			zap.String("type", env.Type), zap.Error(err))
		return false
	}
	return true
}

// handleNewMessage runs one delivery through the room's ordering
// buffer: duplicates are reported, a gap-free run is handed to
// OnMessageReady in order, and a newly opened gap fires OnOrderingGap.
func (c *Client) handleNewMessage(delivered NewMessage) {
	if delivered.RoomID == "" {
		c.logger.Warn("new_message without room_id, dropped",
			zap.String("messageId", delivered.MessageID))
		return
	}

	room := c.ensureRoom(delivered.RoomID)
	if !room.buffer.Add(delivered.Message) {
		if c.handlers.OnDuplicateMessage != nil {
			c.handlers.OnDuplicateMessage(delivered.RoomID, delivered.MessageID)
		}
		return
	}

	for _, msg := range room.buffer.GetNewMessages() {
		if c.handlers.OnMessageReady != nil {
			c.handlers.OnMessageReady(delivered.RoomID, msg)
		}
	}

	c.updateGapState(delivered.RoomID, room)
}

// updateGapState fires OnOrderingGap on the no-gap to gap transition
// and re-arms the latch once the gap closes.
func (c *Client) updateGapState(roomID string, room *roomState) {
	hasGap := room.buffer.HasGap()

	c.mu.Lock()
	fire := hasGap && !room.gapOpen
	room.gapOpen = hasGap
	c.mu.Unlock()

	if !fire {
		return
	}
	missing := room.buffer.GetMissingSequences()
	c.logger.Warn("Ordering gap detected",
		zap.String("roomId", roomID),
		zap.Int64s("missingSequences", missing))
	if c.handlers.OnOrderingGap != nil {
		c.handlers.OnOrderingGap(roomID, missing)
	}
}

func (c *Client) ensureRoom(roomID string) *roomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		room = &roomState{buffer: NewMessageBuffer(c.logger)}
		c.rooms[roomID] = room
	}
	return room
}

func (c *Client) dropRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room, ok := c.rooms[roomID]; ok {
		room.buffer.Clear()
		delete(c.rooms, roomID)
	}
}
