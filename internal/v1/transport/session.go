package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/metrics"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// writeWait bounds how long a single frame write may take before the
// connection is considered dead.
const writeWait = 10 * time.Second

// sendBufferSize is the per-session outbound frame buffer. A session
// that falls this far behind has frames dropped rather than stalling
// room fan-out.
const sendBufferSize = 256

// Session is one client's WebSocket connection to this node. A session
// carries no identity of its own; usernames are bound per room when the
// client joins. Room subscriptions live in the Hub's indexes, keyed by
// the session pointer.
type Session struct {
	id   string
	hub  *Hub
	conn wsConnection

	mu     sync.RWMutex // Protects closed
	closed bool

	send chan []byte // Buffered channel of encoded outbound frames
}

func newSession(hub *Hub, conn wsConnection) *Session {
	return &Session{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// Disconnect marks the session closed and closes the send channel,
// which makes the writePump drain its buffer, send a close frame, and
// close the underlying connection. Safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.send)
}

// readPump reads client frames and hands them to the hub's dispatcher
// until the connection fails or closes. Teardown notifies the owning
// nodes of every room this session had joined.
func (s *Session) readPump() {
	defer func() {
		s.hub.handleDisconnect(s)
		s.conn.Close()
		metrics.ActiveWebSocketConnections.Dec()
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.hub.dispatch(context.Background(), s, data)
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()

	for message := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing frame",
				zap.String("sessionId", s.id),
				zap.Error(err))
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// sendRaw queues a pre-encoded frame for delivery. Frames to a closed
// or saturated session are dropped; broadcast paths must never block on
// one slow client.
func (s *Session) sendRaw(frame []byte) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	// The closed check and the channel send race with Disconnect; the
	// recover turns a send on the just-closed channel into a drop.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closing session",
				zap.String("sessionId", s.id),
				zap.Any("panic", r))
		}
	}()

	select {
	case s.send <- frame:
	default:
		logging.Warn(context.Background(), "Session send channel full - dropping frame",
			zap.String("sessionId", s.id))
	}
}

// sendFrame encodes a typed frame and queues it for this session. It
// has the shape the deletion coordinator expects for initiator replies.
func (s *Session) sendFrame(frameType string, data any) {
	frame, err := wire.EncodeFrame(frameType, data)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode frame",
			zap.String("frameType", frameType),
			zap.String("sessionId", s.id),
			zap.Error(err))
		return
	}
	s.sendRaw(frame)
}
