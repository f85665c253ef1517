package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshchat/meshchat/internal/v1/wire"
)

// nextWritten pops the next frame the session wrote to its connection.
func nextWritten(t *testing.T, conn *mockConn) writtenFrame {
	t.Helper()
	select {
	case w := <-conn.writes:
		return w
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for written frame")
		return writtenFrame{}
	}
}

func TestSession_PumpsRoundTrip(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := newMockConn()
	f.hub.HandleConnection(conn)

	conn.queueFrame(wire.MustEncodeFrame(wire.TypeListRooms, nil))

	w := nextWritten(t, conn)
	require.Equal(t, websocket.TextMessage, w.messageType)
	var env wire.Envelope
	require.NoError(t, json.Unmarshal(w.data, &env))
	assert.Equal(t, wire.TypeRoomsList, env.Type)

	conn.Close()
	require.Eventually(t, func() bool { return f.sessionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSession_IgnoresNonTextFrames(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := newMockConn()
	f.hub.HandleConnection(conn)

	conn.queueBinaryFrame([]byte("binary junk"))
	conn.queueFrame(wire.MustEncodeFrame(wire.TypeListRooms, nil))

	// The binary frame is skipped without a reply; the next text frame
	// is handled normally.
	w := nextWritten(t, conn)
	var env wire.Envelope
	require.NoError(t, json.Unmarshal(w.data, &env))
	assert.Equal(t, wire.TypeRoomsList, env.Type)

	conn.Close()
	require.Eventually(t, func() bool { return f.sessionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	f := newHubFixture(t, nil)
	s := f.newTestSession()

	s.Disconnect()
	assert.NotPanics(t, func() { s.Disconnect() })
}

func TestSession_SendAfterDisconnectIsDropped(t *testing.T) {
	f := newHubFixture(t, nil)
	s := f.newTestSession()
	s.Disconnect()

	assert.NotPanics(t, func() {
		s.sendRaw([]byte(`{"type":"new_message"}`))
		s.sendFrame(wire.TypeError, wire.ErrorData{Error: "x", ErrorCode: wire.CodeInternalError})
	})
}

func TestSession_SendDropsWhenBufferFull(t *testing.T) {
	f := newHubFixture(t, nil)
	s := f.newTestSession()

	frame := []byte(`{"type":"new_message"}`)
	for i := 0; i < sendBufferSize; i++ {
		s.sendRaw(frame)
	}

	done := make(chan struct{})
	go func() {
		s.sendRaw(frame) // Must drop, not block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sendRaw blocked on a full buffer")
	}
	assert.Equal(t, sendBufferSize, len(s.send))
}

func TestSession_WritePumpDrainsThenSendsCloseFrame(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := newMockConn()
	s := newSession(f.hub, conn)

	done := make(chan struct{})
	go func() {
		s.writePump()
		close(done)
	}()

	s.sendRaw([]byte(`{"type":"rooms_list"}`))
	s.Disconnect()

	w := nextWritten(t, conn)
	assert.Equal(t, websocket.TextMessage, w.messageType)
	w = nextWritten(t, conn)
	assert.Equal(t, websocket.CloseMessage, w.messageType)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writePump did not exit after Disconnect")
	}
}

func TestSession_WritePumpStopsOnWriteError(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := newMockConn()
	s := newSession(f.hub, conn)
	conn.Close() // Every write now fails

	done := make(chan struct{})
	go func() {
		s.writePump()
		close(done)
	}()

	s.sendRaw([]byte(`{"type":"rooms_list"}`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writePump did not exit on write error")
	}
}
