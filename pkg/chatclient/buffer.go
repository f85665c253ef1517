package chatclient

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultMaxPending bounds how many out-of-order messages a buffer
	// holds while waiting for a gap to fill.
	DefaultMaxPending = 1000

	// DefaultMaxDisplayedIDs bounds how many delivered message ids are
	// remembered for deduplication.
	DefaultMaxDisplayedIDs = 5000
)

// MessageBuffer reorders one room's messages by sequence number. The
// administrator node assigns sequence numbers 1, 2, ... gap-free, but
// the fan-out may deliver them in any order; the buffer admits each
// arrival into a sorted pending slice and releases the longest run
// that continues from the last delivered sequence.
//
// Duplicates are rejected twice over: by message id, covering both
// pending and already delivered messages, and by sequence number
// against the pending slice and the delivery cursor. Both dedup
// structures are capped so a long-lived client cannot grow without
// bound.
//
// All methods are safe for concurrent use.
type MessageBuffer struct {
	mu               sync.Mutex
	pending          []Message
	lastDisplayedSeq int64
	maxPending       int
	maxDisplayedIDs  int
	seenIDs          map[string]struct{}
	displayedIDs     map[string]struct{}
	displayedOrder   []string
	logger           *zap.Logger
}

// NewMessageBuffer builds an empty buffer with the default caps.
// A nil logger disables logging.
func NewMessageBuffer(logger *zap.Logger) *MessageBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageBuffer{
		maxPending:      DefaultMaxPending,
		maxDisplayedIDs: DefaultMaxDisplayedIDs,
		seenIDs:         make(map[string]struct{}),
		displayedIDs:    make(map[string]struct{}),
		logger:          logger,
	}
}

// Add admits one message into the buffer. It reports false when the
// message is rejected: non-positive sequence number, message id
// already pending or already delivered, sequence number at or below
// the delivery cursor, or sequence number colliding with a pending
// entry.
func (b *MessageBuffer) Add(msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.SequenceNumber < 1 {
		b.logger.Warn("Invalid sequence number, message dropped",
			zap.Int64("sequenceNumber", msg.SequenceNumber),
			zap.String("messageId", msg.MessageID))
		return false
	}

	if msg.MessageID != "" {
		if _, ok := b.seenIDs[msg.MessageID]; ok {
			b.logger.Debug("Duplicate message ignored", zap.String("messageId", msg.MessageID))
			return false
		}
		if _, ok := b.displayedIDs[msg.MessageID]; ok {
			b.logger.Debug("Duplicate message ignored", zap.String("messageId", msg.MessageID))
			return false
		}
	}

	if msg.SequenceNumber <= b.lastDisplayedSeq {
		b.logger.Debug("Stale sequence number ignored",
			zap.Int64("sequenceNumber", msg.SequenceNumber))
		return false
	}

	pos := sort.Search(len(b.pending), func(i int) bool {
		return b.pending[i].SequenceNumber >= msg.SequenceNumber
	})
	if pos < len(b.pending) && b.pending[pos].SequenceNumber == msg.SequenceNumber {
		b.logger.Debug("Duplicate sequence number ignored",
			zap.Int64("sequenceNumber", msg.SequenceNumber))
		return false
	}

	b.pending = append(b.pending, Message{})
	copy(b.pending[pos+1:], b.pending[pos:])
	b.pending[pos] = msg

	if msg.MessageID != "" {
		b.seenIDs[msg.MessageID] = struct{}{}
	}

	b.enforcePendingCap()
	return true
}

// GetNewMessages drains and returns the run of messages that continues
// gap-free from the last delivered sequence, advancing the delivery
// cursor past them. It returns nil while the head of the buffer is
// still ahead of the cursor.
func (b *MessageBuffer) GetNewMessages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ready []Message
	consumed := 0
	expected := b.lastDisplayedSeq + 1
	for _, msg := range b.pending {
		if msg.SequenceNumber > expected {
			break
		}
		consumed++
		if msg.SequenceNumber == expected {
			ready = append(ready, msg)
			expected++
			continue
		}
		// Below the cursor, possible after a skip-ahead via
		// SetLastDisplayedSeq. Dropped along with its dedup entry.
		delete(b.seenIDs, msg.MessageID)
	}

	if consumed > 0 {
		b.pending = b.pending[:copy(b.pending, b.pending[consumed:])]
	}
	if len(ready) == 0 {
		return nil
	}

	b.lastDisplayedSeq = ready[len(ready)-1].SequenceNumber
	for _, msg := range ready {
		if msg.MessageID == "" {
			continue
		}
		delete(b.seenIDs, msg.MessageID)
		b.displayedIDs[msg.MessageID] = struct{}{}
		b.displayedOrder = append(b.displayedOrder, msg.MessageID)
	}
	b.enforceDisplayedCap()

	return ready
}

// HasGap reports whether the buffer is holding messages that cannot be
// delivered yet because an earlier sequence number has not arrived.
func (b *MessageBuffer) HasGap() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return false
	}
	return b.pending[0].SequenceNumber > b.lastDisplayedSeq+1
}

// GetMissingSequences returns the sequence numbers between the
// delivery cursor and the first pending message, in order. Empty when
// there is no gap.
func (b *MessageBuffer) GetMissingSequences() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	first := b.pending[0].SequenceNumber
	start := b.lastDisplayedSeq + 1
	if first <= start {
		return nil
	}

	missing := make([]int64, 0, first-start)
	for seq := start; seq < first; seq++ {
		missing = append(missing, seq)
	}
	return missing
}

// BufferedCount returns how many messages are waiting in the buffer.
func (b *MessageBuffer) BufferedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// LastDisplayedSeq returns the delivery cursor: the sequence number of
// the last message handed out by GetNewMessages.
func (b *MessageBuffer) LastDisplayedSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDisplayedSeq
}

// SetLastDisplayedSeq moves the delivery cursor, for aligning a fresh
// buffer with history obtained out of band when joining a room.
// Negative values are ignored.
func (b *MessageBuffer) SetLastDisplayedSeq(seq int64) {
	if seq < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastDisplayedSeq = seq
}

// Clear empties the buffer and resets the cursor and both dedup
// structures, as when leaving a room or disconnecting.
func (b *MessageBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = nil
	b.lastDisplayedSeq = 0
	b.seenIDs = make(map[string]struct{})
	b.displayedIDs = make(map[string]struct{})
	b.displayedOrder = nil
}

// enforcePendingCap drops the oldest pending messages once the buffer
// exceeds its cap. Hitting the cap means the gap at the head is not
// filling, so the drop is logged loudly.
func (b *MessageBuffer) enforcePendingCap() {
	if len(b.pending) <= b.maxPending {
		return
	}
	excess := len(b.pending) - b.maxPending
	for _, msg := range b.pending[:excess] {
		delete(b.seenIDs, msg.MessageID)
	}
	b.pending = b.pending[:copy(b.pending, b.pending[excess:])]

	b.logger.Warn("Buffer limit exceeded, dropped oldest pending messages",
		zap.Int("dropped", excess))
}

// enforceDisplayedCap forgets the oldest delivered message ids once
// the dedup set exceeds its cap, oldest first.
func (b *MessageBuffer) enforceDisplayedCap() {
	if len(b.displayedOrder) <= b.maxDisplayedIDs {
		return
	}
	excess := len(b.displayedOrder) - b.maxDisplayedIDs
	for _, id := range b.displayedOrder[:excess] {
		delete(b.displayedIDs, id)
	}
	b.displayedOrder = b.displayedOrder[:copy(b.displayedOrder, b.displayedOrder[excess:])]
}
