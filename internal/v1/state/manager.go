package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/metrics"
	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

var (
	// ErrRoomNotFound is returned when the room id does not exist on
	// this node.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomNameTaken is returned by CreateRoom when another room
	// already uses the requested name.
	ErrRoomNameTaken = errors.New("room name already exists")
	// ErrRoomNotActive is returned when an operation requires the room
	// to be in the ACTIVE state but a deletion is in progress.
	ErrRoomNotActive = errors.New("room is not active")
	// ErrNotMember is returned when the acting user is not a member of
	// the room.
	ErrNotMember = errors.New("user is not a member of the room")
)

// Manager holds every room hosted by this node plus the deletion and
// peer-health bookkeeping that hangs off them. All exported methods are
// safe for concurrent use.
type Manager struct {
	nodeID types.NodeID

	mu          sync.RWMutex
	rooms       map[types.RoomID]*room
	roomsByName map[string]types.RoomID
	deletions   map[types.TransactionID]*DeletionTransaction
	prepared    map[types.TransactionID]*PreparedTransaction
	health      map[types.NodeID]*NodeHealth

	maxMessages int
}

// NewManager returns an empty Manager for the given node identity.
func NewManager(nodeID types.NodeID) *Manager {
	return &Manager{
		nodeID:      nodeID,
		rooms:       make(map[types.RoomID]*room),
		roomsByName: make(map[string]types.RoomID),
		deletions:   make(map[types.TransactionID]*DeletionTransaction),
		prepared:    make(map[types.TransactionID]*PreparedTransaction),
		health:      make(map[types.NodeID]*NodeHealth),
		maxMessages: MaxBufferedMessages,
	}
}

// NodeID returns the identity of the node this manager belongs to.
func (m *Manager) NodeID() types.NodeID {
	return m.nodeID
}

// CreateRoom registers a new room hosted on this node. The room starts
// with no members; the creator joins like anyone else. Room names are
// unique per node.
func (m *Manager) CreateRoom(name string, creator types.Username, description string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.roomsByName[name]; taken {
		return Room{}, ErrRoomNameTaken
	}

	r := &room{
		id:          types.RoomID(uuid.NewString()),
		name:        name,
		description: description,
		creatorID:   creator,
		adminNode:   m.nodeID,
		members:     set.New[types.Username](),
		memberInfo:  make(map[types.Username]*MemberInfo),
		createdAt:   time.Now().UTC(),
		messages:    make([]wire.Message, 0, m.maxMessages),
		state:       RoomStateActive,
	}
	m.rooms[r.id] = r
	m.roomsByName[name] = r.id

	metrics.HostedRooms.Inc()
	metrics.RoomMembers.WithLabelValues(string(r.id)).Set(0)
	logging.Info(context.Background(), "Room created",
		zap.String("roomId", string(r.id)),
		zap.String("roomName", name),
		zap.String("creator", string(creator)))
	return r.viewLocked(), nil
}

// GetRoom returns a snapshot of the room, or ErrRoomNotFound.
func (m *Manager) GetRoom(roomID types.RoomID) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return r.viewLocked(), nil
}

// HasRoom reports whether the room exists on this node.
func (m *Manager) HasRoom(roomID types.RoomID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}

// RoomCount returns the number of rooms hosted on this node.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// ListRooms returns summaries of every hosted room, sorted by name for
// stable listings.
func (m *Manager) ListRooms() []wire.RoomSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]wire.RoomSummary, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r.summaryLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomName < out[j].RoomName })
	return out
}

// RoomInfo returns the members-inclusive snapshot handed to joiners, or
// ErrRoomNotFound.
func (m *Manager) RoomInfo(roomID types.RoomID) (*wire.RoomInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	info := r.infoLocked()
	return &info, nil
}

// Messages returns a copy of the room's buffered message history in
// sequence order. A missing room yields an empty slice.
func (m *Manager) Messages(roomID types.RoomID) []wire.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return r.messagesLocked()
}

// AddMember adds the user to the room, recording which node their
// session lives on. Joining an already-joined room is not an error: the
// member's node binding and activity clock are refreshed and added is
// false. Membership changes are allowed in any room state so joins that
// raced a rolled-back deletion are not lost.
func (m *Manager) AddMember(roomID types.RoomID, username types.Username, sourceNode types.NodeID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false, ErrRoomNotFound
	}

	now := time.Now().UTC()
	if r.members.Has(username) {
		info := r.memberInfo[username]
		info.NodeID = sourceNode
		info.LastActivity = now
		if sourceNode != m.nodeID {
			m.ensureNodeHealthLocked(sourceNode, now)
		}
		return false, nil
	}

	r.members.Insert(username)
	r.memberInfo[username] = &MemberInfo{Username: username, NodeID: sourceNode, JoinedAt: now, LastActivity: now}
	if sourceNode != m.nodeID {
		m.ensureNodeHealthLocked(sourceNode, now)
	}
	metrics.RoomMembers.WithLabelValues(string(roomID)).Set(float64(r.members.Len()))
	return true, nil
}

// RemoveMember removes the user from the room. It reports whether the
// user was actually a member, so callers can suppress duplicate
// member_left broadcasts.
func (m *Manager) RemoveMember(roomID types.RoomID, username types.Username) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	if !r.members.Has(username) {
		return false
	}
	r.members.Delete(username)
	delete(r.memberInfo, username)
	metrics.RoomMembers.WithLabelValues(string(roomID)).Set(float64(r.members.Len()))
	return true
}

// MemberCount returns the room's member count, or zero for an unknown
// room.
func (m *Manager) MemberCount(roomID types.RoomID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return 0
	}
	return r.members.Len()
}

// IsMember reports whether the user is a member of the room.
func (m *Manager) IsMember(roomID types.RoomID, username types.Username) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	return r.members.Has(username)
}

// TouchMember refreshes the member's activity clock, keeping them out
// of the stale sweep.
func (m *Manager) TouchMember(roomID types.RoomID, username types.Username) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return
	}
	if info, ok := r.memberInfo[username]; ok {
		info.LastActivity = time.Now().UTC()
	}
}

// AddMessage assigns the next sequence number to the content and
// appends the sequenced message to the room buffer, trimming the oldest
// entries beyond the buffer capacity. The room must exist, be ACTIVE,
// and count the sender as a member.
func (m *Manager) AddMessage(roomID types.RoomID, username types.Username, content string) (wire.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return wire.Message{}, ErrRoomNotFound
	}
	if r.state != RoomStateActive {
		return wire.Message{}, ErrRoomNotActive
	}
	if !r.members.Has(username) {
		return wire.Message{}, ErrNotMember
	}

	r.messageCounter++
	msg := wire.Message{
		MessageID:      uuid.NewString(),
		Username:       string(username),
		Content:        content,
		SequenceNumber: r.messageCounter,
		Timestamp:      wire.Now(),
	}
	r.messages = append(r.messages, msg)
	if len(r.messages) > m.maxMessages {
		r.messages = r.messages[len(r.messages)-m.maxMessages:]
	}
	if info, ok := r.memberInfo[username]; ok {
		info.LastActivity = time.Now().UTC()
	}
	metrics.MessagesSequenced.Inc()
	return msg, nil
}

// GetStaleMembers returns members of the room whose last activity is
// older than the timeout, sorted by username. Members with no recorded
// activity count as stale.
func (m *Manager) GetStaleMembers(roomID types.RoomID, timeout time.Duration) []types.Username {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}

	cutoff := time.Now().UTC().Add(-timeout)
	var stale []types.Username
	for username, info := range r.memberInfo {
		if info.LastActivity.Before(cutoff) {
			stale = append(stale, username)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return stale
}

// Eviction records one member removed by RemoveAllMembersFromNode,
// with the room's member count after the removal.
type Eviction struct {
	RoomID      types.RoomID
	Username    types.Username
	MemberCount int
}

// RemoveAllMembersFromNode evicts every member whose session lives on
// the failed node, across all rooms, in one critical section. The
// returned evictions are ordered by room id then username so the
// resulting member_left broadcasts are deterministic.
func (m *Manager) RemoveAllMembersFromNode(node types.NodeID) []Eviction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evictions []Eviction
	for roomID, r := range m.rooms {
		var doomed []types.Username
		for username, info := range r.memberInfo {
			if info.NodeID == node {
				doomed = append(doomed, username)
			}
		}
		sort.Slice(doomed, func(i, j int) bool { return doomed[i] < doomed[j] })
		for _, username := range doomed {
			r.members.Delete(username)
			delete(r.memberInfo, username)
			evictions = append(evictions, Eviction{RoomID: roomID, Username: username, MemberCount: r.members.Len()})
		}
		if len(doomed) > 0 {
			metrics.RoomMembers.WithLabelValues(string(roomID)).Set(float64(r.members.Len()))
		}
	}
	sort.Slice(evictions, func(i, j int) bool {
		if evictions[i].RoomID != evictions[j].RoomID {
			return evictions[i].RoomID < evictions[j].RoomID
		}
		return evictions[i].Username < evictions[j].Username
	})

	if len(evictions) > 0 {
		logging.Warn(context.Background(), "Removed all members from failed node",
			zap.String("nodeId", string(node)),
			zap.Int("evicted", len(evictions)))
	}
	return evictions
}

// RemoteMemberNodes returns the distinct peer nodes that currently have
// members in rooms hosted here, sorted. These are the heartbeat targets.
func (m *Manager) RemoteMemberNodes() []types.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := set.New[types.NodeID]()
	for _, r := range m.rooms {
		for _, info := range r.memberInfo {
			if info.NodeID != m.nodeID {
				nodes.Insert(info.NodeID)
			}
		}
	}
	return nodes.SortedList()
}

// CanOperateOnRoom reports whether the room exists and is ACTIVE, the
// precondition for joins routed from peers and for message sequencing.
func (m *Manager) CanOperateOnRoom(roomID types.RoomID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	return ok && r.state == RoomStateActive
}

// StateError renders the non-ACTIVE state message used in operation
// rejections, such as "Room is in DELETION_PENDING state, cannot delete".
func StateError(s RoomState, action string) string {
	return fmt.Sprintf("Room is in %s state, cannot %s", s, action)
}
