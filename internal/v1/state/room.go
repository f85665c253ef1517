// Package state owns every piece of mutable room runtime on this node:
// room records and their members, the per-room message sequencer, the
// two-phase-commit deletion tables, and the peer health table. All
// mutations flow through Manager, which serializes them behind a single
// lock so room-level operations are linearizable.
package state

import (
	"time"

	"k8s.io/utils/set"

	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// MaxBufferedMessages is the per-room message buffer capacity. When the
// buffer exceeds it, the oldest messages are discarded from the head and
// are never replayed.
const MaxBufferedMessages = 100

// RoomState is the room lifecycle state for the 2PC deletion protocol.
type RoomState string

const (
	RoomStateActive          RoomState = "ACTIVE"
	RoomStateDeletionPending RoomState = "DELETION_PENDING"
	RoomStateCommitting      RoomState = "COMMITTING"
	RoomStateRollingBack     RoomState = "ROLLING_BACK"
)

// MemberInfo tracks where a member's session lives and how recently the
// member was observed. NodeID scopes heartbeats and node-failure
// eviction; LastActivity feeds the stale-member sweeper.
type MemberInfo struct {
	Username     types.Username
	NodeID       types.NodeID
	JoinedAt     time.Time
	LastActivity time.Time
}

// Room is a point-in-time copy of one room's metadata, safe to use
// outside the manager's lock. Members is sorted for determinism.
type Room struct {
	ID             types.RoomID
	Name           string
	Description    string
	CreatorID      types.Username
	AdminNode      types.NodeID
	Members        []types.Username
	CreatedAt      time.Time
	MessageCounter int64
	State          RoomState
}

// MemberCount returns the number of members in the snapshot.
func (r Room) MemberCount() int {
	return len(r.Members)
}

// room is the live record behind a Room snapshot. Only Manager touches
// it, always under the manager's lock.
type room struct {
	id             types.RoomID
	name           string
	description    string
	creatorID      types.Username
	adminNode      types.NodeID
	members        set.Set[types.Username]
	memberInfo     map[types.Username]*MemberInfo
	createdAt      time.Time
	messageCounter int64
	messages       []wire.Message
	state          RoomState
}

func (r *room) viewLocked() Room {
	return Room{
		ID:             r.id,
		Name:           r.name,
		Description:    r.description,
		CreatorID:      r.creatorID,
		AdminNode:      r.adminNode,
		Members:        r.members.SortedList(),
		CreatedAt:      r.createdAt,
		MessageCounter: r.messageCounter,
		State:          r.state,
	}
}

func (r *room) summaryLocked() wire.RoomSummary {
	return wire.RoomSummary{
		RoomID:      string(r.id),
		RoomName:    r.name,
		Description: r.description,
		MemberCount: r.members.Len(),
		AdminNode:   string(r.adminNode),
		CreatorID:   string(r.creatorID),
	}
}

func (r *room) infoLocked() wire.RoomInfo {
	return wire.RoomInfo{
		RoomID:      string(r.id),
		RoomName:    r.name,
		Description: r.description,
		Members:     memberNames(r.members.SortedList()),
		MemberCount: r.members.Len(),
		AdminNode:   string(r.adminNode),
	}
}

func (r *room) messagesLocked() []wire.Message {
	out := make([]wire.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func memberNames(members []types.Username) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = string(m)
	}
	return out
}
