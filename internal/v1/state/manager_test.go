package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshchat/meshchat/internal/v1/types"
)

func newTestManager() *Manager {
	return NewManager("node1")
}

// mustCreateJoined creates a room and joins the creator from the local
// node, mirroring the create-then-join flow clients perform.
func mustCreateJoined(t *testing.T, m *Manager, name string, creator types.Username) Room {
	t.Helper()
	room, err := m.CreateRoom(name, creator, "")
	require.NoError(t, err)
	_, err = m.AddMember(room.ID, creator, m.NodeID())
	require.NoError(t, err)
	return room
}

func TestCreateRoom(t *testing.T) {
	m := newTestManager()

	room, err := m.CreateRoom("general", "alice", "the lobby")
	require.NoError(t, err)

	assert.NotEmpty(t, room.ID)
	assert.Equal(t, "general", room.Name)
	assert.Equal(t, "the lobby", room.Description)
	assert.Equal(t, types.Username("alice"), room.CreatorID)
	assert.Equal(t, types.NodeID("node1"), room.AdminNode)
	assert.Empty(t, room.Members)
	assert.Equal(t, RoomStateActive, room.State)
	assert.Equal(t, int64(0), room.MessageCounter)
}

func TestCreateRoom_DuplicateName(t *testing.T) {
	m := newTestManager()

	_, err := m.CreateRoom("general", "alice", "")
	require.NoError(t, err)

	_, err = m.CreateRoom("general", "bob", "")
	assert.ErrorIs(t, err, ErrRoomNameTaken)
}

func TestCreateRoom_NameFreedAfterDeletion(t *testing.T) {
	m := newTestManager()

	room, err := m.CreateRoom("general", "alice", "")
	require.NoError(t, err)

	txn, err := m.StartDeletionTransaction(room.ID, nil)
	require.NoError(t, err)
	require.True(t, m.TransitionToCommit(txn.TransactionID))
	require.True(t, m.CompleteDeletion(txn.TransactionID))

	_, err = m.CreateRoom("general", "bob", "")
	assert.NoError(t, err)
}

func TestGetRoom_NotFound(t *testing.T) {
	m := newTestManager()

	_, err := m.GetRoom("missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.False(t, m.HasRoom("missing"))
}

func TestAddMember(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")

	added, err := m.AddMember(room.ID, "bob", "node1")
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, m.IsMember(room.ID, "bob"))
	assert.Equal(t, 2, m.MemberCount(room.ID))
}

func TestAddMember_AlreadyPresent(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")

	added, err := m.AddMember(room.ID, "alice", "node1")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, m.MemberCount(room.ID))
}

func TestAddMember_RemoteSourceSeedsHealth(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")

	_, err := m.AddMember(room.ID, "bob", "node2")
	require.NoError(t, err)

	health, ok := m.GetNodeHealth("node2")
	require.True(t, ok)
	assert.Equal(t, NodeHealthy, health.Status)

	// Local members do not get tracked.
	_, ok = m.GetNodeHealth("node1")
	assert.False(t, ok)
}

func TestAddMember_RoomNotFound(t *testing.T) {
	m := newTestManager()

	_, err := m.AddMember("missing", "bob", "node1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRemoveMember(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")

	assert.True(t, m.RemoveMember(room.ID, "alice"))
	assert.False(t, m.IsMember(room.ID, "alice"))

	// Second removal is a no-op.
	assert.False(t, m.RemoveMember(room.ID, "alice"))
	assert.False(t, m.RemoveMember("missing", "alice"))
}

func TestListRooms_SortedByName(t *testing.T) {
	m := newTestManager()
	mustCreateJoined(t, m, "zulu", "alice")
	room, err := m.CreateRoom("alpha", "bob", "misc")
	require.NoError(t, err)

	rooms := m.ListRooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "alpha", rooms[0].RoomName)
	assert.Equal(t, "zulu", rooms[1].RoomName)
	assert.Equal(t, string(room.ID), rooms[0].RoomID)
	assert.Equal(t, "node1", rooms[0].AdminNode)
	assert.Equal(t, "bob", rooms[0].CreatorID)
	assert.Equal(t, "misc", rooms[0].Description)
	assert.Equal(t, 0, rooms[0].MemberCount)
	assert.Equal(t, 1, rooms[1].MemberCount)
}

func TestRoomInfo(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")
	_, err := m.AddMember(room.ID, "bob", "node2")
	require.NoError(t, err)

	info, err := m.RoomInfo(room.ID)
	require.NoError(t, err)
	assert.Equal(t, string(room.ID), info.RoomID)
	assert.Equal(t, "general", info.RoomName)
	assert.Equal(t, []string{"alice", "bob"}, info.Members)
	assert.Equal(t, 2, info.MemberCount)
	assert.Equal(t, "node1", info.AdminNode)

	_, err = m.RoomInfo("missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestAddMessage_SequencesFromOne(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")

	first, err := m.AddMessage(room.ID, "alice", "hello")
	require.NoError(t, err)
	second, err := m.AddMessage(room.ID, "alice", "world")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.NotEmpty(t, first.MessageID)
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.Equal(t, "alice", first.Username)
	assert.Equal(t, "hello", first.Content)
	assert.NotEmpty(t, first.Timestamp)
}

func TestAddMessage_Rejections(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")

	_, err := m.AddMessage("missing", "alice", "hi")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = m.AddMessage(room.ID, "mallory", "hi")
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = m.StartDeletionTransaction(room.ID, nil)
	require.NoError(t, err)
	_, err = m.AddMessage(room.ID, "alice", "hi")
	assert.ErrorIs(t, err, ErrRoomNotActive)
}

func TestAddMessage_BufferTrimsFromHead(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")
	m.maxMessages = 5

	for i := 0; i < 8; i++ {
		_, err := m.AddMessage(room.ID, "alice", fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
	}

	msgs := m.Messages(room.ID)
	require.Len(t, msgs, 5)
	// Oldest three were trimmed; sequence numbers keep climbing.
	assert.Equal(t, int64(4), msgs[0].SequenceNumber)
	assert.Equal(t, int64(8), msgs[4].SequenceNumber)

	got, err := m.GetRoom(room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.MessageCounter)
}

func TestMessages_ReturnsCopy(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")
	_, err := m.AddMessage(room.ID, "alice", "hello")
	require.NoError(t, err)

	msgs := m.Messages(room.ID)
	msgs[0].Content = "tampered"

	assert.Equal(t, "hello", m.Messages(room.ID)[0].Content)
	assert.Nil(t, m.Messages("missing"))
}

func TestGetStaleMembers(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")
	_, err := m.AddMember(room.ID, "bob", "node1")
	require.NoError(t, err)

	// Nobody is stale right after joining.
	assert.Empty(t, m.GetStaleMembers(room.ID, time.Minute))

	// Everyone is stale against a negative timeout (cutoff in the future).
	stale := m.GetStaleMembers(room.ID, -time.Minute)
	assert.Equal(t, []types.Username{"alice", "bob"}, stale)

	assert.Nil(t, m.GetStaleMembers("missing", time.Minute))
}

func TestTouchMember_KeepsMemberFresh(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")

	m.mu.Lock()
	m.rooms[room.ID].memberInfo["alice"].LastActivity = time.Now().UTC().Add(-time.Hour)
	m.mu.Unlock()

	require.Equal(t, []types.Username{"alice"}, m.GetStaleMembers(room.ID, time.Minute))

	m.TouchMember(room.ID, "alice")
	assert.Empty(t, m.GetStaleMembers(room.ID, time.Minute))
}

func TestRemoveAllMembersFromNode(t *testing.T) {
	m := newTestManager()
	roomA := mustCreateJoined(t, m, "alpha", "alice")
	roomB := mustCreateJoined(t, m, "beta", "bob")

	_, err := m.AddMember(roomA.ID, "carol", "node2")
	require.NoError(t, err)
	_, err = m.AddMember(roomA.ID, "dave", "node2")
	require.NoError(t, err)
	_, err = m.AddMember(roomB.ID, "carol", "node2")
	require.NoError(t, err)

	evictions := m.RemoveAllMembersFromNode("node2")
	require.Len(t, evictions, 3)

	for _, ev := range evictions {
		assert.False(t, m.IsMember(ev.RoomID, ev.Username))
	}
	// Locals survive.
	assert.True(t, m.IsMember(roomA.ID, "alice"))
	assert.True(t, m.IsMember(roomB.ID, "bob"))
	assert.Equal(t, 1, m.MemberCount(roomA.ID))
	assert.Equal(t, 1, m.MemberCount(roomB.ID))

	// Usernames are ordered within each room.
	var fromA []types.Username
	for _, ev := range evictions {
		if ev.RoomID == roomA.ID {
			fromA = append(fromA, ev.Username)
		}
	}
	assert.Equal(t, []types.Username{"carol", "dave"}, fromA)

	// Nothing left to evict.
	assert.Empty(t, m.RemoveAllMembersFromNode("node2"))
}

func TestRemoteMemberNodes(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")

	assert.Empty(t, m.RemoteMemberNodes())

	_, err := m.AddMember(room.ID, "bob", "node3")
	require.NoError(t, err)
	_, err = m.AddMember(room.ID, "carol", "node2")
	require.NoError(t, err)
	_, err = m.AddMember(room.ID, "dave", "node2")
	require.NoError(t, err)

	assert.Equal(t, []types.NodeID{"node2", "node3"}, m.RemoteMemberNodes())
}

func TestCanOperateOnRoom(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")

	assert.True(t, m.CanOperateOnRoom(room.ID))
	assert.False(t, m.CanOperateOnRoom("missing"))

	_, err := m.StartDeletionTransaction(room.ID, nil)
	require.NoError(t, err)
	assert.False(t, m.CanOperateOnRoom(room.ID))
}

func TestConcurrentMessageSequencing(t *testing.T) {
	m := newTestManager()
	room := mustCreateJoined(t, m, "general", "alice")

	const writers = 10
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := m.AddMessage(room.ID, "alice", fmt.Sprintf("w%d-%d", w, i))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	got, err := m.GetRoom(room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), got.MessageCounter)

	// Surviving buffer is strictly increasing and gap-free.
	msgs := m.Messages(room.ID)
	for i := 1; i < len(msgs); i++ {
		assert.Equal(t, msgs[i-1].SequenceNumber+1, msgs[i].SequenceNumber)
	}
}
