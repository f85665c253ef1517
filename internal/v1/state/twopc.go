package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/metrics"
	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// TxnState is the coordinator-side transaction phase.
type TxnState string

const (
	TxnStatePrepare   TxnState = "PREPARE"
	TxnStateCommit    TxnState = "COMMIT"
	TxnStateRollback  TxnState = "ROLLBACK"
	TxnStateCompleted TxnState = "COMPLETED"
)

// DefaultPrepareTimeout bounds how long a coordinator waits for votes.
const DefaultPrepareTimeout = 5 * time.Second

// DeletionTransaction is the coordinator's record of one in-flight room
// deletion. Votes maps each participant to "READY", "ABORT", or "" when
// the participant has not answered yet.
type DeletionTransaction struct {
	TransactionID types.TransactionID
	RoomID        types.RoomID
	State         TxnState
	Participants  []types.NodeID
	Votes         map[types.NodeID]string
	StartTime     time.Time
	Timeout       time.Duration
}

// PreparedTransaction is the participant's record of a READY vote,
// held until the coordinator's COMMIT or ROLLBACK arrives.
type PreparedTransaction struct {
	TransactionID types.TransactionID
	RoomID        types.RoomID
	Coordinator   types.NodeID
	Vote          string
	PreparedAt    time.Time
}

func copyTransactionLocked(t *DeletionTransaction) DeletionTransaction {
	out := *t
	out.Participants = append([]types.NodeID(nil), t.Participants...)
	out.Votes = make(map[types.NodeID]string, len(t.Votes))
	for node, vote := range t.Votes {
		out.Votes[node] = vote
	}
	return out
}

// StartDeletionTransaction begins a deletion as coordinator: the room
// must exist and be ACTIVE, and it transitions to DELETION_PENDING
// atomically with the transaction record's creation.
func (m *Manager) StartDeletionTransaction(roomID types.RoomID, participants []types.NodeID) (DeletionTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return DeletionTransaction{}, ErrRoomNotFound
	}
	if r.state != RoomStateActive {
		return DeletionTransaction{}, ErrRoomNotActive
	}

	txn := &DeletionTransaction{
		TransactionID: types.TransactionID(uuid.NewString()),
		RoomID:        roomID,
		State:         TxnStatePrepare,
		Participants:  append([]types.NodeID(nil), participants...),
		Votes:         make(map[types.NodeID]string, len(participants)),
		StartTime:     time.Now().UTC(),
		Timeout:       DefaultPrepareTimeout,
	}
	for _, p := range participants {
		txn.Votes[p] = ""
	}
	m.deletions[txn.TransactionID] = txn
	r.state = RoomStateDeletionPending

	logging.Info(context.Background(), "Deletion transaction started",
		zap.String("transactionId", string(txn.TransactionID)),
		zap.String("roomId", string(roomID)),
		zap.Int("participants", len(participants)))
	return copyTransactionLocked(txn), nil
}

// GetDeletionTransaction returns a copy of the coordinator-side record.
func (m *Manager) GetDeletionTransaction(txnID types.TransactionID) (DeletionTransaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.deletions[txnID]
	if !ok {
		return DeletionTransaction{}, false
	}
	return copyTransactionLocked(txn), true
}

// RecordVote stores a participant's PREPARE vote.
func (m *Manager) RecordVote(txnID types.TransactionID, node types.NodeID, vote string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.deletions[txnID]
	if !ok {
		return false
	}
	txn.Votes[node] = vote
	return true
}

// AllVotesReady reports whether every participant has voted READY.
func (m *Manager) AllVotesReady(txnID types.TransactionID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.deletions[txnID]
	if !ok {
		return false
	}
	for _, vote := range txn.Votes {
		if vote != wire.VoteReady {
			return false
		}
	}
	return true
}

// AllVotesReceived reports whether every participant has answered.
func (m *Manager) AllVotesReceived(txnID types.TransactionID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.deletions[txnID]
	if !ok {
		return false
	}
	for _, vote := range txn.Votes {
		if vote == "" {
			return false
		}
	}
	return true
}

// TransitionToCommit moves the transaction to COMMIT and the room to
// COMMITTING. After this point the deletion outcome is fixed.
func (m *Manager) TransitionToCommit(txnID types.TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.deletions[txnID]
	if !ok || txn.State != TxnStatePrepare {
		return false
	}
	txn.State = TxnStateCommit
	if r, ok := m.rooms[txn.RoomID]; ok {
		r.state = RoomStateCommitting
	}
	logging.Info(context.Background(), "Deletion transaction committing",
		zap.String("transactionId", string(txnID)),
		zap.String("roomId", string(txn.RoomID)))
	return true
}

// TransitionToRollback moves the transaction to ROLLBACK and the room
// to ROLLING_BACK.
func (m *Manager) TransitionToRollback(txnID types.TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.deletions[txnID]
	if !ok || txn.State != TxnStatePrepare {
		return false
	}
	txn.State = TxnStateRollback
	if r, ok := m.rooms[txn.RoomID]; ok {
		r.state = RoomStateRollingBack
	}
	logging.Info(context.Background(), "Deletion transaction rolling back",
		zap.String("transactionId", string(txnID)),
		zap.String("roomId", string(txn.RoomID)))
	return true
}

// CompleteDeletion finalizes a committed transaction: the room is
// removed and the transaction record is dropped.
func (m *Manager) CompleteDeletion(txnID types.TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.deletions[txnID]
	if !ok || txn.State != TxnStateCommit {
		return false
	}
	txn.State = TxnStateCompleted
	m.deleteRoomLocked(txn.RoomID)
	delete(m.deletions, txnID)

	metrics.DeletionTransactions.WithLabelValues("committed").Inc()
	logging.Info(context.Background(), "Deletion transaction completed",
		zap.String("transactionId", string(txnID)),
		zap.String("roomId", string(txn.RoomID)))
	return true
}

// RollbackDeletion finalizes an aborted transaction: the room returns
// to ACTIVE and the transaction record is dropped.
func (m *Manager) RollbackDeletion(txnID types.TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.deletions[txnID]
	if !ok || txn.State != TxnStateRollback {
		return false
	}
	if r, ok := m.rooms[txn.RoomID]; ok {
		r.state = RoomStateActive
	}
	delete(m.deletions, txnID)

	metrics.DeletionTransactions.WithLabelValues("rolled_back").Inc()
	logging.Info(context.Background(), "Deletion transaction rolled back",
		zap.String("transactionId", string(txnID)),
		zap.String("roomId", string(txn.RoomID)))
	return true
}

// PrepareForDeletion handles a coordinator's PREPARE as participant.
// An unknown room votes READY without recording anything (there is
// nothing to clean up). A known room votes READY only from ACTIVE, and
// the READY vote records a PreparedTransaction so a later COMMIT or
// ROLLBACK can be applied.
func (m *Manager) PrepareForDeletion(roomID types.RoomID, txnID types.TransactionID, coordinator types.NodeID) wire.PrepareDeleteRoomResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := wire.PrepareDeleteRoomResponse{
		NodeID:        string(m.nodeID),
		TransactionID: string(txnID),
	}

	r, ok := m.rooms[roomID]
	if !ok {
		resp.Vote = wire.VoteReady
		return resp
	}
	if r.state != RoomStateActive {
		resp.Vote = wire.VoteAbort
		resp.Reason = fmt.Sprintf("Room in %s state", r.state)
		return resp
	}

	r.state = RoomStateDeletionPending
	m.prepared[txnID] = &PreparedTransaction{
		TransactionID: txnID,
		RoomID:        roomID,
		Coordinator:   coordinator,
		Vote:          wire.VoteReady,
		PreparedAt:    time.Now().UTC(),
	}
	metrics.PreparedTransactions.Inc()
	logging.Info(context.Background(), "Prepared room for deletion",
		zap.String("transactionId", string(txnID)),
		zap.String("roomId", string(roomID)),
		zap.String("coordinator", string(coordinator)))

	resp.Vote = wire.VoteReady
	return resp
}

// CommitDeletion handles a coordinator's COMMIT as participant. It
// removes the room and the prepared record, and reports whether a room
// was actually deleted. Committing an already-deleted transaction is
// not an error, so retried COMMITs succeed.
func (m *Manager) CommitDeletion(roomID types.RoomID, txnID types.TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, prepared := m.prepared[txnID]; prepared {
		delete(m.prepared, txnID)
		metrics.PreparedTransactions.Dec()
	}

	if _, ok := m.rooms[roomID]; !ok {
		return false
	}
	m.deleteRoomLocked(roomID)

	logging.Info(context.Background(), "Committed room deletion",
		zap.String("transactionId", string(txnID)),
		zap.String("roomId", string(roomID)))
	return true
}

// RollbackDeletionParticipant handles a coordinator's ROLLBACK as
// participant: the room returns to ACTIVE and the prepared record is
// cleared.
func (m *Manager) RollbackDeletionParticipant(roomID types.RoomID, txnID types.TransactionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, prepared := m.prepared[txnID]; prepared {
		delete(m.prepared, txnID)
		metrics.PreparedTransactions.Dec()
	}

	if r, ok := m.rooms[roomID]; ok && r.state != RoomStateActive {
		r.state = RoomStateActive
		logging.Info(context.Background(), "Rolled back room deletion",
			zap.String("transactionId", string(txnID)),
			zap.String("roomId", string(roomID)))
	}
}

// PreparedTransactionCount returns how many READY votes this node is
// currently holding open.
func (m *Manager) PreparedTransactionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.prepared)
}

// deleteRoomLocked removes the room and its name-index entry. Callers
// hold the write lock.
func (m *Manager) deleteRoomLocked(roomID types.RoomID) {
	r, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(m.rooms, roomID)
	delete(m.roomsByName, r.name)
	metrics.HostedRooms.Dec()
	metrics.RoomMembers.DeleteLabelValues(string(roomID))
}
