// Package deletion drives the two-phase-commit protocol that removes a
// room from every node in the cluster. The node administering the room
// coordinates: it collects PREPARE votes from all peers, commits only
// on a unanimous READY, and rolls every participant back otherwise.
// Participant-side handling lives in the RPC endpoint; this package is
// the coordinator half.
package deletion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/metrics"
	"github.com/meshchat/meshchat/internal/v1/peers"
	"github.com/meshchat/meshchat/internal/v1/state"
	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// DefaultCommitTimeout bounds the COMMIT and ROLLBACK fan-outs. A peer
// that misses the decision phase is logged and left to the failure
// detector; it never blocks the outcome.
const DefaultCommitTimeout = 5 * time.Second

// ReplyFunc delivers protocol frames to the client session that
// initiated the deletion.
type ReplyFunc func(frameType string, data any)

// Coordinator runs room deletions for rooms this node administers.
type Coordinator struct {
	manager  *state.Manager
	registry *peers.Registry
	caller   types.PeerCaller
	local    types.Broadcaster

	prepareTimeout time.Duration
	commitTimeout  time.Duration
}

// NewCoordinator wires the coordinator against the node's room state,
// peer registry, and local broadcast surface.
func NewCoordinator(manager *state.Manager, registry *peers.Registry, caller types.PeerCaller, local types.Broadcaster) *Coordinator {
	return &Coordinator{
		manager:        manager,
		registry:       registry,
		caller:         caller,
		local:          local,
		prepareTimeout: state.DefaultPrepareTimeout,
		commitTimeout:  DefaultCommitTimeout,
	}
}

// DeleteRoom validates and runs a delete_room request end to end. The
// initiator hears delete_room_initiated as soon as the transaction
// starts, then delete_room_success or delete_room_failed once the
// protocol decides. Room members hear delete_room_initiated, then
// room_deleted or delete_room_cancelled.
func (c *Coordinator) DeleteRoom(ctx context.Context, roomID types.RoomID, username types.Username, reply ReplyFunc) {
	if roomID == "" || username == "" {
		c.fail(reply, roomID, "Missing room_id or username", wire.CodeInvalidRequest, "")
		return
	}

	logging.Info(ctx, "Processing delete_room request",
		zap.String("roomId", string(roomID)),
		zap.String("username", string(username)))

	room, err := c.manager.GetRoom(roomID)
	if err != nil {
		c.fail(reply, roomID, "Room not found", wire.CodeRoomNotFound, "")
		return
	}
	if room.CreatorID != username {
		c.fail(reply, roomID, "Only the room creator can delete the room", wire.CodeUnauthorized, "")
		return
	}
	if room.State != state.RoomStateActive {
		c.fail(reply, roomID, state.StateError(room.State, "delete"), wire.CodeInvalidState, "")
		return
	}

	txn, err := c.manager.StartDeletionTransaction(roomID, c.registry.List())
	if err != nil {
		c.fail(reply, roomID, "Failed to start deletion transaction", wire.CodeInternalError, "")
		return
	}

	reply(wire.TypeDeleteRoomInitiated, wire.DeleteRoomInitiatedData{
		RoomID:        string(roomID),
		Status:        "in_progress",
		TransactionID: string(txn.TransactionID),
	})
	c.broadcast(ctx, roomID, wire.TypeDeleteRoomInitiated, wire.DeleteRoomInitiatedData{
		RoomID:    string(roomID),
		Initiator: string(username),
		Status:    "in_progress",
	})

	committed, reason := c.execute(ctx, txn, roomID)
	if committed {
		c.broadcast(ctx, roomID, wire.TypeRoomDeleted, wire.RoomDeletedData{
			RoomID:        string(roomID),
			RoomName:      room.Name,
			Message:       fmt.Sprintf("Room '%s' has been deleted", room.Name),
			TransactionID: string(txn.TransactionID),
		})
		c.local.ClearRoomSubscriptions(roomID)
		reply(wire.TypeDeleteRoomSuccess, wire.DeleteRoomSuccessData{
			RoomID:        string(roomID),
			TransactionID: string(txn.TransactionID),
			Message:       "Room deleted successfully",
		})
		return
	}

	c.broadcast(ctx, roomID, wire.TypeDeleteRoomCancelled, wire.DeleteRoomCancelledData{
		RoomID:        string(roomID),
		TransactionID: string(txn.TransactionID),
		Message:       "Room deletion was cancelled",
	})
	c.fail(reply, roomID, reason, wire.CodeDeletionFailed, string(txn.TransactionID))
}

// execute runs the PREPARE phase and then either the COMMIT or the
// ROLLBACK phase, returning whether the room was deleted and the abort
// reason when it was not.
func (c *Coordinator) execute(ctx context.Context, txn state.DeletionTransaction, roomID types.RoomID) (bool, string) {
	logging.Info(ctx, "Starting PREPARE phase",
		zap.String("transactionId", string(txn.TransactionID)),
		zap.Int("participants", len(txn.Participants)))

	allReady := true
	var abortReason string

	if len(txn.Participants) > 0 {
		req := wire.PrepareDeleteRoomRequest{
			RoomID:          string(roomID),
			TransactionID:   string(txn.TransactionID),
			CoordinatorNode: string(c.manager.NodeID()),
		}
		outcomes := peers.FanOut(ctx, txn.Participants, c.prepareTimeout, func(ctx context.Context, node types.NodeID) (*wire.PrepareDeleteRoomResponse, error) {
			return c.caller.PrepareDeleteRoom(ctx, node, req)
		})

		// An unreachable or slow participant counts as an ABORT. The
		// first abort in participant order decides the reported reason.
		for _, node := range txn.Participants {
			oc := outcomes[node]
			switch {
			case oc.Err != nil:
				logging.Error(ctx, "PREPARE call failed",
					zap.String("nodeId", string(node)),
					zap.String("transactionId", string(txn.TransactionID)),
					zap.Error(oc.Err))
				if abortReason == "" {
					abortReason = fmt.Sprintf("Node %s timed out", node)
				}
				allReady = false
				c.manager.RecordVote(txn.TransactionID, node, wire.VoteAbort)
			case oc.Value.Vote == wire.VoteAbort:
				reason := oc.Value.Reason
				if reason == "" {
					reason = fmt.Sprintf("Node %s voted ABORT", node)
				}
				logging.Warn(ctx, "Participant voted ABORT",
					zap.String("nodeId", string(node)),
					zap.String("reason", reason))
				if abortReason == "" {
					abortReason = reason
				}
				allReady = false
				c.manager.RecordVote(txn.TransactionID, node, wire.VoteAbort)
			default:
				c.manager.RecordVote(txn.TransactionID, node, wire.VoteReady)
			}
		}
	}

	if allReady {
		logging.Info(ctx, "All votes READY, committing",
			zap.String("transactionId", string(txn.TransactionID)))
		c.manager.TransitionToCommit(txn.TransactionID)
		c.sendDecision(ctx, txn, roomID, "COMMIT")
		c.manager.CompleteDeletion(txn.TransactionID)
		return true, ""
	}

	logging.Warn(ctx, "Rolling back deletion",
		zap.String("transactionId", string(txn.TransactionID)),
		zap.String("reason", abortReason))
	c.manager.TransitionToRollback(txn.TransactionID)
	c.sendDecision(ctx, txn, roomID, "ROLLBACK")
	c.manager.RollbackDeletion(txn.TransactionID)

	if abortReason == "" {
		abortReason = "Deletion failed"
	}
	return false, abortReason
}

// sendDecision pushes the COMMIT or ROLLBACK decision to every
// participant. A unanimous READY fixes the outcome, so a participant
// that misses the decision is only logged; the failure detector will
// reconcile it.
func (c *Coordinator) sendDecision(ctx context.Context, txn state.DeletionTransaction, roomID types.RoomID, phase string) {
	if len(txn.Participants) == 0 {
		return
	}

	outcomes := peers.FanOut(ctx, txn.Participants, c.commitTimeout, func(ctx context.Context, node types.NodeID) (struct{}, error) {
		var err error
		if phase == "COMMIT" {
			_, err = c.caller.CommitDeleteRoom(ctx, node, wire.CommitDeleteRoomRequest{
				RoomID:        string(roomID),
				TransactionID: string(txn.TransactionID),
			})
		} else {
			_, err = c.caller.RollbackDeleteRoom(ctx, node, wire.RollbackDeleteRoomRequest{
				RoomID:        string(roomID),
				TransactionID: string(txn.TransactionID),
			})
		}
		return struct{}{}, err
	})

	for node, oc := range outcomes {
		if oc.Err != nil {
			logging.Error(ctx, "Decision phase call failed",
				zap.String("phase", phase),
				zap.String("nodeId", string(node)),
				zap.String("transactionId", string(txn.TransactionID)),
				zap.Error(oc.Err))
		}
	}
}

func (c *Coordinator) fail(reply ReplyFunc, roomID types.RoomID, reason string, code wire.ErrorCode, txnID string) {
	reply(wire.TypeDeleteRoomFailed, wire.DeleteRoomFailedData{
		RoomID:        string(roomID),
		Reason:        reason,
		ErrorCode:     code,
		TransactionID: txnID,
	})
}

func (c *Coordinator) broadcast(ctx context.Context, roomID types.RoomID, frameType string, data any) {
	frame, err := wire.EncodeFrame(frameType, data)
	if err != nil {
		logging.Error(ctx, "Failed to encode broadcast frame",
			zap.String("frameType", frameType),
			zap.Error(err))
		return
	}
	c.local.BroadcastToRoom(roomID, frame)
	metrics.BroadcastFanout.WithLabelValues("local", "success").Inc()
}
