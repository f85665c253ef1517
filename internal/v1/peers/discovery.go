package peers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/types"
	"github.com/meshchat/meshchat/internal/v1/wire"
)

// DefaultDiscoverTimeout is the aggregate deadline for querying all
// peers during global room discovery.
const DefaultDiscoverTimeout = 3 * time.Second

// DiscoverGlobalRooms queries every peer for its hosted rooms in
// parallel and merges the answers with this node's local list. Peers
// that fail or time out land in nodes_unavailable and never fail the
// discovery; the local node always counts as queried and available.
func (r *Registry) DiscoverGlobalRooms(ctx context.Context, caller types.PeerCaller, timeout time.Duration, localRooms []wire.RoomSummary) wire.GlobalRoomsListData {
	rooms := append([]wire.RoomSummary(nil), localRooms...)
	queried := []string{string(r.self)}
	available := []string{string(r.self)}
	unavailable := []string{}

	outcomes := FanOut(ctx, r.order, timeout, func(ctx context.Context, node types.NodeID) (*wire.GetHostedRoomsResponse, error) {
		return caller.GetHostedRooms(ctx, node)
	})

	for _, node := range r.order {
		queried = append(queried, string(node))
		oc := outcomes[node]
		if oc.Err != nil || !oc.Value.Success {
			unavailable = append(unavailable, string(node))
			logging.Warn(ctx, "Failed to query peer for rooms",
				zap.String("nodeId", string(node)),
				zap.Error(oc.Err))
			continue
		}
		rooms = append(rooms, oc.Value.Rooms...)
		available = append(available, string(node))
	}

	logging.Info(ctx, "Global room discovery complete",
		zap.Int("rooms", len(rooms)),
		zap.Int("nodesAvailable", len(available)),
		zap.Int("nodesUnavailable", len(unavailable)))

	return wire.GlobalRoomsListData{
		Rooms:            rooms,
		TotalCount:       len(rooms),
		NodesQueried:     queried,
		NodesAvailable:   available,
		NodesUnavailable: unavailable,
	}
}
