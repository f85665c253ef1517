// Package health serves the node's liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/peers"
	"github.com/meshchat/meshchat/internal/v1/types"
)

// heartbeatFunc probes one peer; the concrete value wraps the RPC
// client's Heartbeat method.
type heartbeatFunc func(ctx context.Context, peer types.NodeID) error

// Handler manages health check endpoints.
type Handler struct {
	redisClient *redis.Client
	registry    *peers.Registry
	probe       heartbeatFunc
	probeLimit  time.Duration
}

// NewHandler creates a health handler. redisClient may be nil when the
// node runs without Redis; probe may be nil to skip the informational
// peer reachability summary.
func NewHandler(redisClient *redis.Client, registry *peers.Registry, probe func(ctx context.Context, peer types.NodeID) error) *Handler {
	return &Handler{
		redisClient: redisClient,
		registry:    registry,
		probe:       probe,
		probeLimit:  2 * time.Second,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Peers     *PeerSummary      `json:"peers,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// PeerSummary is an informational count of reachable peers. Peers never
// gate readiness: a node with every peer down still serves its local
// rooms.
type PeerSummary struct {
	Configured  int `json:"configured"`
	Reachable   int `json:"reachable"`
	Unreachable int `json:"unreachable"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 when local dependencies are healthy, 503 otherwise.
// Peer reachability is reported but never fails the probe.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Peers:     h.peerSummary(ctx),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// No Redis configured means nothing to be unhealthy about.
	if h.redisClient == nil {
		return "healthy"
	}

	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// peerSummary probes every configured peer in parallel and counts the
// answers. Nil when no prober is wired or no peers are configured.
func (h *Handler) peerSummary(ctx context.Context) *PeerSummary {
	if h.probe == nil || h.registry == nil || h.registry.Len() == 0 {
		return nil
	}

	summary := &PeerSummary{Configured: h.registry.Len()}
	outcomes := peers.FanOut(ctx, h.registry.List(), h.probeLimit, func(ctx context.Context, node types.NodeID) (struct{}, error) {
		return struct{}{}, h.probe(ctx, node)
	})
	for _, oc := range outcomes {
		if oc.Err != nil {
			summary.Unreachable++
			continue
		}
		summary.Reachable++
	}
	return summary
}
