package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/v1/config"
	"github.com/meshchat/meshchat/internal/v1/detector"
	"github.com/meshchat/meshchat/internal/v1/health"
	"github.com/meshchat/meshchat/internal/v1/logging"
	"github.com/meshchat/meshchat/internal/v1/middleware"
	"github.com/meshchat/meshchat/internal/v1/peers"
	"github.com/meshchat/meshchat/internal/v1/ratelimit"
	"github.com/meshchat/meshchat/internal/v1/rpc"
	"github.com/meshchat/meshchat/internal/v1/state"
	"github.com/meshchat/meshchat/internal/v1/tracing"
	"github.com/meshchat/meshchat/internal/v1/transport"
	"github.com/meshchat/meshchat/internal/v1/types"
)

const serviceName = "meshchat-node"

func main() {
	// Load .env for local development. Try a few paths so the binary
	// works from the repo root as well as from cmd/v1/node.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Error(context.Background(), "Environment validation failed", zap.Error(err))
		os.Exit(1)
	}

	development := cfg.GoEnv == "development"
	if err := logging.Initialize(development); err != nil {
		os.Exit(1)
	}

	ctx := context.Background()

	// --- Tracing (optional) ---
	var tracerProvider interface {
		Shutdown(ctx context.Context) error
	}
	if cfg.OtelEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.NodeID, cfg.OtelCollectorAddr)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing", zap.Error(err))
			os.Exit(1)
		}
		tracerProvider = tp
		logging.Info(ctx, "Tracing initialized", zap.String("collector", cfg.OtelCollectorAddr))
	}

	// --- Redis (optional) ---
	// Redis backs the distributed rate limiter. A failed connection
	// falls back to the in-memory store rather than blocking startup.
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logging.Warn(ctx, "Redis unreachable, using in-memory rate limiting", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		} else {
			logging.Info(ctx, "Redis connected", zap.String("addr", cfg.RedisAddr))
		}
		cancel()
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "Failed to initialize rate limiter", zap.Error(err))
		os.Exit(1)
	}

	// --- Cluster runtime ---
	self := types.NodeID(cfg.NodeID)
	peerAddrs := make(map[types.NodeID]string, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		peerAddrs[types.NodeID(id)] = addr
	}

	manager := state.NewManager(self)
	registry := peers.NewRegistry(self, peerAddrs)
	rpcClient := rpc.NewClient(registry, 10*time.Second)

	hub := transport.NewHub(manager, registry, rpcClient, rateLimiter, allowedOrigins(cfg))
	rpcServer := rpc.NewServer(manager, registry, rpcClient, hub, cfg.RPCAdvertiseAddr)

	det := detector.NewDetector(ctx, manager, registry, rpcClient, hub, detector.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		MaxFailures:       cfg.MaxHeartbeatFailures,
		CleanupInterval:   cfg.CleanupInterval,
		InactivityTimeout: cfg.InactivityTimeout,
	})
	det.Start()

	// --- Client-facing server: WebSocket, health, metrics ---
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	clientRouter := gin.New()
	clientRouter.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg)
	clientRouter.Use(cors.New(corsConfig))

	clientRouter.GET("/ws", hub.ServeWs)
	clientRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))

	probe := func(ctx context.Context, peer types.NodeID) error {
		_, err := rpcClient.Heartbeat(ctx, peer)
		return err
	}
	healthHandler := health.NewHandler(redisClient, registry, probe)
	clientRouter.GET("/health/live", healthHandler.Liveness)
	clientRouter.GET("/health/ready", healthHandler.Readiness)

	// --- Peer-facing RPC server ---
	rpcRouter := gin.New()
	rpcRouter.Use(gin.Recovery())
	rpcRouter.Use(middleware.CorrelationID())
	if cfg.OtelEnabled {
		rpcRouter.Use(otelgin.Middleware(serviceName))
	}
	rpcServer.Register(rpcRouter)

	clientSrv := &http.Server{
		Addr:    cfg.BindHost + ":" + cfg.ClientPort,
		Handler: clientRouter,
	}
	rpcSrv := &http.Server{
		Addr:    cfg.BindHost + ":" + cfg.RPCPort,
		Handler: rpcRouter,
	}

	go func() {
		logging.Info(ctx, "Client server starting",
			zap.String("nodeId", cfg.NodeID),
			zap.String("addr", clientSrv.Addr))
		if err := clientSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Client server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	go func() {
		logging.Info(ctx, "RPC server starting",
			zap.String("addr", rpcSrv.Addr),
			zap.Int("peers", len(peerAddrs)))
		if err := rpcSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "RPC server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down node...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := det.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Detector shutdown error", zap.Error(err))
	}

	// Close client sessions before the listeners so every session gets
	// a close frame.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Hub shutdown error", zap.Error(err))
	}

	if err := clientSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Client server forced to shutdown", zap.Error(err))
	}
	if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "RPC server forced to shutdown", zap.Error(err))
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logging.Error(shutdownCtx, "Tracer shutdown error", zap.Error(err))
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logging.Error(shutdownCtx, "Failed to close Redis connection", zap.Error(err))
		}
	}

	logging.Info(ctx, "Node exiting")
}

// allowedOrigins splits the comma-separated ALLOWED_ORIGINS value,
// defaulting to localhost for development setups.
func allowedOrigins(cfg *config.Config) []string {
	if cfg.AllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(cfg.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
