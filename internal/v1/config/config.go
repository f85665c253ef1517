// Package config validates the environment the node starts from. Every
// problem is collected and reported in one pass so a misconfigured
// deployment fails with the full list instead of one error per restart.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for one chat node.
type Config struct {
	// Required variables
	NodeID           string
	ClientPort       string
	RPCPort          string
	RPCAdvertiseAddr string

	// Peer set: node_id -> RPC base address ("http://host:port").
	// Immutable after startup; an empty map is a single-node cluster.
	Peers map[string]string

	// Optional variables with defaults
	GoEnv          string
	LogLevel       string
	BindHost       string
	AllowedOrigins string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits in ulule/limiter formatted notation (M = minute, H = hour)
	RateLimitWsIP   string
	RateLimitWsUser string

	// Failure detector tuning; zero means use the detector's default.
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxHeartbeatFailures int
	CleanupInterval      time.Duration
	InactivityTimeout    time.Duration

	// Tracing
	OtelEnabled       bool
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns
// a Config object. Returns an error listing every invalid or missing
// variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: NODE_ID
	cfg.NodeID = os.Getenv("NODE_ID")
	if cfg.NodeID == "" {
		errors = append(errors, "NODE_ID is required")
	}

	// Required: CLIENT_PORT (valid port number)
	cfg.ClientPort = os.Getenv("CLIENT_PORT")
	if cfg.ClientPort == "" {
		errors = append(errors, "CLIENT_PORT is required")
	} else if !isValidPort(cfg.ClientPort) {
		errors = append(errors, fmt.Sprintf("CLIENT_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.ClientPort))
	}

	// Required: RPC_PORT (valid port number, distinct from CLIENT_PORT)
	cfg.RPCPort = os.Getenv("RPC_PORT")
	if cfg.RPCPort == "" {
		errors = append(errors, "RPC_PORT is required")
	} else if !isValidPort(cfg.RPCPort) {
		errors = append(errors, fmt.Sprintf("RPC_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.RPCPort))
	} else if cfg.RPCPort == cfg.ClientPort {
		errors = append(errors, "RPC_PORT must differ from CLIENT_PORT")
	}

	// Required: RPC_ADVERTISE_ADDR (format: host:port), the address
	// peers and discovering clients reach this node's RPC endpoint on.
	advertise := os.Getenv("RPC_ADVERTISE_ADDR")
	if advertise == "" {
		errors = append(errors, "RPC_ADVERTISE_ADDR is required")
	} else if !isValidHostPort(stripScheme(advertise)) {
		errors = append(errors, fmt.Sprintf("RPC_ADVERTISE_ADDR must be in format 'host:port' (got '%s')", advertise))
	} else {
		cfg.RPCAdvertiseAddr = ensureScheme(advertise)
	}

	// Optional: PEERS ("node2=host:9101,node3=host:9102")
	peers, peerErrs := parsePeers(os.Getenv("PEERS"), cfg.NodeID)
	cfg.Peers = peers
	errors = append(errors, peerErrs...)

	// Optional: BIND_HOST (defaults to all interfaces)
	cfg.BindHost = getEnvOrDefault("BIND_HOST", "0.0.0.0")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "30-M")

	// Failure detector overrides; unset keeps the detector defaults.
	cfg.HeartbeatInterval = parseDuration("HEARTBEAT_INTERVAL", &errors)
	cfg.HeartbeatTimeout = parseDuration("HEARTBEAT_TIMEOUT", &errors)
	cfg.CleanupInterval = parseDuration("CLEANUP_INTERVAL", &errors)
	cfg.InactivityTimeout = parseDuration("INACTIVITY_TIMEOUT", &errors)
	if raw := os.Getenv("MAX_HEARTBEAT_FAILURES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors = append(errors, fmt.Sprintf("MAX_HEARTBEAT_FAILURES must be a positive integer (got '%s')", raw))
		} else {
			cfg.MaxHeartbeatFailures = n
		}
	}

	// Tracing
	cfg.OtelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	if cfg.OtelEnabled {
		cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
		if cfg.OtelCollectorAddr == "" {
			errors = append(errors, "OTEL_COLLECTOR_ADDR is required when OTEL_ENABLED=true")
		}
	}

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// parsePeers decodes the PEERS variable: comma-separated
// "node_id=host:port" entries. Addresses without a scheme are
// normalized to http. The local node's own id may not appear.
func parsePeers(raw, self string) (map[string]string, []string) {
	peers := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return peers, nil
	}

	var errors []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, addr, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		addr = strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			errors = append(errors, fmt.Sprintf("PEERS entry must be 'node_id=host:port' (got '%s')", entry))
			continue
		}
		if id == self && self != "" {
			errors = append(errors, fmt.Sprintf("PEERS must not contain this node's own id ('%s')", id))
			continue
		}
		if !isValidHostPort(stripScheme(addr)) {
			errors = append(errors, fmt.Sprintf("PEERS address for '%s' must be 'host:port' (got '%s')", id, addr))
			continue
		}
		if _, dup := peers[id]; dup {
			errors = append(errors, fmt.Sprintf("PEERS contains duplicate node id '%s'", id))
			continue
		}
		peers[id] = ensureScheme(addr)
	}
	return peers, errors
}

// parseDuration reads an optional duration variable; empty means the
// caller's default applies.
func parseDuration(key string, errors *[]string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errors = append(*errors, fmt.Sprintf("%s must be a positive Go duration like '30s' (got '%s')", key, raw))
		return 0
	}
	return d
}

// isValidPort checks a bare port number string.
func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	if !isValidPort(parts[1]) {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// stripScheme removes an http:// or https:// prefix for host:port
// validation.
func stripScheme(addr string) string {
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	return addr
}

// ensureScheme normalizes an RPC address to a full http base URL.
func ensureScheme(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	peerIDs := make([]string, 0, len(cfg.Peers))
	for id := range cfg.Peers {
		peerIDs = append(peerIDs, id)
	}
	sort.Strings(peerIDs)

	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"node_id", cfg.NodeID,
		"client_port", cfg.ClientPort,
		"rpc_port", cfg.RPCPort,
		"rpc_advertise_addr", cfg.RPCAdvertiseAddr,
		"peers", strings.Join(peerIDs, ","),
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"otel_enabled", cfg.OtelEnabled,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
