// Package config provides configuration for the agentwire server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentwire/agentwire/internal/protocol"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	WSPort     int // External WebSocket port
	HealthPort int // Internal HTTP port for /healthz

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Stream session settings
	RunTimeout        time.Duration
	HeartbeatInterval time.Duration
	FinalizeGrace     time.Duration
	AllowedEvents     map[protocol.EventType]bool // nil allows all canonical types

	// Checkpoints
	CheckpointDSN    string
	CheckpointMaxAge time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		WSPort:            getEnvInt("WS_PORT", 8090),
		HealthPort:        getEnvInt("HEALTH_PORT", 8091),
		PingInterval:      time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:      time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:       time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:    int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		RunTimeout:        time.Duration(getEnvInt("RUN_TIMEOUT_MS", 300000)) * time.Millisecond,
		HeartbeatInterval: time.Duration(getEnvInt("HEARTBEAT_INTERVAL_MS", 10000)) * time.Millisecond,
		FinalizeGrace:     time.Duration(getEnvInt("FINALIZE_GRACE_MS", 5000)) * time.Millisecond,
		AllowedEvents:     parseAllowedEvents(getEnv("ALLOWED_EVENTS", "")),
		CheckpointDSN:     getEnv("CHECKPOINT_DSN", "file:agentwire.db?cache=shared&mode=rwc"),
		CheckpointMaxAge:  time.Duration(getEnvInt("CHECKPOINT_MAX_AGE_MS", 7*24*3600*1000)) * time.Millisecond,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

// parseAllowedEvents builds the outbound allow-list from a comma-separated
// list of event types. Empty means "all canonical types".
func parseAllowedEvents(raw string) map[protocol.EventType]bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	allowed := make(map[protocol.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		t := protocol.EventType(strings.TrimSpace(part))
		if t != "" {
			allowed[t] = true
		}
	}
	return allowed
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
