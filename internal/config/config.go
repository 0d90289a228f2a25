// Package config loads runtime configuration for a coordination core
// replica from environment variables, with defaults suitable for local
// development.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every component's configuration.
type Config struct {
	Replica      ReplicaConfig      `json:"replica"`
	Signaling    SignalingConfig    `json:"signaling"`
	Redis        RedisConfig        `json:"redis"`
	NATS         NATSConfig         `json:"nats"`
	STUN         STUNConfig         `json:"stun"`
	TURN         TURNConfig         `json:"turn"`
	Health       HealthConfig       `json:"health"`
	Sync         SyncConfig         `json:"sync"`
	Pattern      PatternConfig      `json:"pattern"`
	Logging      LoggingConfig      `json:"logging"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
}

// ReplicaConfig identifies this process within the swarm.
type ReplicaConfig struct {
	ID string `json:"id"`
}

// SignalingConfig configures the out-of-band discovery transport.
type SignalingConfig struct {
	URL               string        `json:"url"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	MaxAttempts       int           `json:"max_attempts"`
}

// RedisConfig configures the shared coordination-state cache.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NATSConfig configures the pattern/delta broadcast bus.
type NATSConfig struct {
	URL string `json:"url"`
}

// STUNConfig lists the STUN servers used for NAT classification.
type STUNConfig struct {
	Servers []string `json:"servers"`
}

// TURNConfig lists the TURN relay servers available as a fallback.
type TURNConfig struct {
	Servers []TURNServerConfig `json:"servers"`
}

// TURNServerConfig is one configured TURN relay.
type TURNServerConfig struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// HealthConfig tunes the per-peer health monitor.
type HealthConfig struct {
	CheckIntervalSeconds int `json:"check_interval_seconds"`
	PingTimeoutSeconds   int `json:"ping_timeout_seconds"`
	LatencySampleSize    int `json:"latency_sample_size"`
}

// SyncConfig tunes the sync orchestrator.
type SyncConfig struct {
	MaxBatchSize      int `json:"max_batch_size"`
	MaxBytesPerBatch  int `json:"max_bytes_per_batch"`
	RateLimitPerSec   int `json:"rate_limit_per_sec"`
	IntervalSeconds   int `json:"interval_seconds"`
}

// PatternConfig tunes the bounded pattern index.
type PatternConfig struct {
	MaxPatterns       int     `json:"max_patterns"`
	EvictionThreshold float64 `json:"eviction_threshold"`
}

// LoggingConfig controls the zap logger's verbosity.
type LoggingConfig struct {
	Level string `json:"level"`
}

// RateLimitConfig bounds outbound signaling/sync traffic per peer.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

// Load reads configuration from environment variables, falling back to
// development defaults for anything unset.
func Load() *Config {
	return &Config{
		Replica: ReplicaConfig{
			ID: getEnv("REPLICA_ID", ""),
		},
		Signaling: SignalingConfig{
			URL:               getEnv("SIGNALING_URL", "ws://localhost:9000/signal"),
			HeartbeatInterval: time.Duration(getEnvInt("SIGNALING_HEARTBEAT_SECONDS", 15)) * time.Second,
			MaxAttempts:       getEnvInt("SIGNALING_MAX_ATTEMPTS", 10),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		STUN: STUNConfig{
			Servers: getEnvList("STUN_SERVERS", []string{"stun.l.google.com:19302"}),
		},
		Health: HealthConfig{
			CheckIntervalSeconds: getEnvInt("HEALTH_CHECK_INTERVAL_SECONDS", 5),
			PingTimeoutSeconds:   getEnvInt("HEALTH_PING_TIMEOUT_SECONDS", 2),
			LatencySampleSize:    getEnvInt("HEALTH_LATENCY_SAMPLE_SIZE", 20),
		},
		Sync: SyncConfig{
			MaxBatchSize:     getEnvInt("SYNC_MAX_BATCH_SIZE", 50),
			MaxBytesPerBatch: getEnvInt("SYNC_MAX_BYTES_PER_BATCH", 1<<20),
			RateLimitPerSec:  getEnvInt("SYNC_RATE_LIMIT_PER_SEC", 20),
			IntervalSeconds:  getEnvInt("SYNC_INTERVAL_SECONDS", 30),
		},
		Pattern: PatternConfig{
			MaxPatterns:       getEnvInt("PATTERN_MAX_PATTERNS", 10000),
			EvictionThreshold: getEnvFloat("PATTERN_EVICTION_THRESHOLD", 0.9),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 1000),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 100),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				result = append(result, value[start:i])
			}
			start = i + 1
		}
	}
	return result
}
