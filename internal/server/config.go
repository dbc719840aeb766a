package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/groupchat/internal/membership"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// KeepAliveConfig bounds how long an idle or stalled connection survives.
type KeepAliveConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port             string
	AllowedOrigins   []string
	MaxMessageSize   int64
	MaxContentLength int
	RateLimit        RateLimitConfig
	KeepAlive        KeepAliveConfig
	SendBufferSize   int
	RegistryShards   int
	// StrictMembership restricts streams and mutations to chat members.
	StrictMembership bool
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:   4096,
		MaxContentLength: membership.MaxContentLength,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		KeepAlive: KeepAliveConfig{
			PingInterval: 54 * time.Second,
			PongWait:     60 * time.Second,
			WriteWait:    10 * time.Second,
		},
		SendBufferSize: 256,
		RegistryShards: 32,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = def.MaxContentLength
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.KeepAlive.PongWait <= 0 {
		cfg.KeepAlive.PongWait = def.KeepAlive.PongWait
	}
	// Pings must go out before the peer's read deadline expires.
	if cfg.KeepAlive.PingInterval <= 0 || cfg.KeepAlive.PingInterval >= cfg.KeepAlive.PongWait {
		cfg.KeepAlive.PingInterval = cfg.KeepAlive.PongWait * 9 / 10
	}
	if cfg.KeepAlive.WriteWait <= 0 {
		cfg.KeepAlive.WriteWait = def.KeepAlive.WriteWait
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.RegistryShards <= 0 {
		cfg.RegistryShards = def.RegistryShards
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		sanitizeConfig(defaultConfig())
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(sanitized)
}

// CurrentConfig returns a copy of the active configuration.
func CurrentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if maxContent := os.Getenv("MAX_CONTENT_LENGTH"); maxContent != "" {
		cfg.MaxContentLength = parseIntValue(maxContent, cfg.MaxContentLength)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}
	if ping := os.Getenv("PING_INTERVAL"); ping != "" {
		cfg.KeepAlive.PingInterval = parseDuration(ping, cfg.KeepAlive.PingInterval)
	}
	if pong := os.Getenv("PONG_WAIT"); pong != "" {
		cfg.KeepAlive.PongWait = parseDuration(pong, cfg.KeepAlive.PongWait)
	}
	if write := os.Getenv("WRITE_WAIT"); write != "" {
		cfg.KeepAlive.WriteWait = parseDuration(write, cfg.KeepAlive.WriteWait)
	}
	if buf := os.Getenv("SEND_BUFFER_SIZE"); buf != "" {
		cfg.SendBufferSize = parseIntValue(buf, cfg.SendBufferSize)
	}
	if shards := os.Getenv("REGISTRY_SHARDS"); shards != "" {
		cfg.RegistryShards = parseIntValue(shards, cfg.RegistryShards)
	}
	if strict := os.Getenv("STRICT_MEMBERSHIP"); strict != "" {
		if v, err := strconv.ParseBool(strict); err == nil {
			cfg.StrictMembership = v
		}
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts a Go duration ("54s") or a whole number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
