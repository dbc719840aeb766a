// Package config loads process-level settings from the environment. Settings
// of the websocket server itself live in server.Config.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/groupchat/internal/server"
)

// Config is everything cmd/server needs to assemble the process.
type Config struct {
	Server *server.Config

	StoreDriver string
	DatabaseDSN string

	JWTSecret string
	JWTIssuer string

	RedisAddr    string
	RedisChannel string

	KafkaBrokers []string
	KafkaTopic   string

	OTLPEndpoint string
	ServiceName  string
	SampleRatio  float64

	LogLevel  string
	LogFormat string

	ShutdownTimeout time.Duration
}

// DevJWTSecret is used when JWT_SECRET is unset. It must never reach production.
const DevJWTSecret = "groupchat-dev-secret"

// Load reads the environment, falling back to defaults.
func Load() Config {
	return Config{
		Server: server.NewConfigFromEnv(),

		StoreDriver: getEnv("STORE_DRIVER", "memory"),
		DatabaseDSN: getEnv("DATABASE_DSN", "groupchat.db"),

		JWTSecret: getEnv("JWT_SECRET", DevJWTSecret),
		JWTIssuer: getEnv("JWT_ISSUER", "groupchat"),

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "groupchat:broadcast"),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "chat.messages"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  getEnv("OTEL_SERVICE_NAME", "groupchat"),
		SampleRatio:  getFloatEnv("OTEL_TRACES_SAMPLER_ARG", 1.0),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return def
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
