// Package config loads server settings from the environment, with an
// optional .env file for development.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server reads from the environment.
type Config struct {
	// Port the HTTP/WebSocket listener binds to.
	Port string

	// MongoURI is the durable store connection string. Empty means run
	// with the in-memory store only.
	MongoURI      string
	MongoDatabase string

	// JWTSecret signs device tokens. Required.
	JWTSecret string

	// DeviceCredentials is the provisioned device_id→secret set used by
	// the device auth endpoint. Parsed from DEVICE_CREDENTIALS as
	// "id:secret,id:secret".
	DeviceCredentials map[string]string

	// TelemetrySampleWindow is the minimum gap between persisted
	// telemetry samples per device.
	TelemetrySampleWindow time.Duration

	// CommandAckTimeout auto-fails commands unacknowledged for this
	// long. Zero disables the reaper.
	CommandAckTimeout time.Duration

	// PersistQueueSize bounds the durable-write queue.
	PersistQueueSize int

	// ObserverQueueSize bounds each observer's outbound frame queue.
	ObserverQueueSize int

	// LogFile, when set, sends logs to a size-rotated file instead of
	// stderr.
	LogFile string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		MongoURI:              os.Getenv("MONGODB_URI"),
		MongoDatabase:         getEnv("MONGODB_DATABASE", "fleetcc"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		DeviceCredentials:     parseCredentials(os.Getenv("DEVICE_CREDENTIALS")),
		TelemetrySampleWindow: getDurationEnv("TELEMETRY_SAMPLE_WINDOW", 5*time.Second),
		CommandAckTimeout:     getDurationEnv("COMMAND_ACK_TIMEOUT", 0),
		PersistQueueSize:      getIntEnv("PERSIST_QUEUE_SIZE", 1024),
		ObserverQueueSize:     getIntEnv("OBSERVER_QUEUE_SIZE", 256),
		LogFile:               os.Getenv("LOG_FILE"),
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return cfg, nil
}

func parseCredentials(raw string) map[string]string {
	creds := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		id, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" || secret == "" {
			continue
		}
		creds[id] = secret
	}
	return creds
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
