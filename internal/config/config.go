package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// BackendURL is the base URL of the local session control service.
	BackendURL string
	// GatewayURL is the websocket URL of the signaling gateway.
	GatewayURL string
	// GatewaySecret is the shared secret presented on gateway connect.
	GatewaySecret string
	// SinkPath is where received H264 is written; "-" means stdout.
	SinkPath string
	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string

	// Timeouts for the individually suspendable protocol steps. Without
	// them a silent peer can leave the session stuck in Preparing or
	// Negotiating forever.
	ConnectTimeout   time.Duration
	AttachTimeout    time.Duration
	NegotiateTimeout time.Duration
	PlayingTimeout   time.Duration
}

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	backend := os.Getenv("CAMSTREAM_BACKEND_URL")
	if backend == "" {
		return nil, fmt.Errorf("CAMSTREAM_BACKEND_URL environment variable is required")
	}

	gateway := os.Getenv("CAMSTREAM_GATEWAY_URL")
	if gateway == "" {
		return nil, fmt.Errorf("CAMSTREAM_GATEWAY_URL environment variable is required")
	}

	cfg := &Config{
		BackendURL:       backend,
		GatewayURL:       gateway,
		GatewaySecret:    os.Getenv("CAMSTREAM_GATEWAY_SECRET"),
		SinkPath:         envOr("CAMSTREAM_SINK", "-"),
		LogLevel:         envOr("CAMSTREAM_LOG_LEVEL", "info"),
		ConnectTimeout:   10 * time.Second,
		AttachTimeout:    10 * time.Second,
		NegotiateTimeout: 15 * time.Second,
		PlayingTimeout:   20 * time.Second,
	}

	for _, tv := range []struct {
		name string
		dst  *time.Duration
	}{
		{"CAMSTREAM_CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"CAMSTREAM_ATTACH_TIMEOUT", &cfg.AttachTimeout},
		{"CAMSTREAM_NEGOTIATE_TIMEOUT", &cfg.NegotiateTimeout},
		{"CAMSTREAM_PLAYING_TIMEOUT", &cfg.PlayingTimeout},
	} {
		raw := os.Getenv(tv.name)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid duration %q: %w", tv.name, raw, err)
		}
		*tv.dst = d
	}

	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
