package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for sched-sync.
type Config struct {
	// WebSocket endpoint of the automation platform, e.g.
	// ws://homeassistant.local:8123/api/websocket.
	ServerURL string `env:"SCHED_SERVER_URL"`

	// Long-lived access token presented during the auth handshake.
	AccessToken string `env:"SCHED_ACCESS_TOKEN"`

	// Schedulable entity this client subscribes to.
	EntityID string `env:"SCHED_ENTITY_ID"`

	// Reconnect backoff. Delay doubles per failed attempt from
	// InitialBackoff up to MaxBackoff; after MaxReconnectAttempts
	// consecutive failures the client stops retrying and surfaces a
	// terminal status.
	InitialBackoff       time.Duration `env:"SCHED_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff           time.Duration `env:"SCHED_MAX_BACKOFF" envDefault:"30s"`
	MaxReconnectAttempts int           `env:"SCHED_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`

	// How often the liveness check polls the channel for a silently
	// dead connection.
	LivenessInterval time.Duration `env:"SCHED_LIVENESS_INTERVAL" envDefault:"10s"`

	// How long a confirmed optimistic update stays in the pending
	// registry to catch late conflicting pushes.
	ConfirmGracePeriod time.Duration `env:"SCHED_CONFIRM_GRACE" envDefault:"5s"`

	// Path of the bbolt snapshot database. Defaults to
	// ~/.sched-sync/state.db when empty.
	StatePath string `env:"SCHED_STATE_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the access token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := defaultStatePath()
		if err != nil {
			return nil, err
		}
		cfg.StatePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SCHED_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("SCHED_SERVER_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("SCHED_SERVER_URL must use ws:// or wss://, got %q", u.Scheme)
	}

	if c.AccessToken == "" {
		return fmt.Errorf("SCHED_ACCESS_TOKEN is required")
	}

	if c.EntityID == "" {
		return fmt.Errorf("SCHED_ENTITY_ID is required")
	}

	if c.InitialBackoff <= 0 {
		return fmt.Errorf("SCHED_INITIAL_BACKOFF must be positive")
	}

	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("SCHED_MAX_BACKOFF must be >= SCHED_INITIAL_BACKOFF")
	}

	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("SCHED_MAX_RECONNECT_ATTEMPTS must be at least 1")
	}

	if c.LivenessInterval <= 0 {
		return fmt.Errorf("SCHED_LIVENESS_INTERVAL must be positive")
	}

	if c.ConfirmGracePeriod <= 0 {
		return fmt.Errorf("SCHED_CONFIRM_GRACE must be positive")
	}

	return nil
}

// defaultStatePath returns ~/.sched-sync/state.db.
func defaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".sched-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
