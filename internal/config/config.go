package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for field-sync.
type Config struct {
	// Base URL of the field-data server, e.g. https://api.example.com.
	ServerURL string `env:"FIELD_SYNC_SERVER_URL"`

	// WebSocket presence endpoint. Empty derives ws(s)://<server>/presence
	// from ServerURL.
	PresenceURL string `env:"FIELD_SYNC_PRESENCE_URL"`

	// Directory holding the local database. Defaults to ~/.field-sync.
	DataDir string `env:"FIELD_SYNC_DATA_DIR"`

	// Directory the camera app writes captures into. Empty disables the
	// captures watcher.
	CapturesDir string `env:"FIELD_SYNC_CAPTURES_DIR"`

	// Optional YAML file limiting pulls to listed inspection ids.
	ScopeFile string `env:"FIELD_SYNC_SCOPE_FILE"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// How often a sync cycle runs regardless of connectivity events.
	SyncInterval time.Duration `env:"FIELD_SYNC_INTERVAL" envDefault:"5m"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
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

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "field-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".field-sync")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.PresenceURL == "" {
		derived, err := derivePresenceURL(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("deriving presence url: %w", err)
		}

		cfg.PresenceURL = derived
	}

	// Resolve directories to absolute paths at startup so downstream
	// path comparisons behave the same regardless of working directory.
	for _, dir := range []*string{&cfg.DataDir, &cfg.CapturesDir, &cfg.ScopeFile} {
		if *dir == "" {
			continue
		}

		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("resolving %q to absolute path: %w", *dir, err)
		}

		*dir = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("FIELD_SYNC_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("FIELD_SYNC_SERVER_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("FIELD_SYNC_SERVER_URL must be http or https, got %q", u.Scheme)
	}

	if c.SyncInterval < time.Second {
		return fmt.Errorf("FIELD_SYNC_INTERVAL must be at least 1s, got %s", c.SyncInterval)
	}

	return nil
}

// derivePresenceURL maps the server's http(s) base URL to its
// WebSocket presence endpoint.
func derivePresenceURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/presence"

	return u.String(), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
