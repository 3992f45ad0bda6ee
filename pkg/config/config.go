// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

const (
	defaultPort             = 3000
	defaultDBPath           = "./data/errly.db"
	defaultMaxSubscriptions = 50
	defaultMaxSSEClients    = 100

	// minPasswordLength is advisory: shorter passwords log a warning but do
	// not prevent startup.
	minPasswordLength = 8
)

// Config is the full service configuration, resolved from environment
// variables (optionally seeded from a .env file by the caller).
type Config struct {
	// Password protects the dashboard login surface. Required.
	Password string

	// Port is the HTTP listen port.
	Port int

	// DBPath is the SQLite database file location.
	DBPath string

	// Env mirrors NODE_ENV from the deploy template ("production" selects
	// release-mode HTTP handling).
	Env string

	// MaxSubscriptions caps concurrent deployment log subscriptions.
	MaxSubscriptions int

	// MaxSSEClients caps concurrent dashboard push connections.
	MaxSSEClients int

	Railway RailwayConfig
}

// RailwayConfig holds the platform-API credentials and scope. Auto-capture
// runs only when both the token and the project id are present.
type RailwayConfig struct {
	APIToken        string
	ProjectID       string
	EnvironmentName string
	// ServiceID is errly's own service id; its deployments are excluded
	// from discovery so the watcher never ingests its own logs.
	ServiceID string
}

// AutoCaptureEnabled reports whether the log watcher should run.
func (r RailwayConfig) AutoCaptureEnabled() bool {
	return r.APIToken != "" && r.ProjectID != ""
}

// Production reports whether the service runs in release mode.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Load resolves configuration from the environment, applying defaults and
// logging advisory warnings for soft misconfiguration.
func Load() (*Config, error) {
	cfg := &Config{
		Password:         os.Getenv("ERRLY_PASSWORD"),
		Port:             intEnv("PORT", defaultPort),
		DBPath:           getEnvOrDefault("ERRLY_DB_PATH", defaultDBPath),
		Env:              os.Getenv("NODE_ENV"),
		MaxSubscriptions: intEnv("ERRLY_MAX_SUBSCRIPTIONS", defaultMaxSubscriptions),
		MaxSSEClients:    intEnv("ERRLY_MAX_SSE_CLIENTS", defaultMaxSSEClients),
		Railway: RailwayConfig{
			APIToken:        os.Getenv("RAILWAY_API_TOKEN"),
			ProjectID:       os.Getenv("RAILWAY_PROJECT_ID"),
			EnvironmentName: os.Getenv("RAILWAY_ENVIRONMENT_NAME"),
			ServiceID:       os.Getenv("RAILWAY_SERVICE_ID"),
		},
	}

	if cfg.Password == "" {
		return nil, fmt.Errorf("ERRLY_PASSWORD is required")
	}
	if len(cfg.Password) < minPasswordLength {
		slog.Warn("ERRLY_PASSWORD is shorter than recommended",
			"min_length", minPasswordLength)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", cfg.Port)
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = defaultMaxSubscriptions
	}
	if cfg.MaxSSEClients <= 0 {
		cfg.MaxSSEClients = defaultMaxSSEClients
	}

	if cfg.Railway.APIToken != "" && cfg.Railway.ProjectID == "" {
		slog.Warn("RAILWAY_API_TOKEN is set but RAILWAY_PROJECT_ID is missing; auto-capture disabled")
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring non-numeric environment value", "key", key, "value", raw)
		return defaultVal
	}
	return n
}
