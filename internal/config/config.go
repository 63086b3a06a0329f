// Package config provides module and manager configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// ModuleConfig holds the process entry parameters of a module.
type ModuleConfig struct {
	// COMMS: connect to the NATS server at COMMSURL.
	COMMSURL string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`

	ModuleID   string `envconfig:"MODULE_ID"`
	Prefix     string `envconfig:"MODULE_PREFIX" default:"/usr"`
	ConfigPath string `envconfig:"MODULE_CONFIG"`

	// Subject namespace shared with the manager.
	SubjectPrefix string `envconfig:"EVEREST_PREFIX" default:"everest"`

	// Timeouts
	RequestTimeout time.Duration `envconfig:"MODULE_REQUEST_TIMEOUT" default:"10s"`
	DrainTimeout   time.Duration `envconfig:"MODULE_DRAIN_TIMEOUT" default:"5s"`

	// Mirrors errors onto the global subject; a manifest with
	// enable_global_errors turns it on as well.
	GlobalErrors bool `envconfig:"MODULE_GLOBAL_ERRORS" default:"false"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// ManagerConfig holds manager configuration.
type ManagerConfig struct {
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"manager"`

	SubjectPrefix string `envconfig:"EVEREST_PREFIX" default:"everest"`

	// Schema documents and the system configuration.
	SchemaDir    string `envconfig:"SCHEMA_DIR" default:"schemas"`
	ConfigFile   string `envconfig:"MANAGER_CONFIG_FILE"`
	// ConfigSource is "file" or "db". With "db" the stored config is used
	// when it is marked valid, otherwise ConfigFile seeds the database.
	ConfigSource string `envconfig:"MANAGER_CONFIG_SOURCE" default:"file"`
	WatchSchemas bool   `envconfig:"WATCH_SCHEMAS" default:"false"`

	RequestTimeout time.Duration `envconfig:"MANAGER_REQUEST_TIMEOUT" default:"10s"`

	// Database (optional; empty disables config persistence)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health endpoint (MANAGER_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"MANAGER_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadModuleConfig loads module configuration from environment variables.
func LoadModuleConfig() (*ModuleConfig, error) {
	var c ModuleConfig
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// LoadManagerConfig loads manager configuration from environment variables.
func LoadManagerConfig() (*ManagerConfig, error) {
	var c ManagerConfig
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// Validate checks the parameters needed to open the broker connection.
func (c *ModuleConfig) Validate() error {
	if c.ModuleID == "" {
		return fmt.Errorf("%s - MODULE_ID is required", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - MODULE_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForServe checks required config when running the manager.
func (c *ManagerConfig) ValidateForServe() error {
	switch c.ConfigSource {
	case "file":
		if c.ConfigFile == "" {
			return fmt.Errorf("%s - MANAGER_CONFIG_FILE is required for serve", logPrefix)
		}
	case "db":
		if err := c.ValidateForDB(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s - MANAGER_CONFIG_SOURCE must be file or db, got %q", logPrefix, c.ConfigSource)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - MANAGER_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, store).
func (c *ManagerConfig) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// ListenAddr returns the HTTP listen address.
func (c *ManagerConfig) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// ParseLogLevel maps LOG_LEVEL values to slog levels; unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
