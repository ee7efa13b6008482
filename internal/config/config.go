// Package config provides broker node configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds fitable-broker configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"fitable-broker"`
	// NATSClientURL is the NATS URL peers are told to use for this node's
	// fitables. Empty means COMMSURL.
	NATSClientURL string `envconfig:"NATS_CLIENT_URL"`

	// Node identity and subjects. An empty NodeID is generated at startup.
	NodeID             string `envconfig:"NODE_ID"`
	SubjectPrefix      string `envconfig:"BROKER_SUBJECT_PREFIX" default:"fit"`
	ChangeEventSubject string `envconfig:"BROKER_CHANGE_EVENT_SUBJECT"`

	// Timeouts
	InvokeTimeout  time.Duration `envconfig:"INVOKE_TIMEOUT" default:"3s"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`

	// Manifest
	ManifestFile string `envconfig:"BROKER_MANIFEST_FILE"`

	// Discovery and hosting
	DiscoveryEnabled    bool   `envconfig:"DISCOVERY_ENABLED" default:"true"`
	HostMemorySource    bool   `envconfig:"HOST_MEMORY_SOURCE" default:"false"`
	MemorySourceFitable string `envconfig:"MEMORY_SOURCE_FITABLE_ID" default:"memory-source"`

	// Database (optional; bindings stay in memory without it)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH"`

	// HTTP endpoint (BROKER_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"BROKER_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// ValidateForServe checks required config when running a broker node.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " \t*>") {
		return fmt.Errorf("%s - BROKER_SUBJECT_PREFIX %q is not a valid subject prefix", logPrefix, c.SubjectPrefix)
	}
	if strings.ContainsAny(c.NodeID, " \t*>.") {
		return fmt.Errorf("%s - NODE_ID %q must be a single subject token", logPrefix, c.NodeID)
	}
	if c.InvokeTimeout <= 0 {
		return fmt.Errorf("%s - INVOKE_TIMEOUT must be positive", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.HTTPAddr == "" && (c.HTTPPort < 0 || c.HTTPPort > 65535) {
		return fmt.Errorf("%s - HTTP_PORT %d out of range", logPrefix, c.HTTPPort)
	}
	if c.HostMemorySource && c.MemorySourceFitable == "" {
		return fmt.Errorf("%s - MEMORY_SOURCE_FITABLE_ID is required when HOST_MEMORY_SOURCE is set", logPrefix)
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		return fmt.Errorf("%s - LOG_LEVEL %q must be debug, info, warn or error", logPrefix, c.LogLevel)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, ensure-db).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// AdvertisedURL returns the NATS URL announced to peers.
func (c *Config) AdvertisedURL() string {
	if c.NATSClientURL != "" {
		return c.NATSClientURL
	}
	return c.COMMSURL
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
