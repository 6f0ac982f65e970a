// ABOUTME: Configuration loading and parsing for session-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Presence backends.
const (
	PresenceBackendSQLite = "sqlite"
	PresenceBackendRedis  = "redis"
	PresenceBackendMemory = "memory"
)

// Engine kinds.
const (
	EngineMatrix = "matrix"
	EngineFake   = "fake"
)

// DefaultFakeRecipientSuffix is the recipient suffix used with the fake engine.
const DefaultFakeRecipientSuffix = "@c.us"

// Config represents the complete session-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves the HTTP API on :443 with certificates provisioned by Tailscale.
	HTTPS bool `yaml:"https" toml:"https"`
}

// DatabaseConfig holds SQLite configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo).
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// PresenceConfig selects where presence records are kept
type PresenceConfig struct {
	Backend string      `yaml:"backend" toml:"backend"`
	Redis   RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig holds Redis connection settings for the redis presence backend
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// SessionsConfig holds the lifecycle policy shared by every session
type SessionsConfig struct {
	// AuthEnabled surfaces auth challenges as qr events. When false the
	// challenge is still tracked but never broadcast (silent re-auth).
	AuthEnabled bool `yaml:"auth_enabled" toml:"auth_enabled"`
	// SingleShot removes a session from the registry when it disconnects,
	// so it has to be initialized again from scratch.
	SingleShot bool `yaml:"single_shot" toml:"single_shot"`
	// RecipientSuffix is appended to outbound recipients, e.g. "@c.us".
	// Unset, it is "@c.us" for the fake engine and empty for matrix, whose
	// recipients are room IDs and aliases.
	RecipientSuffix    string  `yaml:"-" toml:"-"`
	RecipientSuffixRaw *string `yaml:"recipient_suffix" toml:"recipient_suffix"`

	MessageDedupeTTL    time.Duration `yaml:"-" toml:"-"`
	MessageDedupeTTLRaw string        `yaml:"message_dedupe_ttl" toml:"message_dedupe_ttl"`
}

// EngineConfig selects and configures the chat-protocol engine
type EngineConfig struct {
	Kind   string       `yaml:"kind" toml:"kind"`
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// MatrixConfig configures the Matrix engine
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver" toml:"homeserver"`
	// CallbackURL is the externally reachable base URL of this gateway; the
	// SSO redirect lands on {CallbackURL}/sso/callback.
	CallbackURL string `yaml:"callback_url" toml:"callback_url"`
	DeviceName  string `yaml:"device_name" toml:"device_name"`
	// Markdown renders outbound messages as HTML formatted bodies.
	Markdown bool `yaml:"markdown" toml:"markdown"`
}

// EventsConfig holds real-time channel configuration
type EventsConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
	// QRTerminal prints auth challenges as QR codes when stdout is a terminal.
	QRTerminal bool `yaml:"qr_terminal" toml:"qr_terminal"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration content. It applies defaults, parses
// durations and validates the result.
func Parse(content string, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(content)

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with the values used when a field is
// absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "0.0.0.0:5000",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Presence: PresenceConfig{
			Backend: PresenceBackendSQLite,
		},
		Sessions: SessionsConfig{
			AuthEnabled: true,
			SingleShot:  true,
		},
		Engine: EngineConfig{
			Kind: EngineMatrix,
			Matrix: MatrixConfig{
				DeviceName: "session-gateway",
			},
		},
		Events: EventsConfig{
			SubscriberBuffer: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills zero values that a decoded file may have cleared.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Presence.Backend == "" {
		c.Presence.Backend = PresenceBackendSQLite
	}
	if c.Presence.Redis.KeyPrefix == "" {
		c.Presence.Redis.KeyPrefix = "presence:"
	}
	if c.Engine.Kind == "" {
		c.Engine.Kind = EngineMatrix
	}
	if c.Events.SubscriberBuffer <= 0 {
		c.Events.SubscriberBuffer = 64
	}
	if c.Sessions.MessageDedupeTTL == 0 {
		c.Sessions.MessageDedupeTTL = 5 * time.Minute
	}

	switch {
	case c.Sessions.RecipientSuffixRaw != nil:
		c.Sessions.RecipientSuffix = *c.Sessions.RecipientSuffixRaw
	case c.Engine.Kind == EngineFake:
		c.Sessions.RecipientSuffix = DefaultFakeRecipientSuffix
	default:
		c.Sessions.RecipientSuffix = ""
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch c.Presence.Backend {
	case PresenceBackendSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite presence backend")
		}
	case PresenceBackendRedis:
		if c.Presence.Redis.Addr == "" {
			return fmt.Errorf("presence.redis.addr is required for the redis presence backend")
		}
	case PresenceBackendMemory:
	default:
		return fmt.Errorf("unknown presence.backend %q", c.Presence.Backend)
	}

	switch c.Engine.Kind {
	case EngineMatrix:
		if c.Engine.Matrix.Homeserver == "" {
			return fmt.Errorf("engine.matrix.homeserver is required")
		}
		if c.Engine.Matrix.CallbackURL == "" {
			return fmt.Errorf("engine.matrix.callback_url is required")
		}
		// Matrix credentials live in the sqlite database
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the matrix engine")
		}
		// A suffix would turn !room:server into a room that does not exist
		if c.Sessions.RecipientSuffix != "" {
			return fmt.Errorf("sessions.recipient_suffix must be empty for the matrix engine, got %q", c.Sessions.RecipientSuffix)
		}
	case EngineFake:
	default:
		return fmt.Errorf("unknown engine.kind %q", c.Engine.Kind)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Sessions.MessageDedupeTTLRaw != "" {
		d, err := time.ParseDuration(cfg.Sessions.MessageDedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing message_dedupe_ttl %q: %w", cfg.Sessions.MessageDedupeTTLRaw, err)
		}
		cfg.Sessions.MessageDedupeTTL = d
	}
	return nil
}
