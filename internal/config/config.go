// Package config provides Viper-based configuration loading for the session
// engine, the relay server and the headless client.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// propertySlots is the number of session properties carried in application data.
const propertySlots = 8

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RelayConfig holds websocket relay listener settings.
type RelayConfig struct {
	// Host is the bind address for the relay listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the relay listener.
	Port int `mapstructure:"port"`
	// ReadTimeout bounds the wait for the next frame from a peer.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds a single frame write to a peer.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval is the keepalive period; it must be shorter than ReadTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// MaxMessageBytes caps the size of one inbound frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// HostMigration hands a room to its oldest remaining member when the owner leaves.
	HostMigration bool `mapstructure:"host_migration"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ClientConfig holds the relay client settings used by the headless client.
type ClientConfig struct {
	// RelayURL is the websocket URL of the relay's connect endpoint.
	RelayURL string `mapstructure:"relay_url"`
	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// RequestTimeout bounds one request/response round trip to the relay.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SessionConfig holds session engine defaults.
type SessionConfig struct {
	// UpdateInterval is the period between Update ticks.
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	// Type is the session type created by default: "local", "system_link", "player_match" or "ranked".
	Type string `mapstructure:"type"`
	// MaxGamers is the session capacity, 2..31.
	MaxGamers int `mapstructure:"max_gamers"`
	// PrivateSlots is the number of slots reserved for invitees.
	PrivateSlots int `mapstructure:"private_slots"`
	// PropertyNames names the application-data attributes of the eight property slots.
	PropertyNames []string `mapstructure:"property_names"`
	// InboundBuffer is the capacity of the history recorder's event buffer.
	InboundBuffer int `mapstructure:"inbound_buffer"`
}

// IdentityConfig holds identity service settings.
type IdentityConfig struct {
	// RosterPath is the YAML file listing the signed-in local users.
	RosterPath string `mapstructure:"roster_path"`
}

// HistoryConfig controls session history recording.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DirectoryConfig controls publication of the relay's rooms to Redis.
type DirectoryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces the per-relay room hashes: <prefix>:<relay_id>.
	Prefix string `mapstructure:"prefix"`
	// Channel receives a notice each time a relay republishes its rooms.
	Channel string `mapstructure:"channel"`
	// TTL expires a relay's rooms if it stops refreshing them.
	TTL time.Duration `mapstructure:"ttl"`
	// RelayID names this relay in the directory. Empty derives one from the
	// host name and relay port.
	RelayID string `mapstructure:"relay_id"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Session   SessionConfig   `mapstructure:"session"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Client    ClientConfig    `mapstructure:"client"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	History   HistoryConfig   `mapstructure:"history"`
	Directory DirectoryConfig `mapstructure:"directory"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateClient(c.Client); err != nil {
		errs = append(errs, err.Error())
	}
	if c.History.Enabled {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Directory.Enabled {
		if err := validateDirectory(c.Directory); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.UpdateInterval <= 0 {
		errs = append(errs, fmt.Sprintf("session.update_interval must be > 0, got %s", s.UpdateInterval))
	}
	validTypes := map[string]bool{"local": true, "system_link": true, "player_match": true, "ranked": true}
	if !validTypes[s.Type] {
		errs = append(errs, fmt.Sprintf("session.type must be one of [local, system_link, player_match, ranked], got %q", s.Type))
	}
	if s.MaxGamers < 2 || s.MaxGamers > 31 {
		errs = append(errs, fmt.Sprintf("session.max_gamers must be 2-31, got %d", s.MaxGamers))
	}
	if s.PrivateSlots < 0 || s.PrivateSlots > s.MaxGamers {
		errs = append(errs, fmt.Sprintf("session.private_slots must be 0-max_gamers, got %d", s.PrivateSlots))
	}
	if len(s.PropertyNames) > propertySlots {
		errs = append(errs, fmt.Sprintf("session.property_names allows at most %d names, got %d", propertySlots, len(s.PropertyNames)))
	}
	if s.InboundBuffer < 1 {
		errs = append(errs, fmt.Sprintf("session.inbound_buffer must be >= 1, got %d", s.InboundBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Sprintf("relay.port must be 1-65535, got %d", r.Port))
	}
	if r.ReadTimeout < 0 {
		errs = append(errs, "relay.read_timeout must not be negative")
	}
	if r.WriteTimeout < 0 {
		errs = append(errs, "relay.write_timeout must not be negative")
	}
	if r.PingInterval <= 0 {
		errs = append(errs, "relay.ping_interval must be > 0")
	} else if r.ReadTimeout > 0 && r.PingInterval >= r.ReadTimeout {
		errs = append(errs, "relay.ping_interval must be shorter than relay.read_timeout")
	}
	if r.MaxMessageBytes < 64 {
		errs = append(errs, fmt.Sprintf("relay.max_message_bytes must be >= 64, got %d", r.MaxMessageBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	if c.RelayURL != "" && !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		errs = append(errs, fmt.Sprintf("client.relay_url must be a ws:// or wss:// URL, got %q", c.RelayURL))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, "client.dial_timeout must be > 0")
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "client.request_timeout must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDirectory(d DirectoryConfig) error {
	var errs []string
	if d.Addr == "" {
		errs = append(errs, "directory.addr must not be empty")
	}
	if d.DB < 0 {
		errs = append(errs, fmt.Sprintf("directory.db must be >= 0, got %d", d.DB))
	}
	if d.Prefix == "" {
		errs = append(errs, "directory.prefix must not be empty")
	}
	if d.Channel == "" {
		errs = append(errs, "directory.channel must not be empty")
	}
	if d.TTL < time.Second {
		errs = append(errs, fmt.Sprintf("directory.ttl must be >= 1s, got %s", d.TTL))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with NETSESSION_ prefix
	v.SetEnvPrefix("NETSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance holding only the built-in defaults.
//
// Postcondition: LoadFromViper(Defaults()) succeeds.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("session.update_interval", "50ms")
	v.SetDefault("session.type", "player_match")
	v.SetDefault("session.max_gamers", 8)
	v.SetDefault("session.private_slots", 0)
	v.SetDefault("session.inbound_buffer", 256)

	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", 7777)
	v.SetDefault("relay.read_timeout", "60s")
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.ping_interval", "20s")
	v.SetDefault("relay.max_message_bytes", 64*1024)
	v.SetDefault("relay.host_migration", true)

	v.SetDefault("client.relay_url", "ws://127.0.0.1:7777/connect")
	v.SetDefault("client.dial_timeout", "5s")
	v.SetDefault("client.request_timeout", "5s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "netsession")
	v.SetDefault("database.password", "netsession")
	v.SetDefault("database.name", "netsession")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("identity.roster_path", "configs/roster.yaml")

	v.SetDefault("history.enabled", false)

	v.SetDefault("directory.enabled", false)
	v.SetDefault("directory.addr", "localhost:6379")
	v.SetDefault("directory.db", 0)
	v.SetDefault("directory.prefix", "netsession:rooms")
	v.SetDefault("directory.channel", "netsession:rooms:changed")
	v.SetDefault("directory.ttl", "30s")
	v.SetDefault("directory.relay_id", "")
}
