// Package config provides Viper-based configuration loading for matchlink.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendConfig holds the static deployment parameters of the multiplayer backend.
type BackendConfig struct {
	// Scheme is "http" or "https"; the socket uses "ws" or "wss" accordingly.
	Scheme string `mapstructure:"scheme"`
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	// ServerKey is sent as the basic-auth user on authentication requests.
	ServerKey string `mapstructure:"server_key"`
	// Timeout bounds every HTTP request and every socket request/response pair.
	Timeout time.Duration `mapstructure:"timeout"`
}

// BaseURL returns the HTTP base URL of the backend API.
//
// Postcondition: Returns a string of the form "scheme://host:port".
func (b BackendConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", b.Scheme, b.Host, b.Port)
}

// SocketURL returns the realtime socket endpoint without query parameters.
//
// Postcondition: Returns "ws://host:port/ws" for http and "wss://host:port/ws" for https.
func (b BackendConfig) SocketURL() string {
	scheme := "ws"
	if b.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, b.Host, b.Port)
}

// MatchmakerConfig holds the parameters used by quick match.
type MatchmakerConfig struct {
	Query    string `mapstructure:"query"`
	MinCount int    `mapstructure:"min_count"`
	MaxCount int    `mapstructure:"max_count"`
}

// RelayConfig selects the encoding of relayed match state.
type RelayConfig struct {
	// Codec is "json" or "protobuf".
	Codec string `mapstructure:"codec"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds PostgreSQL connection settings for the session journal.
type DatabaseConfig struct {
	// Enabled turns the journal on; the remaining fields are ignored when false.
	Enabled         bool          `mapstructure:"enabled"`
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

// HealthConfig holds the gRPC health endpoint settings of the bot.
type HealthConfig struct {
	Host string `mapstructure:"host"`
	// Port 0 disables the endpoint.
	Port int `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// Bot modes.
const (
	BotModeCreate = "create"
	BotModeJoin   = "join"
	BotModeQuick  = "quick"
	BotModeList   = "list"
)

// BotConfig holds the headless player's behaviour.
type BotConfig struct {
	UserName   string `mapstructure:"user_name"`
	Mode       string `mapstructure:"mode"`
	RoomName   string `mapstructure:"room_name"`
	RoomID     string `mapstructure:"room_id"`
	MaxPlayers int    `mapstructure:"max_players"`
	Private    bool   `mapstructure:"private"`
	// Script is the path to the YAML action script; empty means the bot sends nothing
	// and registers no action handlers.
	Script string `mapstructure:"script"`
}

// Config is the top-level application configuration.
type Config struct {
	Backend    BackendConfig    `mapstructure:"backend"`
	Matchmaker MatchmakerConfig `mapstructure:"matchmaker"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Health     HealthConfig     `mapstructure:"health"`
	Bot        BotConfig        `mapstructure:"bot"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateBackend(c.Backend),
		validateMatchmaker(c.Matchmaker),
		validateRelay(c.Relay),
		validateLogging(c.Logging),
		validateDatabase(c.Database),
		validateHealth(c.Health),
		validateBot(c.Bot),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBackend(b BackendConfig) error {
	var errs []string
	if b.Scheme != "http" && b.Scheme != "https" {
		errs = append(errs, fmt.Sprintf("backend.scheme must be one of [http, https], got %q", b.Scheme))
	}
	if b.Host == "" {
		errs = append(errs, "backend.host must not be empty")
	}
	if b.Port < 1 || b.Port > 65535 {
		errs = append(errs, fmt.Sprintf("backend.port must be 1-65535, got %d", b.Port))
	}
	if b.ServerKey == "" {
		errs = append(errs, "backend.server_key must not be empty")
	}
	if b.Timeout <= 0 {
		errs = append(errs, "backend.timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateMatchmaker(m MatchmakerConfig) error {
	var errs []string
	if m.MinCount < 2 {
		errs = append(errs, fmt.Sprintf("matchmaker.min_count must be >= 2, got %d", m.MinCount))
	}
	if m.MaxCount < m.MinCount {
		errs = append(errs, "matchmaker.max_count must not be less than matchmaker.min_count")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	if r.Codec != "json" && r.Codec != "protobuf" {
		return fmt.Errorf("relay.codec must be one of [json, protobuf], got %q", r.Codec)
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

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
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

func validateHealth(h HealthConfig) error {
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("health.port must be 0-65535, got %d", h.Port)
	}
	return nil
}

func validateBot(b BotConfig) error {
	var errs []string
	if b.UserName == "" {
		errs = append(errs, "bot.user_name must not be empty")
	}
	switch b.Mode {
	case BotModeCreate:
		if b.RoomName == "" {
			errs = append(errs, "bot.room_name must not be empty in create mode")
		}
		if b.MaxPlayers < 1 {
			errs = append(errs, fmt.Sprintf("bot.max_players must be >= 1, got %d", b.MaxPlayers))
		}
	case BotModeJoin:
		if b.RoomName == "" && b.RoomID == "" {
			errs = append(errs, "bot.room_name or bot.room_id must be set in join mode")
		}
	case BotModeQuick, BotModeList:
	default:
		errs = append(errs, fmt.Sprintf("bot.mode must be one of [create, join, quick, list], got %q", b.Mode))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
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

	// Environment variable overrides with MATCHLINK_ prefix
	v.SetEnvPrefix("MATCHLINK")
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

// Defaults returns a Viper instance populated only with default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.scheme", "http")
	v.SetDefault("backend.host", "127.0.0.1")
	v.SetDefault("backend.port", 7350)
	v.SetDefault("backend.server_key", "defaultkey")
	v.SetDefault("backend.timeout", "10s")

	v.SetDefault("matchmaker.query", "*")
	v.SetDefault("matchmaker.min_count", 2)
	v.SetDefault("matchmaker.max_count", 2)

	v.SetDefault("relay.codec", "json")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "matchlink")
	v.SetDefault("database.password", "matchlink")
	v.SetDefault("database.name", "matchlink")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("health.host", "127.0.0.1")
	v.SetDefault("health.port", 0)

	v.SetDefault("bot.user_name", "matchbot")
	v.SetDefault("bot.mode", BotModeQuick)
	v.SetDefault("bot.max_players", 2)
}
