// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadTimeout bounds reading request headers, including the websocket upgrade.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RelayConfig holds the batching, liveness, and transport limits of the relay hub.
type RelayConfig struct {
	// FlushInterval is the outbound batching tick.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// SweepInterval is the period of the liveness sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// InactivityTimeout is how long a player may stay silent before eviction.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	// MaxMessageBytes is the largest compressed inbound transport message accepted.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// MaxBatchBytes is the largest decompressed inbound batch accepted.
	MaxBatchBytes int64 `mapstructure:"max_batch_bytes"`
	// SendBuffer is the per-connection transport send queue length.
	SendBuffer int `mapstructure:"send_buffer"`
	// CompressionLevel is the gzip level; -1 selects the library default.
	CompressionLevel int `mapstructure:"compression_level"`
	// FlushWorkers bounds concurrent compress-and-send jobs per flush.
	FlushWorkers int `mapstructure:"flush_workers"`
}

// StatsConfig holds stats snapshot settings.
type StatsConfig struct {
	// Interval is the push period for dashboard subscribers.
	Interval time.Duration `mapstructure:"interval"`
	// MaxRooms caps the rooms included in a snapshot; 0 disables the cap.
	MaxRooms int `mapstructure:"max_rooms"`
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
	Server  ServerConfig  `mapstructure:"server"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Stats   StatsConfig   `mapstructure:"stats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStats(c.Stats); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout must not be negative")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.FlushInterval <= 0 {
		errs = append(errs, "relay.flush_interval must be positive")
	}
	if r.SweepInterval <= 0 {
		errs = append(errs, "relay.sweep_interval must be positive")
	}
	if r.InactivityTimeout <= 0 {
		errs = append(errs, "relay.inactivity_timeout must be positive")
	}
	if r.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("relay.max_message_bytes must be >= 1, got %d", r.MaxMessageBytes))
	}
	if r.MaxBatchBytes < 1 {
		errs = append(errs, fmt.Sprintf("relay.max_batch_bytes must be >= 1, got %d", r.MaxBatchBytes))
	}
	if r.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("relay.send_buffer must be >= 1, got %d", r.SendBuffer))
	}
	if r.CompressionLevel < -1 || r.CompressionLevel > 9 {
		errs = append(errs, fmt.Sprintf("relay.compression_level must be -1..9, got %d", r.CompressionLevel))
	}
	if r.FlushWorkers < 1 {
		errs = append(errs, fmt.Sprintf("relay.flush_workers must be >= 1, got %d", r.FlushWorkers))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateStats(s StatsConfig) error {
	var errs []string
	if s.Interval <= 0 {
		errs = append(errs, "stats.interval must be positive")
	}
	if s.MaxRooms < 0 {
		errs = append(errs, fmt.Sprintf("stats.max_rooms must be >= 0, got %d", s.MaxRooms))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
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
// overrides, and validates the result. An empty path skips the file and uses
// defaults plus environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
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

// Default returns the configuration produced by defaults alone.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8880)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("relay.flush_interval", "33ms")
	v.SetDefault("relay.sweep_interval", "5s")
	v.SetDefault("relay.inactivity_timeout", "10s")
	v.SetDefault("relay.max_message_bytes", 16<<20)
	v.SetDefault("relay.max_batch_bytes", 64<<20)
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.compression_level", -1)
	v.SetDefault("relay.flush_workers", 8)

	v.SetDefault("stats.interval", "1s")
	v.SetDefault("stats.max_rooms", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
