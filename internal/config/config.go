// Package config provides configuration management for streva using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/streva/streva/internal/drm"
	"github.com/streva/streva/internal/net"
	"github.com/streva/streva/internal/streaming"
)

// Default configuration values.
const (
	defaultBufferingGoal      = 30.0
	defaultRebufferingGoal    = 2.0
	defaultBufferBehind       = 30.0
	defaultUpdateInterval     = time.Second
	defaultFailureBackoffBase = 2 * time.Second
	defaultFailureBackoffMax  = 16 * time.Second
	defaultRetryAttempts      = 2
	defaultRetryBaseDelay     = time.Second
	defaultRetryBackoff       = 2.0
	defaultRetryFuzz          = 0.5
	defaultRequestTimeout     = 30 * time.Second
	defaultBufferQuota        = 256 * 1024 * 1024 // 256MB
)

// Config holds all configuration for the application.
type Config struct {
	Streaming StreamingConfig `mapstructure:"streaming"`
	Network   NetworkConfig   `mapstructure:"network"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	DRM       DRMConfig       `mapstructure:"drm"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StreamingConfig holds the streaming engine tunables. Goals and horizons
// are in seconds of presentation time.
type StreamingConfig struct {
	BufferingGoal           float64       `mapstructure:"buffering_goal"`
	RebufferingGoal         float64       `mapstructure:"rebuffering_goal"`
	BufferBehind            float64       `mapstructure:"buffer_behind"`
	UpdateInterval          time.Duration `mapstructure:"update_interval"`
	IgnoreTextStreamFailure bool          `mapstructure:"ignore_text_stream_failures"`
	LowLatencyMode          bool          `mapstructure:"low_latency_mode"`
	FailureBackoffBase      time.Duration `mapstructure:"failure_backoff_base"`
	FailureBackoffMax       time.Duration `mapstructure:"failure_backoff_max"`
}

// NetworkConfig holds segment request retry and timeout configuration.
type NetworkConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	FuzzFactor    float64       `mapstructure:"fuzz_factor"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// BufferConfig holds buffer sink configuration.
type BufferConfig struct {
	// Quota is the byte budget per content type before appends fail with
	// a quota error. Supports human-readable values like "256MB", "1GB",
	// or raw byte counts. Zero means unlimited.
	Quota ByteSize `mapstructure:"quota"`
}

// DRMConfig holds content protection configuration.
type DRMConfig struct {
	PreferredKeySystems []string `mapstructure:"preferred_key_systems"`
	// DelayLicenseUntilPlayed queues license requests until playback
	// actually starts, so preloaded content does not consume licenses.
	DelayLicenseUntilPlayed bool `mapstructure:"delay_license_until_played"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with STREVA_ and use underscores for
// nesting. Example: STREVA_STREAMING_BUFFERING_GOAL=60.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/streva")
		v.AddConfigPath("$HOME/.streva")
	}

	// Environment variable settings
	v.SetEnvPrefix("STREVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Streaming defaults
	v.SetDefault("streaming.buffering_goal", defaultBufferingGoal)
	v.SetDefault("streaming.rebuffering_goal", defaultRebufferingGoal)
	v.SetDefault("streaming.buffer_behind", defaultBufferBehind)
	v.SetDefault("streaming.update_interval", defaultUpdateInterval)
	v.SetDefault("streaming.ignore_text_stream_failures", false)
	v.SetDefault("streaming.low_latency_mode", false)
	v.SetDefault("streaming.failure_backoff_base", defaultFailureBackoffBase)
	v.SetDefault("streaming.failure_backoff_max", defaultFailureBackoffMax)

	// Network defaults
	v.SetDefault("network.retry_attempts", defaultRetryAttempts)
	v.SetDefault("network.retry_delay", defaultRetryBaseDelay)
	v.SetDefault("network.backoff_factor", defaultRetryBackoff)
	v.SetDefault("network.fuzz_factor", defaultRetryFuzz)
	v.SetDefault("network.timeout", defaultRequestTimeout)

	// Buffer defaults
	v.SetDefault("buffer.quota", defaultBufferQuota)

	// DRM defaults
	v.SetDefault("drm.preferred_key_systems", []string{})
	v.SetDefault("drm.delay_license_until_played", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Streaming validation
	if c.Streaming.BufferingGoal <= 0 {
		return fmt.Errorf("streaming.buffering_goal must be positive")
	}
	if c.Streaming.RebufferingGoal < 0 {
		return fmt.Errorf("streaming.rebuffering_goal must not be negative")
	}
	if c.Streaming.RebufferingGoal > c.Streaming.BufferingGoal {
		return fmt.Errorf("streaming.rebuffering_goal must not exceed streaming.buffering_goal")
	}
	if c.Streaming.BufferBehind < 0 {
		return fmt.Errorf("streaming.buffer_behind must not be negative")
	}
	if c.Streaming.UpdateInterval <= 0 {
		return fmt.Errorf("streaming.update_interval must be positive")
	}
	if c.Streaming.FailureBackoffBase <= 0 || c.Streaming.FailureBackoffMax < c.Streaming.FailureBackoffBase {
		return fmt.Errorf("streaming failure backoff must satisfy 0 < base <= max")
	}

	// Network validation
	if c.Network.RetryAttempts < 1 {
		return fmt.Errorf("network.retry_attempts must be at least 1")
	}
	if c.Network.BackoffFactor < 1 {
		return fmt.Errorf("network.backoff_factor must be at least 1")
	}
	if c.Network.FuzzFactor < 0 || c.Network.FuzzFactor > 1 {
		return fmt.Errorf("network.fuzz_factor must be between 0 and 1")
	}
	if c.Network.Timeout <= 0 {
		return fmt.Errorf("network.timeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// EngineConfig converts the streaming section into the engine's config,
// picking up the network section's retry policy.
func (c *Config) EngineConfig() streaming.Config {
	return streaming.Config{
		BufferingGoal:            c.Streaming.BufferingGoal,
		RebufferingGoal:          c.Streaming.RebufferingGoal,
		BufferBehind:             c.Streaming.BufferBehind,
		UpdateInterval:           c.Streaming.UpdateInterval,
		IgnoreTextStreamFailures: c.Streaming.IgnoreTextStreamFailure,
		LowLatencyMode:           c.Streaming.LowLatencyMode,
		FailureBackoffBase:       c.Streaming.FailureBackoffBase,
		FailureBackoffMax:        c.Streaming.FailureBackoffMax,
		RetryPolicy:              c.Network.RetryPolicy(),
	}
}

// EngineConfig converts the drm section into the DRM engine's config.
// License servers and advanced key-system settings are wired by the host.
func (c *DRMConfig) EngineConfig() drm.Config {
	dc := drm.DefaultConfig()
	dc.PreferredKeySystems = c.PreferredKeySystems
	dc.DelayLicenseRequestUntilPlayed = c.DelayLicenseUntilPlayed
	return dc
}

// RetryPolicy converts the network section into a request retry policy.
func (c *NetworkConfig) RetryPolicy() net.RetryPolicy {
	return net.RetryPolicy{
		MaxAttempts:   c.RetryAttempts,
		BaseDelay:     c.RetryDelay,
		BackoffFactor: c.BackoffFactor,
		FuzzFactor:    c.FuzzFactor,
		Timeout:       c.Timeout,
	}
}
