// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. WAINBOX_LOG_LEVEL.
const EnvPrefix = "WAINBOX"

// defaultDataDir returns the default directory for inbox data.
// Uses ~/.whatsapp-inbox/ so data is in a fixed location regardless of CWD.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".whatsapp-inbox")
}

// Config holds all configuration for the inbox bridge.
type Config struct {
	// Paths
	DataDir      string `mapstructure:"data_dir"`
	StorePath    string `mapstructure:"store_path"`
	SessionDir   string `mapstructure:"session_dir"`
	MediaDir     string `mapstructure:"media_dir"`
	MediaBaseURL string `mapstructure:"media_base_url"`

	// Connection lifecycle
	CredentialTimeout time.Duration `mapstructure:"credential_timeout"`
	ChallengeExpiry   time.Duration `mapstructure:"challenge_expiry"`

	// Automated replies
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	GatherWindow   time.Duration `mapstructure:"gather_window"`
	ReplyDelayMin  time.Duration `mapstructure:"reply_delay_min"`
	ReplyDelayMax  time.Duration `mapstructure:"reply_delay_max"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	HandoffMarker  string        `mapstructure:"handoff_marker"`

	// Ingestion: chats processed at the same time
	IngestWorkers int `mapstructure:"ingest_workers"`

	// Reconnection
	ReconnectMaxRetries int           `mapstructure:"reconnect_max_retries"`
	ReconnectBaseDelay  time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `mapstructure:"reconnect_max_delay"`

	// AI provider (OpenAI-compatible)
	OpenAIBaseURL         string `mapstructure:"openai_base_url"`
	OpenAIAPIKey          string `mapstructure:"openai_api_key"`
	OpenAIModel           string `mapstructure:"openai_model"`
	TranscriptionModel    string `mapstructure:"transcription_model"`
	TranscriptionLanguage string `mapstructure:"transcription_language"`

	// Event publishing; empty URL disables it
	AMQPURL      string `mapstructure:"amqp_url"`
	AMQPExchange string `mapstructure:"amqp_exchange"`

	// Maintenance
	MaintenanceSchedule string        `mapstructure:"maintenance_schedule"`
	TransitionRetention time.Duration `mapstructure:"transition_retention"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Metrics
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	MetricsPort    int  `mapstructure:"metrics_port"`

	// MCP
	MCPEnabled bool `mapstructure:"mcp_enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DataDir:               dataDir,
		StorePath:             filepath.Join(dataDir, "inbox.db"),
		SessionDir:            filepath.Join(dataDir, "sessions"),
		MediaDir:              filepath.Join(dataDir, "media"),
		MediaBaseURL:          "/uploads/media",
		CredentialTimeout:     10 * time.Second,
		ChallengeExpiry:       40 * time.Second,
		DebounceWindow:        10 * time.Second,
		GatherWindow:          60 * time.Second,
		ReplyDelayMin:         1 * time.Second,
		ReplyDelayMax:         3 * time.Second,
		HistoryLimit:          10,
		HandoffMarker:         "[HANDOFF]",
		IngestWorkers:         8,
		ReconnectMaxRetries:   10,
		ReconnectBaseDelay:    1 * time.Second,
		ReconnectMaxDelay:     5 * time.Minute,
		OpenAIBaseURL:         "https://api.openai.com/v1",
		OpenAIModel:           "gpt-4o-mini",
		TranscriptionModel:    "whisper-1",
		TranscriptionLanguage: "pt",
		AMQPExchange:          "inbox.events",
		MaintenanceSchedule:   "@every 5m",
		TransitionRetention:   7 * 24 * time.Hour,
		LogLevel:              "info",
		LogFormat:             "json",
		MetricsEnabled:        true,
		MetricsPort:           9090,
		MCPEnabled:            true,
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: CLI flags > Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("store_path", defaults.StorePath)
	v.SetDefault("session_dir", defaults.SessionDir)
	v.SetDefault("media_dir", defaults.MediaDir)
	v.SetDefault("media_base_url", defaults.MediaBaseURL)
	v.SetDefault("credential_timeout", defaults.CredentialTimeout)
	v.SetDefault("challenge_expiry", defaults.ChallengeExpiry)
	v.SetDefault("debounce_window", defaults.DebounceWindow)
	v.SetDefault("gather_window", defaults.GatherWindow)
	v.SetDefault("reply_delay_min", defaults.ReplyDelayMin)
	v.SetDefault("reply_delay_max", defaults.ReplyDelayMax)
	v.SetDefault("history_limit", defaults.HistoryLimit)
	v.SetDefault("handoff_marker", defaults.HandoffMarker)
	v.SetDefault("ingest_workers", defaults.IngestWorkers)
	v.SetDefault("reconnect_max_retries", defaults.ReconnectMaxRetries)
	v.SetDefault("reconnect_base_delay", defaults.ReconnectBaseDelay)
	v.SetDefault("reconnect_max_delay", defaults.ReconnectMaxDelay)
	v.SetDefault("openai_base_url", defaults.OpenAIBaseURL)
	v.SetDefault("openai_api_key", defaults.OpenAIAPIKey)
	v.SetDefault("openai_model", defaults.OpenAIModel)
	v.SetDefault("transcription_model", defaults.TranscriptionModel)
	v.SetDefault("transcription_language", defaults.TranscriptionLanguage)
	v.SetDefault("amqp_url", defaults.AMQPURL)
	v.SetDefault("amqp_exchange", defaults.AMQPExchange)
	v.SetDefault("maintenance_schedule", defaults.MaintenanceSchedule)
	v.SetDefault("transition_retention", defaults.TransitionRetention)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("metrics_enabled", defaults.MetricsEnabled)
	v.SetDefault("metrics_port", defaults.MetricsPort)
	v.SetDefault("mcp_enabled", defaults.MCPEnabled)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing default config.yaml is fine; anything else is not.
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d (must be 0-65535)", c.MetricsPort)
	}

	if c.CredentialTimeout <= 0 {
		return fmt.Errorf("credential timeout must be positive")
	}
	if c.ChallengeExpiry <= 0 {
		return fmt.Errorf("challenge expiry must be positive")
	}

	if c.DebounceWindow <= 0 {
		return fmt.Errorf("debounce window must be positive")
	}
	if c.GatherWindow <= 0 {
		return fmt.Errorf("gather window must be positive")
	}
	if c.ReplyDelayMin < 0 || c.ReplyDelayMax < c.ReplyDelayMin {
		return fmt.Errorf("reply delay range is invalid: [%s, %s]", c.ReplyDelayMin, c.ReplyDelayMax)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history limit must be non-negative")
	}
	if strings.TrimSpace(c.HandoffMarker) == "" {
		return fmt.Errorf("handoff marker must not be empty")
	}
	if c.IngestWorkers <= 0 {
		return fmt.Errorf("ingest workers must be positive")
	}

	if c.ReconnectMaxRetries < 0 {
		return fmt.Errorf("reconnect max retries must be non-negative")
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive")
	}
	if c.ReconnectMaxDelay <= 0 {
		return fmt.Errorf("reconnect max delay must be positive")
	}
	if c.ReconnectBaseDelay > c.ReconnectMaxDelay {
		return fmt.Errorf("reconnect base delay must be less than or equal to max delay")
	}

	if c.TransitionRetention <= 0 {
		return fmt.Errorf("transition retention must be positive")
	}

	return nil
}
