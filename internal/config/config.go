// Package config provides the configuration structure for the textlistens service.
package config

import (
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Defaults for fields left empty in the configuration file.
const (
	DefaultListenAddress         = ":10108"
	DefaultRequestTimeoutSeconds = 120
	DefaultSpeechServiceURL      = "http://127.0.0.1:8880"
	DefaultSpeechTimeoutSeconds  = 120
	DefaultVoice                 = "af_sarah"
	DefaultMaxChunkLength        = 500
	DefaultSettingsPath          = "textlistens-settings.toml"
	DefaultCollection            = "textlistens"
	DefaultSettleDelayMS         = 1000
	DefaultPollIntervalMS        = 1000
	DefaultLookupAttempts        = 1
	DefaultLibraryTimeoutSeconds = 300
	DefaultNATSURL               = "nats://127.0.0.1:4222"
	DefaultRequestSubject        = "textlistens.audiobook.requested"
	DefaultTextBucket            = "TEXTLISTENS_TEXT"
	DefaultBaseLogsDir           = "/var/log/textlistens"
)

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	ListenAddress         string `toml:"listen_address"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	MetricsEnabled        bool   `toml:"metrics_enabled"`
}

// SpeechConfig holds the configuration of the speech engine and synthesis.
type SpeechConfig struct {
	ServiceURL          string `toml:"service_url"`
	TimeoutSeconds      int    `toml:"timeout_seconds"`
	DefaultVoice        string `toml:"default_voice"`
	MaxChunkLength      int    `toml:"max_chunk_length"`
	PreferGPU           bool   `toml:"prefer_gpu"`
	ExpandAbbreviations bool   `toml:"expand_abbreviations"`
}

// LibraryConfig holds the media library client configuration.
type LibraryConfig struct {
	SettingsPath      string `toml:"settings_path"`
	DefaultCollection string `toml:"default_collection"`
	SettleDelayMS     int    `toml:"settle_delay_ms"`
	PollIntervalMS    int    `toml:"poll_interval_ms"`
	LookupAttempts    int    `toml:"lookup_attempts"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	Enabled               bool   `toml:"enabled"`
	URL                   string `toml:"url"`
	RequestSubject        string `toml:"request_subject"`
	TextObjectStoreBucket string `toml:"text_object_store_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	WorkDir     string `toml:"work_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Speech  SpeechConfig  `toml:"speech"`
	Library LibraryConfig `toml:"library"`
	NATS    NATSConfig    `toml:"nats"`
	Paths   PathsConfig   `toml:"paths"`
}

// Load loads the configuration for the textlistens service and fills in
// defaults.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults replaces zero values with the documented defaults. Boolean
// switches keep their zero value.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.ListenAddress, DefaultListenAddress)
	setInt(&c.Server.RequestTimeoutSeconds, DefaultRequestTimeoutSeconds)

	setString(&c.Speech.ServiceURL, DefaultSpeechServiceURL)
	setInt(&c.Speech.TimeoutSeconds, DefaultSpeechTimeoutSeconds)
	setString(&c.Speech.DefaultVoice, DefaultVoice)
	setInt(&c.Speech.MaxChunkLength, DefaultMaxChunkLength)

	setString(&c.Library.SettingsPath, DefaultSettingsPath)
	setString(&c.Library.DefaultCollection, DefaultCollection)
	setInt(&c.Library.SettleDelayMS, DefaultSettleDelayMS)
	setInt(&c.Library.PollIntervalMS, DefaultPollIntervalMS)
	setInt(&c.Library.LookupAttempts, DefaultLookupAttempts)
	setInt(&c.Library.TimeoutSeconds, DefaultLibraryTimeoutSeconds)

	setString(&c.NATS.URL, DefaultNATSURL)
	setString(&c.NATS.RequestSubject, DefaultRequestSubject)
	setString(&c.NATS.TextObjectStoreBucket, DefaultTextBucket)

	setString(&c.Paths.BaseLogsDir, DefaultBaseLogsDir)
}

// RequestTimeout returns the HTTP request timeout.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Timeout returns the speech engine call timeout.
func (c SpeechConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SettleDelay returns the wait between an upload and the first item lookup.
func (c LibraryConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

// PollInterval returns the wait between item lookups.
func (c LibraryConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Timeout returns the library call timeout.
func (c LibraryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}
