package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/amanullahtanweer/revstream/internal/streaming"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Redis         RedisConfig         `yaml:"redis"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains the AudioSocket listener configuration
type ServerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// StreamingConfig contains the service connection settings
type StreamingConfig struct {
	AccessToken        string        `yaml:"access_token"`
	ContentType        string        `yaml:"content_type"`
	Raw                *RawConfig    `yaml:"raw"`
	BaseURL            string        `yaml:"base_url"`
	Metadata           string        `yaml:"metadata"`
	CustomVocabularyID string        `yaml:"custom_vocabulary_id"`
	FilterProfanity    bool          `yaml:"filter_profanity"`
	BufferSize         int           `yaml:"buffer_size"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	StartTimeout       time.Duration `yaml:"start_timeout"`
	CloseTimeout       time.Duration `yaml:"close_timeout"`
	InterruptPolicy    string        `yaml:"interrupt_policy"` // keep, disconnect or close
}

// RawConfig describes headerless PCM input
type RawConfig struct {
	Interleaved bool   `yaml:"interleaved"`
	Rate        int    `yaml:"rate"`
	Format      string `yaml:"format"`
	Channels    int    `yaml:"channels"`
}

// TranscriptionConfig controls what is written to disk per call
type TranscriptionConfig struct {
	OutputDir       string `yaml:"output_dir"`
	SaveTranscripts bool   `yaml:"save_transcripts"`
	SaveAudio       bool   `yaml:"save_audio"`
	SessionLogs     bool   `yaml:"session_logs"`
}

// RedisConfig contains the per-call metadata store and event stream settings
type RedisConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Addr            string `yaml:"addr"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	KeyPrefix       string `yaml:"key_prefix"`
	Stream          string `yaml:"stream"`
	StreamMaxLen    int64  `yaml:"stream_max_len"`
	PublishPartials bool   `yaml:"publish_partials"`
}

// MetricsConfig contains the metrics HTTP endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Formatter string `yaml:"formatter"` // text, json or logfmt
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads and parses the configuration file and fills defaults. An empty path
// yields the defaults. Validation is left to the caller so that flags and environment
// can complete the file first.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9092
	}
	if c.Streaming.ContentType == "" {
		c.Streaming.ContentType = "raw"
		if c.Streaming.Raw == nil {
			// AudioSocket slin
			c.Streaming.Raw = &RawConfig{Interleaved: true, Rate: 8000, Format: "S16LE", Channels: 1}
		}
	}
	if c.Streaming.InterruptPolicy == "" {
		c.Streaming.InterruptPolicy = "keep"
	}
	if c.Transcription.OutputDir == "" {
		c.Transcription.OutputDir = "./transcripts"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "revstream:call:"
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "revstream:transcripts"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Formatter == "" {
		c.Logging.Formatter = "text"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Streaming.Validate(); err != nil {
		return fmt.Errorf("streaming config: %w", err)
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown_grace must not be negative, got %v", s.ShutdownGrace)
	}
	return nil
}

// Validate validates the streaming settings by building the session config
func (s *StreamingConfig) Validate() error {
	cfg, err := s.ToStreaming()
	if err != nil {
		return err
	}
	return cfg.WithDefaults().Validate()
}

// ToStreaming converts the file settings into a session configuration.
func (s *StreamingConfig) ToStreaming() (streaming.Config, error) {
	contentType, err := streaming.ParseContentType(s.ContentType)
	if err != nil {
		return streaming.Config{}, err
	}
	policy, err := ParseInterruptPolicy(s.InterruptPolicy)
	if err != nil {
		return streaming.Config{}, err
	}

	cfg := streaming.Config{
		AccessToken:        s.AccessToken,
		ContentType:        contentType,
		BaseURL:            s.BaseURL,
		Metadata:           s.Metadata,
		CustomVocabularyID: s.CustomVocabularyID,
		FilterProfanity:    s.FilterProfanity,
		BufferSize:         s.BufferSize,
		ConnectTimeout:     s.ConnectTimeout,
		IdleTimeout:        s.IdleTimeout,
		StartTimeout:       s.StartTimeout,
		CloseTimeout:       s.CloseTimeout,
		InterruptPolicy:    policy,
	}
	if s.Raw != nil {
		cfg.Raw = &streaming.RawParameters{
			Interleaved: s.Raw.Interleaved,
			Rate:        s.Raw.Rate,
			Format:      s.Raw.Format,
			Channels:    s.Raw.Channels,
		}
	}
	return cfg, nil
}

// ParseInterruptPolicy maps the config spelling to a policy.
func ParseInterruptPolicy(s string) (streaming.InterruptPolicy, error) {
	switch strings.ToLower(s) {
	case "", "keep":
		return streaming.InterruptKeepState, nil
	case "disconnect":
		return streaming.InterruptDisconnect, nil
	case "close":
		return streaming.InterruptClose, nil
	}
	return 0, fmt.Errorf("unknown interrupt_policy %q", s)
}

// Validate validates redis configuration
func (r *RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Addr == "" {
		return fmt.Errorf("addr cannot be empty when redis is enabled")
	}
	if r.DB < 0 {
		return fmt.Errorf("db must not be negative, got %d", r.DB)
	}
	if r.StreamMaxLen < 0 {
		return fmt.Errorf("stream_max_len must not be negative, got %d", r.StreamMaxLen)
	}
	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Address == "" {
			return fmt.Errorf("address cannot be empty when metrics are enabled")
		}
		if !strings.HasPrefix(m.Path, "/") {
			return fmt.Errorf("path must start with /, got %q", m.Path)
		}
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	if _, err := log.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("invalid level %q", l.Level)
	}
	switch l.Formatter {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("formatter must be text, json or logfmt, got %q", l.Formatter)
	}
	return nil
}

// NewLogger builds the process logger from the logging section.
func (l *LoggingConfig) NewLogger() *log.Logger {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		level = log.InfoLevel
	}
	formatter := log.TextFormatter
	switch l.Formatter {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
	})
}
