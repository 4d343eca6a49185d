package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amanullahtanweer/revstream/internal/streaming"
)

const sampleConfig = `
server:
  port: 9100
streaming:
  access_token: abc
  content_type: raw
  raw:
    interleaved: true
    rate: 8000
    format: S16LE
    channels: 1
  metadata: agent-7
  idle_timeout: 2s
  interrupt_policy: disconnect
redis:
  enabled: true
  addr: redis:6379
metrics:
  enabled: true
logging:
  level: debug
  formatter: json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Server.Port != 9100 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Unexpected server config %+v", cfg.Server)
	}
	if cfg.Streaming.IdleTimeout != 2*time.Second {
		t.Errorf("Expected idle timeout 2s, got %v", cfg.Streaming.IdleTimeout)
	}
	if cfg.Redis.KeyPrefix != "revstream:call:" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Expected defaults to be applied, got %+v %+v", cfg.Redis, cfg.Metrics)
	}

	sc, err := cfg.Streaming.ToStreaming()
	if err != nil {
		t.Fatalf("ToStreaming failed: %v", err)
	}
	if sc.ContentType != streaming.ContentTypeRaw || sc.Raw == nil || sc.Raw.Rate != 8000 {
		t.Errorf("Unexpected streaming config %+v", sc)
	}
	if sc.InterruptPolicy != streaming.InterruptDisconnect || sc.Metadata != "agent-7" {
		t.Errorf("Unexpected streaming config %+v", sc)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "server: [")); err == nil {
		t.Error("Expected error for malformed yaml")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Streaming.ContentType != "raw" || cfg.Logging.Level != "info" {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	if cfg.Streaming.Raw == nil || cfg.Streaming.Raw.Rate != 8000 || cfg.Streaming.Raw.Format != "S16LE" {
		t.Errorf("Expected slin raw defaults, got %+v", cfg.Streaming.Raw)
	}

	cfg.Streaming.AccessToken = "tok"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults with a token should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Streaming.AccessToken = "tok"
		c.Streaming.ContentType = "wav"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"missing token", func(c *Config) { c.Streaming.AccessToken = "" }, false},
		{"raw without parameters", func(c *Config) { c.Streaming.ContentType = "raw" }, false},
		{"raw rate out of range", func(c *Config) {
			c.Streaming.ContentType = "raw"
			c.Streaming.Raw = &RawConfig{Rate: 96000, Format: "S16LE", Channels: 1}
		}, false},
		{"unknown content type", func(c *Config) { c.Streaming.ContentType = "ogg" }, false},
		{"unknown policy", func(c *Config) { c.Streaming.InterruptPolicy = "pause" }, false},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, false},
		{"negative shutdown grace", func(c *Config) { c.Server.ShutdownGrace = -time.Second }, false},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, false},
		{"metrics bad path", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Path = "metrics" }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, false},
		{"bad formatter", func(c *Config) { c.Logging.Formatter = "xml" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestParseInterruptPolicy(t *testing.T) {
	for in, want := range map[string]streaming.InterruptPolicy{
		"":           streaming.InterruptKeepState,
		"keep":       streaming.InterruptKeepState,
		"Disconnect": streaming.InterruptDisconnect,
		"close":      streaming.InterruptClose,
	} {
		got, err := ParseInterruptPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseInterruptPolicy(%q) = %v, %v", in, got, err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	l := (&LoggingConfig{Level: "debug", Formatter: "json"}).NewLogger()
	if l == nil {
		t.Fatal("Expected a logger")
	}
	if l.GetLevel().String() != "debug" {
		t.Errorf("Expected debug level, got %s", l.GetLevel())
	}
}
