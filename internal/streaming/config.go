package streaming

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ContentType is the audio MIME type announced to the service.
type ContentType string

const (
	ContentTypeRaw  ContentType = "audio/x-raw"
	ContentTypeFLAC ContentType = "audio/x-flac"
	ContentTypeWAV  ContentType = "audio/x-wav"
)

// ParseContentType accepts either the short name (raw, flac, wav) or the MIME type.
func ParseContentType(s string) (ContentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw", string(ContentTypeRaw):
		return ContentTypeRaw, nil
	case "flac", string(ContentTypeFLAC):
		return ContentTypeFLAC, nil
	case "wav", string(ContentTypeWAV):
		return ContentTypeWAV, nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

const (
	DefaultBaseURL           = "api.rev.ai/speechtotext/v1"
	DefaultBufferSize        = 391680
	DefaultConnectTimeout    = 60 * time.Second
	DefaultRetryDelay        = 500 * time.Millisecond
	DefaultReadBackoff       = time.Second
	DefaultCloseTimeout      = 2 * time.Minute
	DefaultClosePollInterval = 2 * time.Second

	// EndOfStream is the only control message the client sends.
	EndOfStream = "EOS"
)

// RawParameters describe headerless PCM audio.
type RawParameters struct {
	Interleaved bool
	Rate        int    // 8000-48000 Hz
	Format      string // e.g. S16LE
	Channels    int    // 1-10
}

// Validate checks the ranges accepted by the service.
func (p RawParameters) Validate() error {
	if p.Rate < 8000 || p.Rate > 48000 {
		return fmt.Errorf("rate must be between 8000 and 48000 Hz, got %d", p.Rate)
	}
	if p.Format == "" {
		return fmt.Errorf("format cannot be empty")
	}
	if p.Channels < 1 || p.Channels > 10 {
		return fmt.Errorf("channels must be between 1 and 10, got %d", p.Channels)
	}
	return nil
}

func (p RawParameters) String() string {
	layout := "non-interleaved"
	if p.Interleaved {
		layout = "interleaved"
	}
	return fmt.Sprintf("layout=%s;rate=%d;format=%s;channels=%d", layout, p.Rate, p.Format, p.Channels)
}

// Config holds everything a Session needs to reach the service.
type Config struct {
	AccessToken        string
	ContentType        ContentType
	Raw                *RawParameters
	BaseURL            string
	Metadata           string
	CustomVocabularyID string
	FilterProfanity    bool

	// ConnectTimeout bounds the websocket handshake.
	ConnectTimeout time.Duration
	// BufferSize is the read size used by the stream reader.
	BufferSize int
	// IdleTimeout and StartTimeout drive the reader's auto-close policy; zero means unset.
	IdleTimeout  time.Duration
	StartTimeout time.Duration

	RetryDelay        time.Duration
	ReadBackoff       time.Duration
	CloseTimeout      time.Duration
	ClosePollInterval time.Duration

	InterruptPolicy InterruptPolicy
}

// WithDefaults fills unset tunables.
func (c Config) WithDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ReadBackoff <= 0 {
		c.ReadBackoff = DefaultReadBackoff
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.ClosePollInterval <= 0 {
		c.ClosePollInterval = DefaultClosePollInterval
	}
	return c
}

// Validate rejects configurations the service cannot accept.
func (c Config) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	switch c.ContentType {
	case ContentTypeRaw:
		if c.Raw == nil {
			return fmt.Errorf("raw parameters are required with content type %s", c.ContentType)
		}
		if err := c.Raw.Validate(); err != nil {
			return fmt.Errorf("raw parameters: %w", err)
		}
	case ContentTypeFLAC, ContentTypeWAV:
	default:
		return fmt.Errorf("unsupported content type %q", c.ContentType)
	}
	if c.IdleTimeout < 0 || c.StartTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if i := strings.Index(c.BaseURL, "://"); i >= 0 {
		if scheme := c.BaseURL[:i]; scheme != "ws" && scheme != "wss" {
			return fmt.Errorf("base url scheme must be ws or wss, got %q", c.BaseURL)
		}
	}
	return nil
}

// FullContentType returns the content_type query value, with raw parameters embedded.
func (c Config) FullContentType() string {
	if c.ContentType == ContentTypeRaw && c.Raw != nil {
		return string(c.ContentType) + ";" + c.Raw.String()
	}
	return string(c.ContentType)
}

// URL builds the websocket target. The base URL is host and path; wss is implied
// unless it carries an explicit ws:// or wss:// scheme.
func (c Config) URL() (string, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.Contains(base, "://") {
		base = "wss://" + base
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/stream")
	if err != nil {
		return "", fmt.Errorf("failed to parse base url: %w", err)
	}

	q := u.Query()
	q.Set("access_token", c.AccessToken)
	q.Set("content_type", c.FullContentType())
	q.Set("filter_profanity", strconv.FormatBool(c.FilterProfanity))
	if c.Metadata != "" {
		q.Set("metadata", c.Metadata)
	}
	if c.CustomVocabularyID != "" {
		q.Set("custom_vocabulary_id", c.CustomVocabularyID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact hides the access token in a target URL for logging.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "REDACTED")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
