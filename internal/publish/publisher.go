package publish

import (
	"context"
	"strconv"
	"time"

	"github.com/amanullahtanweer/revstream/internal/streaming"
	"github.com/charmbracelet/log"
	redis "github.com/redis/go-redis/v9"
)

const publishTimeout = 800 * time.Millisecond

// Publisher appends transcription events of one session to a Redis stream.
// It is a streaming.Listener.
type Publisher struct {
	redis     *redis.Client
	stream    string
	sessionID string
	maxLen    int64
	partials  bool
	logger    *log.Logger
}

// PublisherOptions configure a Publisher.
type PublisherOptions struct {
	// Stream is the Redis stream key.
	Stream string
	// MaxLen caps the stream length approximately; zero disables trimming.
	MaxLen int64
	// Partials also publishes partial hypotheses.
	Partials bool
}

func NewPublisher(client *redis.Client, sessionID string, opts PublisherOptions, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{
		redis:     client,
		stream:    opts.Stream,
		sessionID: sessionID,
		maxLen:    opts.MaxLen,
		partials:  opts.Partials,
		logger:    logger,
	}
}

// Notify runs on the receive goroutine, so each write is bounded by a short timeout.
func (p *Publisher) Notify(ev streaming.Event) {
	if !ev.IsFinal() && !p.partials {
		return
	}
	payload, err := streaming.EncodeEvent(ev)
	if err != nil {
		p.logger.Error("failed to encode event for publishing", "err", err)
		return
	}

	values := map[string]any{
		"session_id": p.sessionID,
		"type":       ev.Type,
		"text":       ev.Text(),
		"confidence": strconv.FormatFloat(ev.Confidence(), 'f', 3, 64),
		"payload":    string(payload),
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	args := &redis.XAddArgs{Stream: p.stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.redis.XAdd(ctx, args).Err(); err != nil {
		p.logger.Error("failed to publish event", "stream", p.stream, "err", err)
	}
}
