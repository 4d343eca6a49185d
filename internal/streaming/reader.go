package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// Sink accepts audio chunks. *Session is the production sink.
type Sink interface {
	Stream(chunk []byte) bool
	Close() error
}

// Reader pumps a byte source into a sink until the source fails, the context is
// cancelled or the idle policy closes the stream.
type Reader struct {
	sink     Sink
	src      io.ReadCloser
	bufSize  int
	backoff  time.Duration
	timeouts Timeouts
	logger   *log.Logger

	// sleep waits for d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReader creates a reader using the buffer size, backoff and timeouts of cfg.
func NewReader(sink Sink, src io.ReadCloser, cfg Config, logger *log.Logger) *Reader {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Reader{
		sink:     sink,
		src:      src,
		bufSize:  cfg.BufferSize,
		backoff:  cfg.ReadBackoff,
		timeouts: EffectiveTimeouts(cfg.StartTimeout, cfg.IdleTimeout),
		logger:   logger,
		sleep:    sleepContext,
	}
}

// NewReader attaches src to the session with the session's own settings.
func (s *Session) NewReader(src io.ReadCloser) *Reader {
	return NewReader(s, src, s.cfg, s.logger)
}

// Run reads until the stream ends. A timeout expiry closes the source and the sink
// and returns nil. Any other read failure closes the source and is returned.
func (r *Reader) Run(ctx context.Context) error {
	buf := make([]byte, r.bufSize)
	var idle time.Duration
	started := false

	for {
		if err := ctx.Err(); err != nil {
			r.src.Close()
			return err
		}

		n, err := r.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.sink.Stream(chunk)
			idle = 0
			started = true
		}

		switch {
		case err == nil && n > 0:
			continue
		case err == nil, errors.Is(err, io.EOF):
			// No data available yet; the source may still grow.
		default:
			r.src.Close()
			return fmt.Errorf("failed to read audio: %w", err)
		}

		if serr := r.sleep(ctx, r.backoff); serr != nil {
			r.src.Close()
			return serr
		}
		idle += r.backoff

		if r.timeouts.Expired(idle, started) {
			r.logger.Info("stream idle for too long, closing", "idle", idle, "started", started)
			r.src.Close()
			return r.sink.Close()
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
