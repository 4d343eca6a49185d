package transcriber

import (
	"context"
	"strings"
	"sync"

	"github.com/amanullahtanweer/revstream/internal/streaming"
	"github.com/charmbracelet/log"
)

const resultsBuffer = 100

// RevAITranscriber adapts a streaming session to the Transcriber interface.
type RevAITranscriber struct {
	session   *streaming.Session
	results   chan TranscriptionResult
	fullText  strings.Builder
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	logger    *log.Logger
}

// NewRevAITranscriber creates and starts a session. Options are passed to the session.
func NewRevAITranscriber(ctx context.Context, cfg streaming.Config, logger *log.Logger, opts ...streaming.Option) (*RevAITranscriber, error) {
	if logger == nil {
		logger = log.Default()
	}
	rt := &RevAITranscriber{
		results: make(chan TranscriptionResult, resultsBuffer),
		logger:  logger,
	}

	opts = append([]streaming.Option{streaming.WithLogger(logger), streaming.WithListener(rt)}, opts...)
	session, err := streaming.NewSession(cfg, opts...)
	if err != nil {
		return nil, err
	}
	rt.session = session
	rt.logger = logger.With("session", session.ID())

	session.Start(ctx)
	rt.logger.Info("rev.ai transcriber initialized")

	return rt, nil
}

// Session exposes the underlying session.
func (rt *RevAITranscriber) Session() *streaming.Session { return rt.session }

// Notify receives session events; it never blocks the receive goroutine.
func (rt *RevAITranscriber) Notify(ev streaming.Event) {
	text := ev.Text()
	if text == "" {
		return
	}

	res := TranscriptionResult{
		Text:       text,
		IsFinal:    ev.IsFinal(),
		Confidence: ev.Confidence(),
	}
	if ev.TS != nil {
		res.Timestamp = *ev.TS
	}
	if ev.EndTS != nil {
		res.EndTime = *ev.EndTS
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return
	}
	if res.IsFinal {
		if rt.fullText.Len() > 0 {
			rt.fullText.WriteString(" ")
		}
		rt.fullText.WriteString(text)
	}

	select {
	case rt.results <- res:
	default:
		rt.logger.Warn("results channel full, dropping result", "final", res.IsFinal)
	}
}

func (rt *RevAITranscriber) ProcessAudio(audioData []byte) error {
	if !rt.session.Stream(audioData) {
		return ErrClosed
	}
	return nil
}

func (rt *RevAITranscriber) Results() <-chan TranscriptionResult {
	return rt.results
}

func (rt *RevAITranscriber) GetFullTranscript() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.fullText.String()
}

func (rt *RevAITranscriber) AddMarker(marker string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.fullText.Len() > 0 {
		rt.fullText.WriteString(" ")
	}
	rt.fullText.WriteString(marker)
}

// Close flushes queued audio, waits for the session to finish and closes Results.
func (rt *RevAITranscriber) Close() error {
	var err error
	rt.closeOnce.Do(func() {
		err = rt.session.Close()
		<-rt.session.Done()

		rt.mu.Lock()
		rt.closed = true
		close(rt.results)
		rt.mu.Unlock()
	})
	return err
}
