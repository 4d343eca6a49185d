package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/amanullahtanweer/revstream/internal/audio"
	"github.com/amanullahtanweer/revstream/internal/metrics"
	"github.com/amanullahtanweer/revstream/internal/publish"
	"github.com/amanullahtanweer/revstream/internal/sessionlog"
	"github.com/amanullahtanweer/revstream/internal/streaming"
	"github.com/amanullahtanweer/revstream/internal/transcriber"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// AudioSocket carries signed linear 16-bit mono audio at 8kHz.
const (
	SampleRate    = 8000
	bitsPerSample = 16
)

// DefaultShutdownGrace bounds how long Stop waits for calls to flush.
const DefaultShutdownGrace = 10 * time.Second

type Config struct {
	Host            string
	Port            int
	Streaming       streaming.Config
	OutputDir       string
	SaveTranscripts bool
	SaveAudio       bool
	SessionLogs     bool
	// ShutdownGrace is how long Stop lets calls flush before cancelling their sessions.
	ShutdownGrace time.Duration
}

type Server struct {
	config    Config
	listener  net.Listener
	wg        sync.WaitGroup
	shutdown  chan struct{}
	logger    *log.Logger
	store     *publish.Store
	redis     *redis.Client
	publish   publish.PublisherOptions
	collector *metrics.Collector
	dialer    streaming.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

type Option func(*Server)

func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithStore resolves per-call streaming overrides from Redis.
func WithStore(store *publish.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithPublisher appends every call's transcripts to a Redis stream.
func WithPublisher(client *redis.Client, opts publish.PublisherOptions) Option {
	return func(s *Server) {
		s.redis = client
		s.publish = opts
	}
}

func WithCollector(c *metrics.Collector) Option {
	return func(s *Server) { s.collector = c }
}

func WithDialer(d streaming.Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

type Session struct {
	id          uuid.UUID
	conn        net.Conn
	transcriber transcriber.Transcriber
	server      *Server
	audioBuffer []byte
	startTime   time.Time
	metrics     *metrics.SessionMetrics
	journal     *sessionlog.SessionLogger
	logger      *log.Logger
}

// StreamingConfig forces the AudioSocket audio format onto base.
func StreamingConfig(base streaming.Config) streaming.Config {
	base.ContentType = streaming.ContentTypeRaw
	base.Raw = &streaming.RawParameters{
		Interleaved: true,
		Rate:        SampleRate,
		Format:      "S16LE",
		Channels:    1,
	}
	return base
}

func New(config Config, opts ...Option) (*Server, error) {
	config.Streaming = StreamingConfig(config.Streaming)
	if err := config.Streaming.WithDefaults().Validate(); err != nil {
		return nil, fmt.Errorf("invalid streaming config: %w", err)
	}

	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DefaultShutdownGrace
	}

	if (config.SaveTranscripts || config.SaveAudio || config.SessionLogs) && config.OutputDir != "" {
		if err := os.MkdirAll(config.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	s := &Server{
		config:   config,
		shutdown: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Listen binds the AudioSocket port.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("AudioSocket server listening", "addr", listener.Addr())
	return nil
}

// Addr returns the bound address once Listen succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts calls on the bound listener until Stop.
func (s *Server) Serve() error {
	for {
		select {
		case <-s.shutdown:
			return nil
		default:
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.shutdown:
					return nil
				default:
					s.logger.Error("accept error", "err", err)
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}
}

// Stop refuses new calls, hangs up active ones and waits for their transcripts to flush.
// Sessions still flushing after ShutdownGrace are cancelled without sending EOS.
func (s *Server) Stop() {
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.config.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		s.logger.Warn("calls still flushing after grace period, cancelling", "grace", s.config.ShutdownGrace)
		s.cancel()
		<-done
	}
	s.cancel()
}

func (s *Server) track(conn net.Conn, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	s.track(conn, true)
	defer s.track(conn, false)

	s.logger.Info("new connection", "remote", conn.RemoteAddr())

	// Read the initial ID message
	id, err := audiosocket.GetID(conn)
	if err != nil {
		s.logger.Error("failed to get ID", "err", err)
		return
	}
	logger := s.logger.With("call", id.String())
	logger.Info("session started")

	cfg := s.sessionConfig(id, logger)

	session := &Session{
		id:          id,
		conn:        conn,
		server:      s,
		audioBuffer: make([]byte, 0, SampleRate*2), // ~1 second of audio
		startTime:   time.Now(),
		metrics:     metrics.NewSessionMetrics(id.String()),
		logger:      logger,
	}

	opts := []streaming.Option{
		streaming.WithID(id.String()),
		streaming.WithObserver(session.metrics),
	}
	if s.collector != nil {
		opts = append(opts, streaming.WithObserver(s.collector.Observe()))
	}
	if s.config.SessionLogs {
		journal, err := sessionlog.NewSessionLogger(s.config.OutputDir, id.String(), session.startTime)
		if err != nil {
			logger.Error("failed to open session log", "err", err)
		} else {
			session.journal = journal
			journal.LogSessionStart(id.String(), session.startTime, map[string]string{
				"remote": conn.RemoteAddr().String(),
			})
			opts = append(opts, streaming.WithObserver(journal))
		}
	}
	if s.redis != nil {
		opts = append(opts, streaming.WithListener(publish.NewPublisher(s.redis, id.String(), s.publish, logger)))
	}
	if s.dialer != nil {
		opts = append(opts, streaming.WithDialer(s.dialer))
	}

	session.transcriber, err = transcriber.NewRevAITranscriber(s.ctx, cfg, logger, opts...)
	if err != nil {
		logger.Error("failed to create transcriber", "err", err)
		if session.journal != nil {
			session.journal.Close()
		}
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.handleTranscription()
	}()

	reason := "hangup"
	for {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			if err != io.EOF {
				logger.Error("failed to read message", "err", err)
			}
			reason = "disconnected"
			break
		}

		if err := session.handleMessage(msg); err != nil {
			logger.Error("error handling message", "err", err)
			reason = "error"
			break
		}

		if msg.Kind() == audiosocket.KindHangup {
			logger.Info("received hangup")
			break
		}
	}

	session.finalize(reason)
	<-done

	logger.Info("session ended", "duration", time.Since(session.startTime))
}

// sessionConfig applies the per-call overrides found in Redis.
func (s *Server) sessionConfig(id uuid.UUID, logger *log.Logger) streaming.Config {
	cfg := s.config.Streaming
	if s.store == nil {
		return cfg
	}

	o, err := s.store.Overrides(s.ctx, id.String())
	if err != nil {
		logger.Warn("failed to load call overrides", "err", err)
		return cfg
	}
	if o.Metadata != "" {
		cfg.Metadata = o.Metadata
	}
	if o.CustomVocabularyID != "" {
		cfg.CustomVocabularyID = o.CustomVocabularyID
	}
	if o.FilterProfanity != nil {
		cfg.FilterProfanity = *o.FilterProfanity
	}
	return cfg
}

func (session *Session) handleMessage(msg audiosocket.Message) error {
	switch msg.Kind() {
	case audiosocket.KindSlin:
		audioData := msg.Payload()
		if len(audioData) > 0 {
			if err := session.transcriber.ProcessAudio(audioData); err != nil {
				return fmt.Errorf("failed to process audio: %w", err)
			}

			if session.server.config.SaveAudio {
				session.audioBuffer = append(session.audioBuffer, audioData...)
			}
		}

	case audiosocket.KindDTMF:
		if len(msg.Payload()) > 0 {
			digit := msg.Payload()[0]
			session.logger.Info("DTMF digit", "digit", string(digit))
			session.addMarker(fmt.Sprintf("[DTMF: %c]", digit))
		}

	case audiosocket.KindSilence:
		session.logger.Debug("silence detected")
		session.addMarker("[SILENCE]")

	case audiosocket.KindError:
		return fmt.Errorf("received error code: %d", msg.ErrorCode())
	}

	return nil
}

func (session *Session) addMarker(marker string) {
	session.transcriber.AddMarker(marker)
	if session.journal != nil {
		session.journal.LogMarker(session.id.String(), marker)
	}
}

func (session *Session) handleTranscription() {
	for result := range session.transcriber.Results() {
		if result.IsFinal {
			session.logger.Info("final", "text", result.Text, "confidence", result.Confidence)
		} else {
			session.logger.Debug("partial", "text", result.Text)
		}
	}
}

func (session *Session) finalize(reason string) {
	if err := session.transcriber.Close(); err != nil {
		session.logger.Error("failed to close transcriber", "err", err)
	}
	session.metrics.Finalize()

	config := session.server.config
	prefix := fmt.Sprintf("%s_revai_%s", session.startTime.Format("20060102_150405"), session.id.String()[:8])

	fullTranscript := session.transcriber.GetFullTranscript()
	if config.SaveTranscripts && fullTranscript != "" {
		header := fmt.Sprintf("Session ID: %s\nProvider: rev.ai\nStart Time: %s\nDuration: %v\nSample Rate: %dHz\n\n---TRANSCRIPT---\n\n",
			session.id,
			session.startTime.Format("2006-01-02 15:04:05"),
			time.Since(session.startTime),
			SampleRate,
		)

		filename := filepath.Join(config.OutputDir, prefix+".txt")
		if err := os.WriteFile(filename, []byte(header+fullTranscript), 0644); err != nil {
			session.logger.Error("failed to save transcript", "err", err)
		} else {
			session.logger.Info("transcript saved", "file", filename)
		}
	}

	if config.SaveAudio && len(session.audioBuffer) > 0 {
		filename := filepath.Join(config.OutputDir, prefix+".wav")
		data := audio.EncodeWAV(session.audioBuffer, SampleRate, 1, bitsPerSample)
		if err := os.WriteFile(filename, data, 0644); err != nil {
			session.logger.Error("failed to save audio", "err", err)
		} else {
			session.logger.Info("audio saved", "file", filename,
				"seconds", float64(len(session.audioBuffer))/float64(SampleRate*2))
		}
	}

	if session.journal != nil {
		session.journal.LogSessionEnd(session.id.String(), time.Now(), reason)
		session.journal.Close()
	}

	session.logger.Info("session summary\n" + session.metrics.Summary())
}
