package streaming

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// maxRetryDelay caps the reconnect backoff after repeated handshake failures.
const maxRetryDelay = 30 * time.Second

// Session drives one audio stream through the service protocol.
//
// All state-machine decisions run on a single driver goroutine. Producers only touch
// the queue and the kick channel; socket callbacks update state with compare-and-swap.
type Session struct {
	id       string
	cfg      Config
	target   string
	dialer   Dialer
	logger   *log.Logger
	observer observers

	state     atomic.Int32
	active    atomic.Pointer[connRef]
	pending   atomic.Pointer[connRef]
	linkReady atomic.Bool
	dialing   atomic.Bool
	failures  atomic.Int32
	nextDial  atomic.Int64

	queue      *AudioQueue
	dispatcher *Dispatcher
	// gate orders Stream's state check and enqueue against the move to CLOSING.
	gate sync.RWMutex

	kick        chan struct{}
	delayed     atomic.Bool
	interrupted atomic.Bool

	started     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
	releaseOnce sync.Once
	done        chan struct{}
}

type connRef struct {
	conn Connection
}

// Option customises a Session.
type Option func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithLogger sets the logger; the session id is attached to every line.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithObserver adds an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = append(s.observer, o)
		}
	}
}

// WithID sets the session id instead of a random uuid.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithListener registers a listener before any message can arrive.
func WithListener(l Listener) Option {
	return func(s *Session) { s.dispatcher.Add(l) }
}

// NewSession validates cfg and creates an idle session. Call Start to begin driving it.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid streaming config: %w", err)
	}
	target, err := cfg.URL()
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		target:     target,
		queue:      NewAudioQueue(),
		dispatcher: NewDispatcher(),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.dialer == nil {
		s.dialer = NewWebsocketDialer(cfg.ConnectTimeout)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.With("session", s.id)

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the current protocol state.
func (s *Session) State() State { return State(s.state.Load()) }

// Queued returns the number of chunks waiting to be sent.
func (s *Session) Queued() int { return s.queue.Len() }

// Done is closed once the session has released its driver and connections.
func (s *Session) Done() <-chan struct{} { return s.done }

// AddListener registers l for transcription events.
func (s *Session) AddListener(l Listener) Handle { return s.dispatcher.Add(l) }

// RemoveListener unregisters a single listener.
func (s *Session) RemoveListener(h Handle) bool { return s.dispatcher.Remove(h) }

// ClearListeners unregisters every listener.
func (s *Session) ClearListeners() { s.dispatcher.Clear() }

// Start launches the driver. Cancelling ctx shuts the session down for good.
func (s *Session) Start(ctx context.Context) {
	if s.started.Swap(true) {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run(s.ctx)
	s.redrive()
}

// Stream queues one chunk of audio. Audio offered after Close is dropped with a warning.
func (s *Session) Stream(chunk []byte) bool {
	s.gate.RLock()
	if s.State().shuttingDown() {
		s.gate.RUnlock()
		s.logger.Warn("session is closing down, cannot stream any more audio", "bytes", len(chunk))
		s.observer.ChunkRejected(s.id, len(chunk))
		return false
	}
	if len(chunk) == 0 {
		s.gate.RUnlock()
		return true
	}
	s.queue.Offer(chunk)
	s.gate.RUnlock()
	s.observer.ChunkQueued(s.id, len(chunk))
	s.redrive()
	return true
}

// Interrupt asks the drain loop to stop at its next iteration. What happens to the
// state afterwards is decided by the configured InterruptPolicy.
func (s *Session) Interrupt() {
	s.interrupted.Store(true)
	s.redrive()
}

// Close requests a graceful shutdown: queued audio is flushed, EOS is sent, then the
// session becomes CLOSED. Close returns immediately; wait on Done for completion.
// Calling Close more than once is harmless.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.gate.Lock()
		s.advance(StateClosing, func(State) bool { return true })
		s.gate.Unlock()
		if !s.started.Load() {
			s.force(StateClosed)
			s.release()
			return
		}
		s.redrive()
		go s.watchClose()
	})
	return nil
}

func (s *Session) watchClose() {
	ticker := time.NewTicker(s.cfg.ClosePollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.cfg.CloseTimeout)
	defer deadline.Stop()

	for s.State() != StateClosed {
		select {
		case <-ticker.C:
			s.redrive()
		case <-s.done:
			return
		case <-deadline.C:
			s.logger.Warn("timed out flushing audio, forcing close", "queued", s.queue.Len())
			s.force(StateClosed)
		}
	}
	s.release()
}

// release stops the driver and closes every connection.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		for _, ref := range []*connRef{s.active.Swap(nil), s.pending.Swap(nil)} {
			if ref != nil {
				_ = ref.conn.Close()
			}
		}
		close(s.done)
		s.logger.Info("session released", "dropped", s.queue.Len())
	})
}

func (s *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.force(StateClosed)
			s.release()
			return
		case <-s.kick:
			s.step(ctx)
		}
	}
}

// redrive submits one unit of state-machine work. Pending kicks coalesce.
func (s *Session) redrive() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// redriveAfter schedules a redrive; only one delayed redrive is outstanding at a time.
func (s *Session) redriveAfter(d time.Duration) {
	if !s.delayed.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(d, func() {
		s.delayed.Store(false)
		s.redrive()
	})
}

func (s *Session) step(ctx context.Context) {
	state := s.State()
	s.logger.Debug("drive", "state", state, "queued", s.queue.Len())

	switch state {
	case StateIdle, StateDisconnected:
		s.connect(ctx, state)

	case StateConnecting, StateConnected:
		s.redriveAfter(s.cfg.RetryDelay)

	case StateReady:
		switch s.drain(ctx) {
		case drainLinkLost:
			s.logger.Warn("connection lost, will reconnect", "queued", s.queue.Len())
			s.linkReady.Store(false)
			s.compareAndSet(StateReady, StateDisconnected)
			s.redrive()
		case drainInterrupted:
			s.applyInterrupt()
		}

	case StateClosing:
		s.flush(ctx)

	case StateClosed:
	}
}

func (s *Session) connect(ctx context.Context, from State) {
	if wait := s.dialWait(); wait > 0 {
		s.redriveAfter(wait)
		return
	}
	if !s.compareAndSet(from, StateConnecting) {
		s.redrive()
		return
	}
	s.linkReady.Store(false)
	s.dial(ctx)
	s.redriveAfter(s.cfg.RetryDelay)
}

// dialWait returns how long the reconnect backoff still has to run.
func (s *Session) dialWait() time.Duration {
	next := s.nextDial.Load()
	if next == 0 {
		return 0
	}
	return time.Until(time.Unix(0, next))
}

// dial opens a new connection in the background. The result becomes the pending link.
func (s *Session) dial(ctx context.Context) {
	if !s.dialing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		s.logger.Info("connecting", "url", redact(s.target))
		conn, err := s.dialer.Dial(ctx, s.target, nil, handler{s})
		s.dialing.Store(false)
		if err != nil {
			n := s.failures.Add(1)
			delay := s.cfg.RetryDelay << min(n-1, 6)
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			s.nextDial.Store(time.Now().Add(delay).UnixNano())
			s.logger.Error("handshake failed, will retry", "err", err, "attempt", n, "retry_in", delay)
			s.observer.ConnectFailed(s.id, err)
			s.compareAndSet(StateConnecting, StateDisconnected)
			s.redriveAfter(delay)
			return
		}

		s.failures.Store(0)
		s.nextDial.Store(0)
		if ref := s.active.Load(); ref == nil || ref.conn != conn {
			s.pending.Store(&connRef{conn: conn})
		}
		s.logger.Info("handshake successful, waiting for the service to get ready")
		s.redrive()
	}()
}

type drainResult int

const (
	drainEmpty drainResult = iota
	drainLinkLost
	drainInterrupted
	drainCancelled
)

// drain sends queued chunks until the queue is empty or the link fails.
// The head is removed only after it was written.
func (s *Session) drain(ctx context.Context) drainResult {
	for {
		if ctx.Err() != nil {
			return drainCancelled
		}
		if s.interrupted.Swap(false) {
			s.logger.Debug("drain interrupted", "queued", s.queue.Len())
			return drainInterrupted
		}

		chunk, ok := s.queue.Peek()
		if !ok {
			return drainEmpty
		}
		if !s.send(chunk) {
			return drainLinkLost
		}
		s.queue.Remove()
	}
}

// send writes chunk on the active link, falling back to the pending one.
func (s *Session) send(chunk []byte) bool {
	for _, ref := range []*connRef{s.active.Load(), s.pending.Load()} {
		if ref == nil || !ref.conn.IsOpen() {
			continue
		}
		if err := ref.conn.SendBinary(chunk); err != nil {
			s.logger.Error("failed to send audio", "err", err, "bytes", len(chunk))
			continue
		}
		s.logger.Debug("sent audio", "bytes", len(chunk))
		s.observer.ChunkSent(s.id, len(chunk))
		return true
	}
	return false
}

// flush runs while CLOSING: finish the queue, then send EOS and become CLOSED.
func (s *Session) flush(ctx context.Context) {
	if !s.queue.IsEmpty() {
		if !s.linkReady.Load() {
			if !s.hasOpenLink() && s.dialWait() <= 0 {
				s.dial(ctx)
			}
			s.redriveAfter(s.cfg.RetryDelay)
			return
		}
		switch s.drain(ctx) {
		case drainLinkLost:
			s.logger.Warn("connection lost while closing, will reconnect", "queued", s.queue.Len())
			s.linkReady.Store(false)
			s.redrive()
			return
		case drainInterrupted:
			// Interruption ends this pass only; the queue must still be flushed.
			s.applyInterrupt()
			if s.State() == StateClosing {
				s.redrive()
			}
			return
		case drainCancelled:
			return
		}
	}

	s.logger.Info("audio queue is empty, sending end of stream")
	s.sendEOS()
	s.compareAndSet(StateClosing, StateClosed)
}

func (s *Session) sendEOS() {
	for _, ref := range []*connRef{s.active.Load(), s.pending.Load()} {
		if ref == nil || !ref.conn.IsOpen() {
			continue
		}
		if err := ref.conn.SendText(EndOfStream); err != nil {
			s.logger.Error("failed to send end of stream", "err", err)
			continue
		}
		return
	}
	s.logger.Warn("no open connection for end of stream")
}

func (s *Session) hasOpenLink() bool {
	for _, ref := range []*connRef{s.active.Load(), s.pending.Load()} {
		if ref != nil && ref.conn.IsOpen() {
			return true
		}
	}
	return false
}

func (s *Session) applyInterrupt() {
	switch s.cfg.InterruptPolicy {
	case InterruptDisconnect:
		if s.advance(StateDisconnected, func(State) bool { return true }) {
			s.linkReady.Store(false)
			for _, ref := range []*connRef{s.active.Swap(nil), s.pending.Swap(nil)} {
				if ref != nil {
					_ = ref.conn.Close()
				}
			}
		}
	case InterruptClose:
		s.force(StateClosed)
		s.release()
	}
}

func (s *Session) compareAndSet(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.changed(from, to)
	return true
}

// advance moves to `to` from any state accepted by allow. It never leaves CLOSING or CLOSED.
func (s *Session) advance(to State, allow func(State) bool) bool {
	for {
		cur := s.State()
		if cur.shuttingDown() || cur == to || !allow(cur) {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			s.changed(cur, to)
			return true
		}
	}
}

// force moves to `to` unconditionally.
func (s *Session) force(to State) {
	for {
		cur := s.State()
		if cur == to {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			s.changed(cur, to)
			return
		}
	}
}

func (s *Session) changed(from, to State) {
	s.logger.Debug("state changed", "from", from, "to", to)
	s.observer.StateChanged(s.id, from, to)
}

// handler receives socket callbacks on behalf of a session.
type handler struct {
	s *Session
}

func (h handler) OnEstablished(conn Connection) {
	s := h.s
	s.logger.Info("connection established")

	old := s.active.Swap(&connRef{conn: conn})
	if p := s.pending.Load(); p != nil && p.conn == conn {
		s.pending.CompareAndSwap(p, nil)
	}
	if old != nil && old.conn != conn {
		_ = old.conn.Close()
	}

	s.advance(StateConnected, func(cur State) bool {
		return cur != StateReady
	})
	s.redrive()
}

func (h handler) OnBinaryMessage(conn Connection, data []byte) {
	h.s.logger.Debug("binary message received", "bytes", len(data))
}

func (h handler) OnTextMessage(conn Connection, data []byte) {
	s := h.s
	ev, err := DecodeEvent(data)
	if err != nil {
		s.logger.Error("failed to parse message", "err", err)
		return
	}
	s.observer.EventReceived(s.id, ev)

	if ev.Type == EventConnected {
		s.linkReady.Store(true)
		if s.advance(StateReady, func(State) bool { return true }) {
			s.logger.Info("service is ready", "id", ev.ID)
		}
		s.redrive()
		return
	}

	if !s.linkReady.Load() {
		s.logger.Debug("dropping message received before readiness", "type", ev.Type)
		return
	}
	if s.State() == StateClosed {
		return
	}
	s.dispatcher.Dispatch(ev)
}

func (h handler) OnTransportError(conn Connection, err error) {
	h.s.logger.Error("error in socket transport", "err", err)
}
