package streaming

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSession(t *testing.T, cfg Config, dialer *fakeDialer, opts ...Option) (*Session, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	opts = append([]Option{WithDialer(dialer), WithLogger(testLogger()), WithObserver(obs)}, opts...)
	s, err := NewSession(cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	t.Cleanup(func() {
		s.force(StateClosed)
		s.release()
	})
	return s, obs
}

// startReady starts s and completes the handshake on the first connection.
func startReady(t *testing.T, s *Session, dialer *fakeDialer) *fakeConn {
	t.Helper()
	s.Start(context.Background())
	waitFor(t, "first connection", func() bool { return s.State() == StateConnected })
	conn := dialer.conn(0)
	conn.ready()
	if s.State() != StateReady {
		t.Fatalf("Expected READY after readiness ack, got %s", s.State())
	}
	return conn
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	_, err := NewSession(Config{ContentType: ContentTypeWAV})
	if err == nil {
		t.Fatal("Expected error for missing access token")
	}
}

func TestSessionIDs(t *testing.T) {
	a, _ := newTestSession(t, testConfig(), &fakeDialer{})
	b, _ := newTestSession(t, testConfig(), &fakeDialer{})
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("Expected distinct generated ids, got %q and %q", a.ID(), b.ID())
	}

	c, _ := newTestSession(t, testConfig(), &fakeDialer{}, WithID("call-42"))
	if c.ID() != "call-42" {
		t.Errorf("Expected id call-42, got %q", c.ID())
	}
}

func TestSessionDialsConfiguredTarget(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, testConfig(), dialer)
	startReady(t, s, dialer)

	target := dialer.targets[0]
	if !strings.HasPrefix(target, "wss://api.rev.ai/speechtotext/v1/stream?") {
		t.Errorf("Unexpected target %q", target)
	}
	if !strings.Contains(target, "access_token=test-token") {
		t.Errorf("Expected access token in target %q", target)
	}
}

func TestSessionHoldsAudioUntilReady(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, testConfig(), dialer)
	s.Start(context.Background())

	for _, chunk := range []string{"one", "two", "three"} {
		if !s.Stream([]byte(chunk)) {
			t.Fatalf("Stream(%q) rejected", chunk)
		}
	}

	waitFor(t, "connection", func() bool { return s.State() == StateConnected })
	conn := dialer.conn(0)

	// Give the driver a few ticks in CONNECTED.
	time.Sleep(30 * time.Millisecond)
	if binary, _ := conn.sent(); len(binary) != 0 {
		t.Fatalf("Expected no audio before readiness, got %d chunks", len(binary))
	}

	conn.ready()
	waitFor(t, "queued audio", func() bool {
		binary, _ := conn.sent()
		return len(binary) == 3
	})

	binary, _ := conn.sent()
	for i, want := range []string{"one", "two", "three"} {
		if string(binary[i]) != want {
			t.Errorf("Chunk %d: expected %q, got %q", i, want, binary[i])
		}
	}
	if s.Queued() != 0 {
		t.Errorf("Expected empty queue, got %d", s.Queued())
	}
}

func TestSessionDeliversEventsOnlyAfterReady(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &eventRecorder{}
	s, _ := newTestSession(t, testConfig(), dialer, WithListener(rec))
	s.Start(context.Background())

	waitFor(t, "connection", func() bool { return s.State() == StateConnected })
	conn := dialer.conn(0)

	conn.receive(t, Event{Type: EventPartial, Elements: []Element{{Value: "early"}}})
	if n := len(rec.received()); n != 0 {
		t.Fatalf("Expected no events before readiness, got %d", n)
	}

	conn.ready()
	conn.receive(t, Event{Type: EventPartial, Elements: []Element{{Value: "hello"}}})
	conn.receive(t, Event{Type: EventFinal, Elements: []Element{{Type: "text", Value: "Hello"}}})

	events := rec.received()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Type == EventConnected {
			t.Error("Readiness ack must not reach listeners")
		}
	}
	if !events[1].IsFinal() || events[1].Text() != "Hello" {
		t.Errorf("Unexpected final event %+v", events[1])
	}
}

func TestSessionRemoveListener(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, testConfig(), dialer)
	first, second := &eventRecorder{}, &eventRecorder{}
	h := s.AddListener(first)
	s.AddListener(second)
	conn := startReady(t, s, dialer)

	if !s.RemoveListener(h) {
		t.Fatal("Expected listener to be removed")
	}
	conn.receive(t, Event{Type: EventPartial})
	if len(first.received()) != 0 || len(second.received()) != 1 {
		t.Errorf("Expected only the remaining listener to be notified")
	}

	s.ClearListeners()
	conn.receive(t, Event{Type: EventPartial})
	if len(second.received()) != 1 {
		t.Errorf("Expected no delivery after ClearListeners")
	}
}

func TestSessionCloseFlushesThenSendsEOS(t *testing.T) {
	dialer := &fakeDialer{}
	s, obs := newTestSession(t, testConfig(), dialer)
	conn := startReady(t, s, dialer)

	s.Stream([]byte("a"))
	s.Stream([]byte("b"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Fatalf("Expected CLOSED, got %s", s.State())
	}
	binary, text := conn.sent()
	if len(binary) != 2 {
		t.Errorf("Expected 2 chunks flushed before EOS, got %d", len(binary))
	}
	if len(text) != 1 || text[0] != EndOfStream {
		t.Errorf("Expected exactly one EOS, got %v", text)
	}
	if !obs.visited(StateClosing) {
		t.Error("Expected to pass through CLOSING")
	}
	if conn.IsOpen() {
		t.Error("Expected connection to be closed after release")
	}

	if s.Stream([]byte("late")) {
		t.Error("Expected audio after close to be rejected")
	}
	if _, rejected, sent, _ := obs.counts(); rejected != 1 || sent != 2 {
		t.Errorf("Expected 2 sent and 1 rejected chunk, got %d and %d", sent, rejected)
	}
}

func TestSessionCloseWithEmptyQueue(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, testConfig(), dialer)
	conn := startReady(t, s, dialer)

	s.Close()
	waitDone(t, s)

	_, text := conn.sent()
	if len(text) != 1 || text[0] != EndOfStream {
		t.Errorf("Expected a single EOS, got %v", text)
	}
}

func TestSessionCloseBeforeStart(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), &fakeDialer{})
	s.Close()
	waitDone(t, s)
	if s.State() != StateClosed {
		t.Errorf("Expected CLOSED, got %s", s.State())
	}
}

func TestSessionCloseTimesOutWhenNeverReady(t *testing.T) {
	cfg := testConfig()
	cfg.CloseTimeout = 50 * time.Millisecond
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, cfg, dialer)
	s.Start(context.Background())
	s.Stream([]byte("stuck"))

	waitFor(t, "connection", func() bool { return s.State() == StateConnected })
	s.Close()
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Fatalf("Expected CLOSED after timeout, got %s", s.State())
	}
	binary, text := dialer.conn(0).sent()
	if len(binary) != 0 || len(text) != 0 {
		t.Errorf("Expected nothing sent on an unready link, got %d chunks and %v", len(binary), text)
	}
}

func TestSessionReconnectsAfterLinkLoss(t *testing.T) {
	dialer := &fakeDialer{}
	s, obs := newTestSession(t, testConfig(), dialer)
	first := startReady(t, s, dialer)

	s.Stream([]byte("before"))
	waitFor(t, "first chunk", func() bool {
		binary, _ := first.sent()
		return len(binary) == 1
	})

	first.drop()
	s.Stream([]byte("after"))

	waitFor(t, "second connection", func() bool { return dialer.conn(1) != nil })
	second := dialer.conn(1)
	waitFor(t, "second handshake", func() bool { return s.State() == StateConnected })
	if !obs.visited(StateDisconnected) {
		t.Error("Expected to pass through DISCONNECTED")
	}
	if s.Queued() != 1 {
		t.Errorf("Expected the unsent chunk to stay queued, got %d", s.Queued())
	}

	second.ready()
	waitFor(t, "chunk on new link", func() bool {
		binary, _ := second.sent()
		return len(binary) == 1
	})
	binary, _ := second.sent()
	if string(binary[0]) != "after" {
		t.Errorf("Expected %q on the new link, got %q", "after", binary[0])
	}
}

func TestSessionRetriesAfterDialFailure(t *testing.T) {
	dialer := &fakeDialer{failFirst: 2}
	s, obs := newTestSession(t, testConfig(), dialer)
	s.Start(context.Background())

	waitFor(t, "successful dial", func() bool { return s.State() == StateConnected })
	if dialer.dials() != 3 {
		t.Errorf("Expected 3 dial attempts, got %d", dialer.dials())
	}
	if _, _, _, failures := obs.counts(); failures != 2 {
		t.Errorf("Expected 2 reported failures, got %d", failures)
	}
	if !obs.visited(StateDisconnected) {
		t.Error("Expected failed dials to move through DISCONNECTED")
	}
}

func TestLateSignalsDoNotLeaveClosing(t *testing.T) {
	for _, st := range []State{StateClosing, StateClosed} {
		t.Run(st.String(), func(t *testing.T) {
			s, _ := newTestSession(t, testConfig(), &fakeDialer{})
			s.state.Store(int32(st))
			conn := &fakeConn{open: true, handler: handler{s}}

			handler{s}.OnEstablished(conn)
			if s.State() != st {
				t.Errorf("Established signal changed state to %s", s.State())
			}
			conn.ready()
			if s.State() != st {
				t.Errorf("Readiness ack changed state to %s", s.State())
			}
		})
	}
}

func TestInterruptPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy InterruptPolicy
		want   State
	}{
		{"keep", InterruptKeepState, StateReady},
		{"disconnect", InterruptDisconnect, StateDisconnected},
		{"close", InterruptClose, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.InterruptPolicy = tt.policy
			// A long retry delay keeps the disconnected session from redialing during the check.
			cfg.RetryDelay = time.Hour
			dialer := &fakeDialer{}
			s, _ := newTestSession(t, cfg, dialer)
			startReady(t, s, dialer)

			s.Interrupt()
			waitFor(t, "interrupt to be observed", func() bool { return !s.interrupted.Load() })
			waitFor(t, "state "+tt.want.String(), func() bool { return s.State() == tt.want })

			if tt.policy == InterruptClose {
				waitDone(t, s)
			}
		})
	}
}

func TestInterruptKeepsQueuedAudio(t *testing.T) {
	cfg := testConfig()
	cfg.InterruptPolicy = InterruptDisconnect
	dialer := &fakeDialer{}
	s, obs := newTestSession(t, cfg, dialer)
	first := startReady(t, s, dialer)

	s.interrupted.Store(true)
	s.Stream([]byte("held"))

	// The interrupted link is dropped and the next drive dials again.
	waitFor(t, "reconnect", func() bool { return dialer.conn(1) != nil })
	if !obs.visited(StateDisconnected) {
		t.Error("Expected to pass through DISCONNECTED")
	}
	if binary, _ := first.sent(); len(binary) != 0 {
		t.Errorf("Expected no audio on the interrupted link, got %d chunks", len(binary))
	}

	waitFor(t, "second handshake", func() bool { return s.State() == StateConnected })
	second := dialer.conn(1)
	second.ready()
	waitFor(t, "held chunk", func() bool {
		binary, _ := second.sent()
		return len(binary) == 1
	})
}

func TestInterruptWhileClosingStillFlushes(t *testing.T) {
	cfg := testConfig()
	cfg.CloseTimeout = time.Second
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, cfg, dialer)
	conn := startReady(t, s, dialer)
	// Let the handshake's delayed drive run before arming the interrupt.
	waitFor(t, "idle driver", func() bool { return !s.delayed.Load() })
	time.Sleep(20 * time.Millisecond)

	// The first interrupt ends the READY pass and leaves the chunk queued.
	s.interrupted.Store(true)
	s.Stream([]byte("held"))
	waitFor(t, "interrupt to be observed", func() bool { return !s.interrupted.Load() })
	if s.Queued() != 1 {
		t.Fatalf("Expected the chunk to stay queued, got %d", s.Queued())
	}

	s.interrupted.Store(true)
	begin := time.Now()
	s.Close()
	waitDone(t, s)

	if elapsed := time.Since(begin); elapsed >= cfg.CloseTimeout {
		t.Errorf("Close waited for the timeout (%v)", elapsed)
	}
	binary, text := conn.sent()
	if len(binary) != 1 || string(binary[0]) != "held" {
		t.Errorf("Expected the held chunk to be flushed, got %q", binary)
	}
	if len(text) != 1 || text[0] != EndOfStream {
		t.Errorf("Expected a single EOS, got %v", text)
	}
	if s.Queued() != 0 {
		t.Errorf("Expected an empty queue, got %d", s.Queued())
	}
}

func TestAcceptedChunksAreSentBeforeEOS(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, testConfig(), dialer)
	conn := startReady(t, s, dialer)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if s.Stream([]byte{byte(j)}) {
					accepted.Add(1)
				}
			}
		}()
	}
	s.Close()
	wg.Wait()
	waitDone(t, s)

	binary, text := conn.sent()
	if len(binary) != int(accepted.Load()) {
		t.Errorf("Accepted %d chunks but sent %d", accepted.Load(), len(binary))
	}
	if len(text) != 1 || text[0] != EndOfStream {
		t.Errorf("Expected a single EOS, got %v", text)
	}
}

func TestSessionStopsWhenContextCancelled(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, testConfig(), dialer)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, "connection", func() bool { return s.State() == StateConnected })

	cancel()
	waitDone(t, s)
	if s.State() != StateClosed {
		t.Errorf("Expected CLOSED after cancellation, got %s", s.State())
	}
}

func TestStreamIgnoresEmptyChunks(t *testing.T) {
	s, obs := newTestSession(t, testConfig(), &fakeDialer{})
	if !s.Stream(nil) {
		t.Error("Expected empty chunk to be accepted")
	}
	if queued, _, _, _ := obs.counts(); s.Queued() != 0 || queued != 0 {
		t.Error("Expected empty chunk not to be queued")
	}
}
