package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

// fakeConn records everything the session writes.
type fakeConn struct {
	mu      sync.Mutex
	open    bool
	binary  [][]byte
	text    []string
	handler ConnectionHandler
}

func (c *fakeConn) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errConnectionClosed
	}
	c.binary = append(c.binary, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errConnectionClosed
	}
	c.text = append(c.text, text)
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) drop() { c.Close() }

func (c *fakeConn) sent() ([][]byte, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.binary...), append([]string(nil), c.text...)
}

// ready delivers the service readiness acknowledgment.
func (c *fakeConn) ready() {
	c.handler.OnTextMessage(c, []byte(`{"type":"connected","id":"job-1"}`))
}

func (c *fakeConn) receive(t *testing.T, ev Event) {
	t.Helper()
	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("Failed to encode event: %v", err)
	}
	c.handler.OnTextMessage(c, data)
}

// fakeDialer hands out fakeConns. The first failFirst dials return an error.
type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	targets   []string
	failFirst int
	attempts  int
}

func (d *fakeDialer) Dial(ctx context.Context, target string, header http.Header, handler ConnectionHandler) (Connection, error) {
	d.mu.Lock()
	d.attempts++
	if d.attempts <= d.failFirst {
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{open: true, handler: handler}
	d.conns = append(d.conns, conn)
	d.targets = append(d.targets, target)
	d.mu.Unlock()

	go handler.OnEstablished(conn)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// recordingObserver keeps state transitions and counters.
type recordingObserver struct {
	mu          sync.Mutex
	transitions []State
	queued      int
	rejected    int
	sent        int
	failures    int
	events      int
}

func (o *recordingObserver) StateChanged(id string, from, to State) {
	o.mu.Lock()
	o.transitions = append(o.transitions, to)
	o.mu.Unlock()
}

func (o *recordingObserver) ChunkQueued(id string, size int) {
	o.mu.Lock()
	o.queued++
	o.mu.Unlock()
}

func (o *recordingObserver) ChunkRejected(id string, size int) {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func (o *recordingObserver) ChunkSent(id string, size int) {
	o.mu.Lock()
	o.sent++
	o.mu.Unlock()
}

func (o *recordingObserver) ConnectFailed(id string, err error) {
	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
}

func (o *recordingObserver) EventReceived(id string, ev Event) {
	o.mu.Lock()
	o.events++
	o.mu.Unlock()
}

func (o *recordingObserver) counts() (queued, rejected, sent, failures int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queued, o.rejected, o.sent, o.failures
}

func (o *recordingObserver) visited(s State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, x := range o.transitions {
		if x == s {
			return true
		}
	}
	return false
}

// eventRecorder is a listener that keeps every delivered event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) received() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func testConfig() Config {
	return Config{
		AccessToken:       "test-token",
		ContentType:       ContentTypeWAV,
		RetryDelay:        5 * time.Millisecond,
		ClosePollInterval: 5 * time.Millisecond,
		CloseTimeout:      2 * time.Second,
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("Session did not finish, state %s", s.State())
	}
}
