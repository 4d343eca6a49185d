package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var errConnectionClosed = errors.New("connection closed")

// WebsocketDialer opens gorilla websocket connections.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// NewWebsocketDialer creates a dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{HandshakeTimeout: handshakeTimeout}
}

// Dial connects to target and starts the reader goroutine.
func (d *WebsocketDialer) Dial(ctx context.Context, target string, header http.Header, handler ConnectionHandler) (Connection, error) {
	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	wc := &websocketConn{
		conn:    conn,
		handler: handler,
		done:    make(chan struct{}),
	}
	wc.open.Store(true)

	go wc.readLoop()

	return wc, nil
}

type websocketConn struct {
	conn    *websocket.Conn
	handler ConnectionHandler
	open    atomic.Bool
	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (c *websocketConn) readLoop() {
	defer close(c.done)

	c.handler.OnEstablished(c)

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			wasOpen := c.open.Swap(false)
			if wasOpen && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.handler.OnTransportError(c, err)
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			c.handler.OnTextMessage(c, message)
		case websocket.BinaryMessage:
			c.handler.OnBinaryMessage(c, message)
		}
	}
}

func (c *websocketConn) write(kind int, data []byte) error {
	if !c.open.Load() {
		return errConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(kind, data); err != nil {
		c.open.Store(false)
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *websocketConn) SendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *websocketConn) SendText(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

func (c *websocketConn) IsOpen() bool {
	return c.open.Load()
}

// Close sends a normal close frame and tears down the socket.
func (c *websocketConn) Close() error {
	var err error
	c.once.Do(func() {
		if c.open.Swap(false) {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		err = c.conn.Close()
	})
	return err
}
