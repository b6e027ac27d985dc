package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// MaxMessageSize bounds a single protocol message
	MaxMessageSize = 4 << 20

	// PingPeriod is how often each side pings its peer
	PingPeriod = 15 * time.Second
	// ReadTimeout is how long a Read waits without receiving any frame, pings included
	ReadTimeout = 45 * time.Second

	writeTimeout = 30 * time.Second
	closeTimeout = time.Second
)

// WebSocketConn is a Conn over a WebSocket carrying one binary frame per message. Both
// peers ping every PingPeriod, so a Read fails once the peer has been silent for ReadTimeout
// even while it is busy and not reading itself.
type WebSocketConn struct {
	ws          *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
	closeOnce   sync.Once
	closeErr    error
	closed      chan struct{}
}

// NewWebSocketConn wraps an established WebSocket and starts its keepalive
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return newWebSocketConn(ws, PingPeriod, ReadTimeout)
}

func newWebSocketConn(ws *websocket.Conn, pingPeriod, readTimeout time.Duration) *WebSocketConn {
	c := &WebSocketConn{
		ws:          ws,
		readTimeout: readTimeout,
		closed:      make(chan struct{}),
	}
	ws.SetReadLimit(MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		return c.extendReadDeadline()
	})
	ws.SetPingHandler(func(data string) error {
		if err := c.extendReadDeadline(); err != nil {
			return err
		}
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	go c.keepalive(pingPeriod)
	return c
}

func (c *WebSocketConn) extendReadDeadline() error {
	return c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
}

func (c *WebSocketConn) keepalive(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Read returns the next binary message
func (c *WebSocketConn) Read() ([]byte, error) {
	if err := c.extendReadDeadline(); err != nil {
		return nil, err
	}
	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, fmt.Errorf("transport: unexpected websocket message type %d", typ)
	}
	return data, nil
}

// Write sends msg as one binary frame. Writes are serialized.
func (c *WebSocketConn) Write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}

// Close stops the keepalive, sends a normal close frame and closes the underlying connection
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(closeTimeout)
		// The peer may already be gone; the close frame is best effort.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
