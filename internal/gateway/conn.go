package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatcore-ai/chatcore/pkg/protocol"
)

// wsConn wraps one client WebSocket. It implements router.Conn: the
// write mutex serializes frames so concurrent handlers never interleave
// writes on the same socket.
type wsConn struct {
	id       string
	userID   string
	username string
	role     string
	conn     *websocket.Conn

	mu     sync.Mutex
	closed bool

	msgTokens   float64
	msgLastTime time.Time
}

const writeTimeout = 10 * time.Second

// Send marshals and writes one envelope to the client.
func (c *wsConn) Send(ctx context.Context, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether the socket is still open.
func (c *wsConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// allowMessage applies a per-connection token bucket to inbound frames.
func (c *wsConn) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.msgLastTime.IsZero() {
		c.msgTokens = burst
		c.msgLastTime = now
	}

	elapsed := now.Sub(c.msgLastTime).Seconds()
	c.msgTokens += elapsed * rate
	if c.msgTokens > burst {
		c.msgTokens = burst
	}
	c.msgLastTime = now

	if c.msgTokens < 1 {
		return false
	}
	c.msgTokens--
	return true
}
