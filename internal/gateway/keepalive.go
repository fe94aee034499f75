package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the gateway sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the client.
	wsPongWait = 60 * time.Second
)

// startKeepalive sets up WebSocket-level ping/pong on a client connection.
// It sets a read deadline, installs a pong handler that extends it, and
// starts a goroutine that sends periodic pings through the connection's
// write mutex. The returned cancel function stops the ping goroutine.
func startKeepalive(wc *wsConn) (cancel func()) {
	_ = wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				wc.mu.Lock()
				err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				wc.mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
