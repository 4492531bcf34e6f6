package api

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shv/smarthome/internal/bus"
	"github.com/shv/smarthome/internal/infrastructure/config"
)

// defaultSendBuffer is the per-client outbound buffer size used when the
// configured bus send buffer size is not positive.
const defaultSendBuffer = 64

// WSClient is one live websocket connection.
//
// It implements bus.Socket: delivery tasks call Send to forward channel
// envelopes and Connected to detect ungraceful disconnects.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// gone flips once when the client is unregistered or its read loop
	// ends. After that every Send fails and delivery tasks tear down.
	gone atomic.Bool
}

func newWSClient(hub *Hub, conn *websocket.Conn, bufferSize int) *WSClient {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &WSClient{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, bufferSize),
	}
}

// Send queues an envelope for delivery to the client.
//
// Returns:
//   - error: ErrClientGone after disconnect, ErrSendBufferFull when the
//     client reads too slowly; the message is dropped in both cases
func (c *WSClient) Send(env bus.Envelope) error {
	if c.gone.Load() {
		return ErrClientGone
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.trySend(data)
}

// Connected reports whether the connection is still live.
func (c *WSClient) Connected() bool {
	return !c.gone.Load()
}

// markGone flags the client as disconnected. Called by the hub before the
// send channel closes.
func (c *WSClient) markGone() {
	c.gone.Store(true)
}

// trySend attempts a non-blocking enqueue of raw data.
// A send racing channel close during unregister is absorbed here.
func (c *WSClient) trySend(data []byte) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrClientGone
		}
	}()

	if c.gone.Load() {
		return ErrClientGone
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// writePump writes queued messages to the websocket connection and keeps it
// alive with protocol pings. It exits when the send channel closes.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
