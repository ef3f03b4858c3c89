package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/citysync/transport"
)

// client is one websocket connection. It is the transport.Sink for that
// connection: every envelope goes out as one binary frame.
type client struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	limiter     *rate.Limiter
	sender      *transport.Sender

	writeTimeout time.Duration
	writeMu      sync.Mutex // gorilla allows one concurrent writer
	closed       atomic.Bool
	closeOnce    sync.Once
}

func newClient(conn *websocket.Conn, cfg Config) *client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &client{
		id:           uuid.NewString(),
		conn:         conn,
		connectedAt:  time.Now(),
		limiter:      rate.NewLimiter(limit, max(cfg.RateBurst, 1)),
		writeTimeout: cfg.WriteTimeout,
	}
}

// Deliver implements transport.Sink.
func (c *client) Deliver(ctx context.Context, env transport.Envelope) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	data, err := env.MarshalBinary()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *client) ping(timeout time.Duration) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}
