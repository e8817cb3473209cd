package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/obs"
)

const defaultWriteTimeout = 10 * time.Second

// WSOptions tunes a WSChannel.
type WSOptions struct {
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
	// IdleTimeout closes the channel when nothing, pongs included, arrives for this long.
	// Pings are sent every IdleTimeout/2. Zero disables keepalive.
	IdleTimeout time.Duration
	// MaxMessageSize limits inbound frames; zero keeps the gorilla default (unlimited).
	MaxMessageSize int64
}

// WSChannel adapts a gorilla websocket connection to Channel.
type WSChannel struct {
	conn *websocket.Conn
	opts WSOptions

	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

var _ Channel = (*WSChannel)(nil)

// NewWSChannel wraps conn and, when IdleTimeout is set, starts the ping loop.
func NewWSChannel(conn *websocket.Conn, opts WSOptions) *WSChannel {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	c := &WSChannel{conn: conn, opts: opts, done: make(chan struct{})}
	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		})
		go c.keepalive()
	}
	return c
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *WSChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *WSChannel) Receive() (Frame, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return Frame{}, fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		if !c.IsOpen() || errors.Is(err, net.ErrClosed) {
			return Frame{}, ErrChannelClosed
		}
		return Frame{}, err
	}
	if c.opts.IdleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	}
	return Frame{Text: mt == websocket.TextMessage, Payload: data}, nil
}

func (c *WSChannel) Send(payload []byte, binary bool) error {
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.IsOpen() {
		return ErrChannelClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(mt, payload)
}

// Close sends a normal closure frame and releases the connection. It is idempotent.
func (c *WSChannel) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.closeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *WSChannel) Done() <-chan struct{} { return c.done }

func (c *WSChannel) IsOpen() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return !c.closed
}

func (c *WSChannel) keepalive() {
	t := time.NewTicker(c.opts.IdleTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				if c.IsOpen() {
					obs.Debug("ws.keepalive.failed", obs.Fields{"remote": c.conn.RemoteAddr().String(), "err": err})
					_ = c.Close()
				}
				return
			}
		}
	}
}
