// Package wsconn wraps a gorilla websocket connection as a relay leg: one
// reader, serialized JSON writes, keepalive pings and an idempotent close.
package wsconn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("websocket connection closed")

// Options tune a wrapped connection. Zero values disable the feature.
type Options struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimitBytes int64
}

// Conn is safe for one concurrent reader plus any number of writers.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func New(ws *websocket.Conn, opts Options) *Conn {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadLimitBytes > 0 {
		ws.SetReadLimit(opts.ReadLimitBytes)
	}
	c := &Conn{ws: ws, opts: opts, closed: make(chan struct{})}
	if opts.PingInterval > 0 {
		readWindow := 3 * opts.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(readWindow))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readWindow))
		})
		go c.keepAlive()
	}
	return c
}

// ReadMessage blocks for the next data frame. Any error is terminal for the leg.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.opts.PingInterval > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(3 * c.opts.PingInterval))
	}
	return data, nil
}

func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteJSON(v)
}

// Close sends a normal close frame (best effort) and releases the socket.
func (c *Conn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		retErr = c.ws.Close()
	})
	return retErr
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) keepAlive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// DialOptions configure Dial.
type DialOptions struct {
	HandshakeTimeout time.Duration
	Conn             Options
}

// Dial opens a client websocket and wraps it.
func Dial(ctx context.Context, url string, header http.Header, opts DialOptions) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return New(ws, opts.Conn), nil
}
