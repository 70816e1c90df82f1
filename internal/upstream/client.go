// Package upstream maintains the outbound WebSocket connections to the
// backend bots. Each connection is supervised: it reconnects with backoff
// while the config says it should be up.
package upstream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onedispatch/onedispatch/internal/config"
	"github.com/onedispatch/onedispatch/internal/logging"
	"github.com/onedispatch/onedispatch/internal/onebot"
)

const (
	writeWait        = 5 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 60 * time.Second
	queueTTL         = 30 * time.Second
	sendQueueSize    = 256
)

// ErrNotConnected is returned by Send when the target is down.
var ErrNotConnected = errors.New("upstream not connected")

// State is the supervision state of one upstream connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// FrameHandler receives every frame read from an upstream.
type FrameHandler func(connID string, raw []byte)

type queued struct {
	data []byte
	at   time.Time
}

// Client supervises a single upstream connection.
type Client struct {
	cfg     config.Connection
	onFrame FrameHandler

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	wantUp      bool
	lastErr     string
	connectedAt time.Time
	reconnects  int

	out  chan queued
	kick chan struct{}
	done chan struct{}
}

func newClient(cfg config.Connection, onFrame FrameHandler) *Client {
	return &Client{
		cfg:     cfg,
		onFrame: onFrame,
		wantUp:  true,
		out:     make(chan queued, sendQueueSize),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *Client) setState(s State, errText string) {
	c.mu.Lock()
	c.state = s
	if errText != "" {
		c.lastErr = errText
	}
	if s == StateConnected {
		c.lastErr = ""
		c.connectedAt = time.Now()
	}
	c.mu.Unlock()
}

func (c *Client) setWanted(up bool) {
	c.mu.Lock()
	c.wantUp = up
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) wanted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wantUp
}

// closeConn tears down the live socket, unblocking the read pump.
func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// Send queues a frame for delivery. It fails fast when the socket is down;
// callers decide whether that is an error or a silent skip.
func (c *Client) Send(data []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	select {
	case c.out <- queued{data: data, at: time.Now()}:
		return nil
	default:
		return errors.New("upstream send queue full")
	}
}

// run is the supervision loop: dial, serve, back off, repeat.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := time.Duration(c.cfg.ReconnectInterval) * time.Second
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	base := backoff

	for {
		if ctx.Err() != nil {
			return
		}
		if !c.wanted() {
			select {
			case <-ctx.Done():
				return
			case <-c.kick:
			}
			continue
		}

		c.setState(StateConnecting, "")
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected, err.Error())
			logging.Warnf("upstream %s: dial %s failed: %v", c.cfg.ID, c.cfg.URL, err)
			if !c.cfg.AutoReconnects() {
				c.setWanted(false)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-c.kick:
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = base
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected, "")
		logging.Infof("upstream %s: connected to %s", c.cfg.ID, c.cfg.URL)

		// Backends gate event processing on the lifecycle handshake.
		_ = c.Send(onebot.LifecycleConnect(0))

		c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.reconnects++
		c.mu.Unlock()
		c.setState(StateDisconnected, "")
		logging.Infof("upstream %s: disconnected", c.cfg.ID)
		if !c.cfg.AutoReconnects() {
			c.setWanted(false)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	h.Set("User-Agent", "WebSocket-Dispatcher/1.0")
	h.Set("X-Self-ID", "0")
	h.Set("X-Client-Role", "Universal")
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	dctx, cancel := context.WithTimeout(ctx, handshakeTimeout+5*time.Second)
	defer cancel()
	conn, _, err := dialer.DialContext(dctx, c.cfg.URL, h)
	return conn, err
}

// serve runs the read and write pumps until either fails or the client is
// told to go down.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		stale := 0
		defer func() {
			if stale > 0 {
				logging.Warnf("upstream %s: dropped %d stale queued frames", c.cfg.ID, stale)
			}
		}()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			case q := <-c.out:
				// Queued frames survive a reconnect but go stale quickly.
				if time.Since(q.at) > queueTTL {
					stale++
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, q.data); err != nil {
					logging.Warnf("upstream %s: write failed: %v", c.cfg.ID, err)
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.lastErr = err.Error()
			c.mu.Unlock()
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.onFrame != nil {
			c.onFrame(c.cfg.ID, data)
		}
	}

	close(stop)
	_ = conn.Close()
	<-writerDone
}
