// Package wsconn provides a reconnecting websocket client shared by both
// peer links. It exposes a narrow interface (Start, Send, Disconnect) and
// reports events through a consumer-supplied Handler instead of listener
// registration.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Send while the link is down.
	ErrNotConnected = errors.New("wsconn: not connected")
	// ErrAlreadyStarted is returned by Start on a live connection.
	ErrAlreadyStarted = errors.New("wsconn: already started")
)

// Handler receives connection events. Callbacks run on the connection's
// internal goroutines and must not block for long.
type Handler interface {
	// OnMessage delivers one inbound frame.
	OnMessage(data []byte)
	// OnConnected fires after every successful (re)connect.
	OnConnected()
	// OnDisconnected fires when an established connection drops, before any
	// reconnect attempt is scheduled.
	OnDisconnected(err error)
	// OnExhausted fires after max consecutive reconnect failures. The
	// connection stays down until Start is called again.
	OnExhausted()
}

// Config holds connection parameters. Zero durations take the defaults.
type Config struct {
	Name string // label used in logs
	URL  string

	// Header produces handshake headers (auth tokens etc). Re-evaluated on
	// every attempt so short-lived credentials stay fresh.
	Header func() (http.Header, error)

	HeartbeatInterval time.Duration // default 30s
	HandshakeTimeout  time.Duration // default 10s
	BackoffBase       time.Duration // default 5s
	BackoffCap        time.Duration // default 60s
	MaxAttempts       int           // default 10

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Conn is a websocket connection that reconnects with exponential backoff
// after unexpected closes and terminates itself when heartbeats go
// unanswered. Exactly one Conn exists per peer link: reconnection replaces
// the underlying socket, never duplicates it.
type Conn struct {
	cfg     Config
	handler Handler

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	cancelSession  context.CancelFunc
	reconnectTimer *time.Timer
	attempt        int
	survived       bool // current connection made it past handshake
	noReconnect    bool
	gen            uint64 // connection generation, guards stale callbacks
}

// New creates a connection for cfg reporting events to handler.
func New(cfg Config, handler Handler) *Conn {
	cfg.setDefaults()
	return &Conn{cfg: cfg, handler: handler}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start dials the peer. The first attempt is synchronous: a failure is
// returned to the caller and no reconnect is scheduled. Once established,
// unexpected closes trigger reconnection until Disconnect or exhaustion.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.noReconnect = false
	c.attempt = 0
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", c.cfg.Name, err)
	}
	return nil
}

// Send transmits one text frame. Returns ErrNotConnected while the link is
// down; callers relying on request correlation handle that as a transport
// failure.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return ErrNotConnected
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send on %s: %w", c.cfg.Name, err)
	}
	return nil
}

// Disconnect tears the connection down for good. Idempotent: it flips the
// no-reconnect flag, cancels any pending reconnect timer and the session
// goroutines, and closes the socket in one critical section.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.noReconnect = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ws := c.ws
	cancel := c.cancelSession
	if c.state == StateConnected || c.state == StateConnecting {
		c.state = StateClosing
	}
	c.ws = nil
	c.cancelSession = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		if err := ws.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			c.cfg.Logger.Debug("close websocket", "conn", c.cfg.Name, "error", err)
		}
	}

	c.mu.Lock()
	if c.state == StateClosing {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

// dial performs one connection attempt and, on success, launches the read
// and heartbeat loops for that session.
func (c *Conn) dial(ctx context.Context) error {
	var header http.Header
	if c.cfg.Header != nil {
		var err error
		header, err = c.cfg.Header()
		if err != nil {
			return fmt.Errorf("build handshake headers: %w", err)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return err
	}
	ws.SetReadLimit(1 << 20)

	sessionCtx, cancelSession := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.noReconnect {
		c.mu.Unlock()
		cancelSession()
		_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	c.gen++
	gen := c.gen
	c.ws = ws
	c.cancelSession = cancelSession
	c.state = StateConnected
	c.survived = false
	c.mu.Unlock()

	c.cfg.Logger.Info("connected", "conn", c.cfg.Name, "url", c.cfg.URL)
	c.handler.OnConnected()

	go c.readLoop(sessionCtx, ws, gen)
	go c.heartbeatLoop(sessionCtx, ws, gen)
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.onSessionEnd(gen, err)
			return
		}
		c.markAlive(gen)
		c.handler.OnMessage(data)
	}
}

// heartbeatLoop pings on a fixed interval. A ping unanswered within twice
// the interval terminates the socket, which surfaces as a read error and
// follows the normal disconnect/reconnect path.
func (c *Conn) heartbeatLoop(ctx context.Context, ws *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*c.cfg.HeartbeatInterval)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.cfg.Logger.Warn("heartbeat timed out, terminating connection", "conn", c.cfg.Name, "error", err)
				_ = ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			c.markAlive(gen)
		}
	}
}

// markAlive records that the current connection survived past handshake,
// which resets the consecutive-failure counter.
func (c *Conn) markAlive(gen uint64) {
	c.mu.Lock()
	if c.gen == gen && !c.survived {
		c.survived = true
		c.attempt = 0
	}
	c.mu.Unlock()
}

// onSessionEnd runs when a session's read loop exits. It decides between a
// deliberate shutdown and an unexpected drop that warrants reconnection.
func (c *Conn) onSessionEnd(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	if c.cancelSession != nil {
		c.cancelSession()
		c.cancelSession = nil
	}
	c.ws = nil
	deliberate := c.noReconnect || c.state == StateClosing
	c.state = StateDisconnected
	c.mu.Unlock()

	if deliberate {
		c.handler.OnDisconnected(err)
		return
	}

	c.cfg.Logger.Warn("connection lost", "conn", c.cfg.Name, "error", err)
	c.handler.OnDisconnected(err)
	c.scheduleReconnect()
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.noReconnect {
		c.mu.Unlock()
		return
	}
	c.attempt++
	if c.attempt > c.cfg.MaxAttempts {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.cfg.Logger.Error("reconnect attempts exhausted", "conn", c.cfg.Name, "max_attempts", c.cfg.MaxAttempts)
		c.handler.OnExhausted()
		return
	}

	delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, c.attempt)
	attempt := c.attempt
	c.state = StateConnecting
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		stopped := c.noReconnect
		c.mu.Unlock()
		if stopped {
			return
		}
		if err := c.dial(context.Background()); err != nil {
			c.cfg.Logger.Warn("reconnect attempt failed", "conn", c.cfg.Name, "attempt", attempt, "error", err)
			c.scheduleReconnect()
		}
	})
	c.mu.Unlock()

	c.cfg.Logger.Info("reconnect scheduled", "conn", c.cfg.Name, "attempt", attempt, "delay", delay)
}

// backoffDelay computes min(base * 2^(attempt-1), cap).
func backoffDelay(base, capDelay time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= capDelay {
			return capDelay
		}
	}
	if delay > capDelay {
		return capDelay
	}
	return delay
}
