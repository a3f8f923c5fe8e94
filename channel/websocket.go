package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultPingInterval sends a ping on otherwise idle connections.
	DefaultPingInterval = 25 * time.Second
	// DefaultPongTimeout closes a connection that stops answering pings.
	DefaultPongTimeout = 60 * time.Second
	// DefaultWriteTimeout bounds one frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultHandshakeTimeout bounds the websocket upgrade.
	DefaultHandshakeTimeout = 15 * time.Second
	// MaxFrameSize is the largest inbound frame accepted.
	MaxFrameSize = 4 * 1024 * 1024

	dispatchQueueSize = 256
)

// WebsocketOptions configures a WebsocketChannel.
type WebsocketOptions struct {
	URL    string
	Token  string
	SelfID string

	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	// NewBackoff returns the reconnect schedule. Defaults to exponential
	// backoff without an elapsed-time limit.
	NewBackoff func() backoff.BackOff

	Logger *zap.Logger
}

func (o WebsocketOptions) withDefaults() WebsocketOptions {
	out := o
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = DefaultPongTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.NewBackoff == nil {
		out.NewBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// WebsocketChannel is a reconnecting websocket transport.
type WebsocketChannel struct {
	options WebsocketOptions
	dialer  *websocket.Dialer
	subs    *subscriptions

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu   sync.Mutex
	connected atomic.Bool

	queue chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWebsocket validates options and returns an unstarted channel.
func NewWebsocket(options WebsocketOptions) (*WebsocketChannel, error) {
	opts := options.withDefaults()
	if opts.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	if !strings.HasPrefix(opts.URL, "ws://") && !strings.HasPrefix(opts.URL, "wss://") {
		return nil, fmt.Errorf("websocket url %q must use ws:// or wss://", opts.URL)
	}
	if opts.SelfID == "" {
		return nil, errors.New("self id is required")
	}

	return &WebsocketChannel{
		options: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		subs:  newSubscriptions(),
		queue: make(chan Event, dispatchQueueSize),
	}, nil
}

// Start begins connecting in the background. It returns immediately; the
// first Connected event signals readiness.
func (c *WebsocketChannel) Start() {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(context.Background())
		c.wg.Add(2)
		go c.dispatchLoop()
		go c.connectLoop()
	})
}

// Close stops reconnecting and closes the active connection.
func (c *WebsocketChannel) Close() error {
	c.stopOnce.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connMu.Unlock()
		c.wg.Wait()
	})
	return nil
}

// Connected reports whether a websocket session is currently up.
func (c *WebsocketChannel) Connected() bool {
	return c.connected.Load()
}

// Subscribe registers a named handler.
func (c *WebsocketChannel) Subscribe(name string, handler Handler) func() {
	return c.subs.add(name, handler)
}

// Emit writes one event frame.
func (c *WebsocketChannel) Emit(ctx context.Context, eventType EventType, payload any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	frame, err := Encode(eventType, payload)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.options.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s frame: %w", eventType, err)
	}
	return nil
}

func (c *WebsocketChannel) connectLoop() {
	defer c.wg.Done()

	reconnect := false
	for {
		conn, err := c.dialWithBackoff()
		if err != nil {
			return
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.connected.Store(true)
		c.options.Logger.Info("channel_connected", zap.String("url", c.options.URL), zap.Bool("reconnect", reconnect))
		c.enqueue(Connected{Reconnect: reconnect})

		stopPing := make(chan struct{})
		go c.pingLoop(conn, stopPing)
		readErr := c.readLoop(conn)
		close(stopPing)

		c.connected.Store(false)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()

		c.options.Logger.Warn("channel_disconnected", zap.Error(readErr))
		c.enqueue(Disconnected{Err: readErr})

		if c.ctx.Err() != nil {
			return
		}
		reconnect = true
	}
}

func (c *WebsocketChannel) dialWithBackoff() (*websocket.Conn, error) {
	header := http.Header{}
	if c.options.Token != "" {
		header.Set("Authorization", "Bearer "+c.options.Token)
	}

	var conn *websocket.Conn
	operation := func() error {
		dialed, resp, err := c.dialer.DialContext(c.ctx, c.options.URL, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("dial %s: unauthorized (%d)", c.options.URL, resp.StatusCode))
			}
			return fmt.Errorf("dial %s: %w", c.options.URL, err)
		}
		conn = dialed
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.options.Logger.Warn("channel_dial_failed", zap.Error(err), zap.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(c.options.NewBackoff(), c.ctx), notify); err != nil {
		if c.ctx.Err() == nil {
			c.options.Logger.Error("channel_dial_abandoned", zap.Error(err))
		}
		return nil, err
	}
	return conn, nil
}

func (c *WebsocketChannel) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))

		event, err := Decode(c.options.SelfID, frame)
		if err != nil {
			c.options.Logger.Warn("channel_decode_failed", zap.Error(err))
			continue
		}
		c.enqueue(event)
	}
}

func (c *WebsocketChannel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.options.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *WebsocketChannel) enqueue(event Event) {
	select {
	case c.queue <- event:
	case <-c.ctx.Done():
	}
}

func (c *WebsocketChannel) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case event := <-c.queue:
			c.subs.dispatch(c.ctx, event)
		case <-c.ctx.Done():
			return
		}
	}
}
