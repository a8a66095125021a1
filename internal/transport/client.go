package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/devpilot/devpilot/internal/protocol"
)

// DefaultRetryDelay is the fixed pause between reconnect attempts. The
// page side retries forever; no backoff growth.
const DefaultRetryDelay = 3 * time.Second

// ClientConfig configures a page-side connection.
type ClientConfig struct {
	// URL is the ws:// endpoint of the server.
	URL string

	// RetryDelay overrides DefaultRetryDelay when positive.
	RetryDelay time.Duration

	// OnConnected fires after each successful handshake with the fresh
	// server-assigned id. Prior ids become historical; server-side queue
	// and history keyed by them persist.
	OnConnected func(clientID string)

	Logger *slog.Logger
}

// Client is the page-side transport: it dials the server, completes the
// handshake, serves registered handlers, and re-dials on a fixed delay
// whenever the connection drops.
type Client struct {
	cfg      ClientConfig
	handlers map[string]Handler

	mu       sync.RWMutex
	conn     *Conn
	clientID string
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
}

// Register adds a local handler. Must be called before Run.
func (c *Client) Register(method string, h Handler) {
	c.handlers[method] = h
}

// ClientID returns the id assigned in the current session, or "" while
// disconnected.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Call invokes a method on the server. Fails with ErrNotConnected before
// the handshake completes or between sessions.
func (c *Client) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn.Call(ctx, method, args...)
}

// Run connects and serves until ctx is done, redialing after every
// disconnect. It only returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.cfg.Logger.Warn("transport: session ended, will retry", "error", err, "delay", c.cfg.RetryDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "bye")

	// First frame must be the handshake carrying our id.
	var hello protocol.Message
	if err := wsjson.Read(ctx, ws, &hello); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if !hello.IsHandshake() || hello.ClientID == "" {
		return fmt.Errorf("expected connected frame, got kind=%q type=%q", hello.Kind, hello.Type)
	}

	conn := newConn(ws, "", c.handlers, c.cfg.Logger)
	c.mu.Lock()
	c.conn = conn
	c.clientID = hello.ClientID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.clientID = ""
		c.mu.Unlock()
	}()

	c.cfg.Logger.Info("transport: connected", "client_id", hello.ClientID)
	if c.cfg.OnConnected != nil {
		go c.cfg.OnConnected(hello.ClientID)
	}

	return conn.serve(ctx)
}
