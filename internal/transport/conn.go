// Package transport carries the bidirectional RPC between the server and
// connected pages: one WebSocket per page, JSON frames, concurrent calls
// correlated by generated id in both directions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/devpilot/devpilot/internal/protocol"
)

var (
	// ErrNotConnected is returned for calls issued before the handshake
	// completes or while the page side has no live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionClosed rejects every call still outstanding when the
	// underlying connection goes away.
	ErrConnectionClosed = errors.New("connection closed")
)

// Handler executes a locally registered RPC method. Args arrive as raw
// JSON, one element per call argument. The returned value is marshaled
// into the response; a returned error travels as the response error string.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

type clientIDKey struct{}

// WithClientID tags ctx with the id of the page a request came from.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, id)
}

// ClientIDFrom returns the page id a handler invocation belongs to, or ""
// when the handler runs outside a server-side connection.
func ClientIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}

// Conn multiplexes concurrent RPC calls over one WebSocket. Both ends hold
// one: the server one per accepted page, the page one per dialed session.
type Conn struct {
	ws       *websocket.Conn
	clientID string // server-assigned page id; empty on the page side
	handlers map[string]Handler
	logger   *slog.Logger

	onActivity func() // invoked per inbound request; may be nil

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Message
	closed    bool
}

func newConn(ws *websocket.Conn, clientID string, handlers map[string]Handler, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		ws:       ws,
		clientID: clientID,
		handlers: handlers,
		logger:   logger,
		pending:  make(map[string]chan protocol.Message),
	}
}

// ClientID returns the server-assigned id of the page this connection
// serves. Empty on the page side.
func (c *Conn) ClientID() string {
	return c.clientID
}

func (c *Conn) write(ctx context.Context, msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, msg)
}

// Call invokes a method on the remote end and blocks until the matching
// response arrives, ctx is done, or the connection closes.
func (c *Conn) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	id := uuid.NewString()
	req, err := protocol.NewRequest(id, method, args...)
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.Message, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(ctx, req); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send request %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if resp.Error != nil {
			return nil, errors.New(*resp.Error)
		}
		return resp.Result, nil
	}
}

// Notify sends a request without tracking a pending call. The remote end
// still replies, but the response hits the unknown-id path and is
// discarded. Used for best-effort fan-out like queue-depth updates.
func (c *Conn) Notify(ctx context.Context, method string, args ...any) error {
	req, err := protocol.NewRequest(uuid.NewString(), method, args...)
	if err != nil {
		return err
	}
	return c.write(ctx, req)
}

func (c *Conn) dropPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// serve reads frames until the connection fails, dispatching requests to
// registered handlers and responses to pending callers. On exit every
// outstanding call is rejected with ErrConnectionClosed.
func (c *Conn) serve(ctx context.Context) error {
	defer c.failPending()

	for {
		var msg protocol.Message
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			return err
		}
		if err := msg.Validate(); err != nil {
			c.logger.Warn("transport: dropping malformed frame", "error", err)
			continue
		}

		switch {
		case msg.Kind == protocol.KindRequest:
			if c.onActivity != nil {
				c.onActivity()
			}
			// Each call is independent; never block the read loop on a
			// slow handler.
			go c.handleRequest(ctx, msg)
		case msg.Kind == protocol.KindResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if !ok {
				// Unknown id: stale or notify response. Discard.
				c.logger.Debug("transport: discarding response with unknown id", "id", msg.ID)
				continue
			}
			ch <- msg
		default:
			c.logger.Warn("transport: unexpected handshake frame mid-session")
		}
	}
}

func (c *Conn) handleRequest(ctx context.Context, req protocol.Message) {
	if c.clientID != "" {
		ctx = WithClientID(ctx, c.clientID)
	}

	var resp protocol.Message
	handler, ok := c.handlers[req.Method]
	if !ok {
		resp = protocol.NewError(req.ID, fmt.Sprintf("unknown method: %s", req.Method))
	} else {
		result, err := invoke(ctx, handler, req.Args)
		if err != nil {
			resp = protocol.NewError(req.ID, err.Error())
		} else {
			var merr error
			resp, merr = protocol.NewResult(req.ID, result)
			if merr != nil {
				resp = protocol.NewError(req.ID, merr.Error())
			}
		}
	}

	if err := c.write(ctx, resp); err != nil {
		c.logger.Error("transport: write response failed", "method", req.Method, "error", err)
	}
}

// invoke shields the read loop from panicking handlers; a misbehaving
// extension method must not take down the connection.
func invoke(ctx context.Context, h Handler, args []json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, args)
}

func (c *Conn) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}
