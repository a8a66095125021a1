package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/devpilot/devpilot/internal/protocol"
)

// broadcastTimeout bounds each per-page notify so a dead connection never
// stalls fan-out to the rest.
const broadcastTimeout = 5 * time.Second

// Hooks let the client registry observe connection lifecycle without the
// transport owning any registry state.
type Hooks struct {
	OnConnect    func(id, userAgent string)
	OnDisconnect func(id string)
	OnActivity   func(id string)
}

// Server accepts page connections on /ws, assigns each a fresh id, sends
// the connected handshake, and runs the symmetric RPC loop. The dispatch
// table is built once at startup from merged plugin contributions.
type Server struct {
	methods map[string]Handler
	hooks   Hooks
	logger  *slog.Logger

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	allowOrigins []string

	sessionsMu sync.RWMutex
	sessions   map[string]*Conn
}

// ServerConfig collects the dependencies for NewServer.
type ServerConfig struct {
	Methods      map[string]Handler
	Hooks        Hooks
	AllowOrigins []string
	Logger       *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	methods := cfg.Methods
	if methods == nil {
		methods = map[string]Handler{}
	}
	return &Server{
		methods:      methods,
		hooks:        cfg.Hooks,
		logger:       logger,
		allowOrigins: cfg.AllowOrigins,
		sessions:     make(map[string]*Conn),
	}
}

// Handler returns the HTTP handler hosting the /ws endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.sessionsMu.RLock()
	count := len(s.sessions)
	s.sessionsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":           true,
		"connected_clients": count,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowOrigins,
	})
	if err != nil {
		return
	}

	id := uuid.NewString()
	c := newConn(conn, id, s.methods, s.logger)
	if s.hooks.OnActivity != nil {
		c.onActivity = func() { s.hooks.OnActivity(id) }
	}

	// Handshake first: the page learns its id before any RPC traffic.
	if err := c.write(r.Context(), protocol.NewConnected(id)); err != nil {
		s.logger.Error("ws: handshake write failed", "client_id", id, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	s.addSession(id, c)
	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(id, r.UserAgent())
	}
	s.logger.Info("ws: client connected", "client_id", id)

	defer func() {
		s.removeSession(id)
		if s.hooks.OnDisconnect != nil {
			s.hooks.OnDisconnect(id)
		}
		s.logger.Info("ws: client disconnected", "client_id", id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if err := c.serve(r.Context()); err != nil {
		s.logger.Debug("ws: session ended", "client_id", id, "error", err)
	}
}

func (s *Server) addSession(id string, c *Conn) {
	s.sessionsMu.Lock()
	s.sessions[id] = c
	s.sessionsMu.Unlock()
}

func (s *Server) removeSession(id string) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
}

// Call issues an RPC against the page identified by clientID.
func (s *Server) Call(ctx context.Context, clientID, method string, args ...any) (json.RawMessage, error) {
	s.sessionsMu.RLock()
	c, ok := s.sessions[clientID]
	s.sessionsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, ErrNotConnected)
	}
	return c.Call(ctx, method, args...)
}

// Broadcast fans a notification out to every connected page. Best-effort:
// per-client failures are logged, never returned.
func (s *Server) Broadcast(method string, args ...any) {
	s.sessionsMu.RLock()
	conns := make(map[string]*Conn, len(s.sessions))
	for id, c := range s.sessions {
		conns[id] = c
	}
	s.sessionsMu.RUnlock()

	for id, c := range conns {
		go func(id string, c *Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
			defer cancel()
			if err := c.Notify(ctx, method, args...); err != nil {
				s.logger.Warn("ws: broadcast delivery failed", "client_id", id, "method", method, "error", err)
			}
		}(id, c)
	}
}

// SessionCount returns the number of live connections.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}
