// Package mcp speaks the Model Context Protocol over stdio: one JSON-RPC
// 2.0 message per line, tools listed and called by an external AI client.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// maxLineBytes bounds one incoming frame; screenshots and DOM dumps ride
// inside tool results, not requests, so this is generous.
const maxLineBytes = 16 * 1024 * 1024

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Tool is one catalog entry surfaced through tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ContentBlock is one piece of a tool result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is what a tool call returns. IsError marks tool-level
// failures that the model should read and react to, as opposed to
// protocol errors.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// TextResult wraps a plain string as a single text block.
func TextResult(text string) ToolResult {
	return ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult wraps a diagnostic as a tool-level error.
func ErrorResult(text string) ToolResult {
	return ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

// ToolHandler is the surface the bridge implements.
type ToolHandler interface {
	ListTools() []Tool
	CallTool(ctx context.Context, name string, args json.RawMessage) ToolResult
}

// ServerInfo identifies this server during the initialize handshake.
type ServerInfo struct {
	Name         string
	Version      string
	Instructions string
}

// Server reads newline-delimited JSON-RPC from in and answers on out.
// Anything that is not protocol output must never touch out.
type Server struct {
	in      io.Reader
	out     io.Writer
	handler ToolHandler
	info    ServerInfo
	logger  *slog.Logger

	writeMu sync.Mutex
}

func NewServer(in io.Reader, out io.Writer, handler ToolHandler, info ServerInfo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{in: in, out: out, handler: handler, info: info, logger: logger}
}

// Run processes requests until in closes or ctx is cancelled. Malformed
// lines produce error responses; they never kill the loop.
//
// Cancellation is observed between frames only: while blocked in a read,
// the loop does not return until in delivers a line or EOF. Close in to
// unblock a cancelled Run.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(nil, codeParseError, "parse error: invalid JSON")
			continue
		}
		s.dispatch(ctx, req)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req request) {
	if req.JSONRPC != "2.0" {
		s.writeError(req.ID, codeInvalidRequest, "invalid request: jsonrpc must be \"2.0\"")
		return
	}

	// Notifications carry no id and get no response.
	if req.ID == nil {
		s.logger.Debug("mcp: notification", "method", req.Method)
		return
	}

	switch req.Method {
	case "initialize":
		s.writeResult(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    s.info.Name,
				"version": s.info.Version,
			},
			"instructions": s.info.Instructions,
		})
	case "ping":
		s.writeResult(req.ID, map[string]any{})
	case "tools/list":
		s.writeResult(req.ID, map[string]any{"tools": s.handler.ListTools()})
	case "tools/call":
		s.handleToolCall(ctx, req)
	default:
		s.writeError(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleToolCall(ctx context.Context, req request) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.writeError(req.ID, codeInvalidRequest, "invalid request: tools/call needs a tool name")
		return
	}

	result := func() (res ToolResult) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("mcp: tool panic", "tool", params.Name, "panic", r)
				res = ErrorResult(fmt.Sprintf("internal error in tool %s", params.Name))
			}
		}()
		return s.handler.CallTool(ctx, params.Name, params.Arguments)
	}()

	s.writeResult(req.ID, result)
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.write(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, message string) {
	if id == nil {
		id = json.RawMessage("null")
	}
	s.write(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) write(resp response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(payload, '\n')); err != nil {
		s.logger.Error("mcp: write response", "error", err)
	}
}
