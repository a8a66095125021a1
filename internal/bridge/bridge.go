// Package bridge turns MCP tool calls into work against the registry, the
// task queue, and connected pages. Every failure mode is a structured tool
// result with something actionable in it; nothing here is fatal to the
// server.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/devpilot/devpilot/internal/clients"
	"github.com/devpilot/devpilot/internal/mcp"
	"github.com/devpilot/devpilot/internal/plugin"
	"github.com/devpilot/devpilot/internal/tasks"
)

// Caller issues RPC calls against a connected page. Implemented by the
// transport server.
type Caller interface {
	Call(ctx context.Context, clientID, method string, args ...any) (json.RawMessage, error)
}

// Config collects the bridge's collaborators.
type Config struct {
	Registry *clients.Registry
	Queue    *tasks.Queue
	Catalog  *plugin.Merged
	Caller   Caller
	Logger   *slog.Logger
}

type builtinTool struct {
	def     mcp.Tool
	handler func(ctx context.Context, args json.RawMessage) mcp.ToolResult
}

// Bridge implements mcp.ToolHandler over the built-in catalog plus all
// merged plugin tools.
type Bridge struct {
	registry *clients.Registry
	queue    *tasks.Queue
	catalog  *plugin.Merged
	caller   Caller
	logger   *slog.Logger

	builtins     map[string]builtinTool
	builtinOrder []string
	schemas      map[string]*jsonschema.Schema

	tracer     trace.Tracer
	toolCalls  metric.Int64Counter
	toolErrors metric.Int64Counter
}

func New(cfg Config) (*Bridge, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := cfg.Catalog
	if catalog == nil {
		var err error
		catalog, err = plugin.Merge(nil, plugin.CollisionLastWins, logger)
		if err != nil {
			return nil, err
		}
	}

	meter := otel.Meter("devpilot/bridge")
	toolCalls, err := meter.Int64Counter("devpilot.tool.calls",
		metric.WithDescription("tool invocations by name"))
	if err != nil {
		return nil, fmt.Errorf("create tool call counter: %w", err)
	}
	toolErrors, err := meter.Int64Counter("devpilot.tool.errors",
		metric.WithDescription("tool invocations that produced an error result"))
	if err != nil {
		return nil, fmt.Errorf("create tool error counter: %w", err)
	}

	b := &Bridge{
		registry:   cfg.Registry,
		queue:      cfg.Queue,
		catalog:    catalog,
		caller:     cfg.Caller,
		logger:     logger,
		builtins:   make(map[string]builtinTool),
		schemas:    make(map[string]*jsonschema.Schema),
		tracer:     otel.Tracer("devpilot/bridge"),
		toolCalls:  toolCalls,
		toolErrors: toolErrors,
	}
	b.registerBuiltins()
	b.compileSchemas()
	return b, nil
}

// compileSchemas pre-compiles every declared input schema. A schema that
// fails to compile disables validation for that tool only.
func (b *Bridge) compileSchemas() {
	add := func(name string, raw json.RawMessage) {
		if len(raw) == 0 {
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			b.logger.Warn("bridge: unreadable input schema", "tool", name, "error", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", doc); err != nil {
			b.logger.Warn("bridge: schema resource rejected", "tool", name, "error", err)
			return
		}
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			b.logger.Warn("bridge: schema compile failed", "tool", name, "error", err)
			return
		}
		b.schemas[name] = schema
	}

	for _, bt := range b.builtins {
		add(bt.def.Name, bt.def.InputSchema)
	}
	for _, tool := range b.catalog.Tools {
		add(tool.Name, tool.InputSchema)
	}
}

// ListTools returns built-ins first, then the merged plugin catalog.
func (b *Bridge) ListTools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(b.builtinOrder)+len(b.catalog.Tools))
	for _, name := range b.builtinOrder {
		out = append(out, b.builtins[name].def)
	}
	for _, tool := range b.catalog.Tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return out
}

// CallTool dispatches one tool invocation.
func (b *Bridge) CallTool(ctx context.Context, name string, args json.RawMessage) mcp.ToolResult {
	ctx, span := b.tracer.Start(ctx, "tool.call",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()
	b.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool.name", name)))

	result := b.dispatch(ctx, name, args)
	if result.IsError {
		b.toolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("tool.name", name)))
		span.SetStatus(codes.Error, "tool returned error result")
	}
	return result
}

func (b *Bridge) dispatch(ctx context.Context, name string, args json.RawMessage) mcp.ToolResult {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	if res, invalid := b.validateInput(name, args); invalid {
		return res
	}

	if bt, ok := b.builtins[name]; ok {
		return bt.handler(ctx, args)
	}
	if def, ok := b.catalog.Tool(name); ok {
		return b.callPluginTool(ctx, def, args)
	}

	return structuredError(map[string]any{
		"error":          fmt.Sprintf("unknown tool: %s", name),
		"availableTools": b.toolNames(),
	})
}

// validateInput checks args against the tool's compiled schema. Malformed
// input is rejected before any RPC is attempted, with the input echoed back.
func (b *Bridge) validateInput(name string, args json.RawMessage) (mcp.ToolResult, bool) {
	schema, ok := b.schemas[name]
	if !ok {
		return mcp.ToolResult{}, false
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return structuredError(map[string]any{
			"error": "invalid input: arguments are not valid JSON",
			"input": string(args),
		}), true
	}
	if err := schema.Validate(parsed); err != nil {
		return structuredError(map[string]any{
			"error":  "invalid input",
			"tool":   name,
			"detail": err.Error(),
			"input":  json.RawMessage(args),
		}), true
	}
	return mcp.ToolResult{}, false
}

// callPluginTool resolves the target page and forwards the tool arguments
// as the page-side RPC's single argument.
func (b *Bridge) callPluginTool(ctx context.Context, def plugin.ToolDef, args json.RawMessage) mcp.ToolResult {
	if def.Method == "" {
		return structuredError(map[string]any{
			"error": fmt.Sprintf("tool %s has no page-side method bound", def.Name),
		})
	}

	clientID, errResult := b.resolveClient(args)
	if errResult != nil {
		return *errResult
	}

	raw, err := b.caller.Call(ctx, clientID, def.Method, json.RawMessage(args))
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("RPC call failed: %s", err.Error()))
	}
	return renderRemoteResult(raw)
}

// resolveClient enforces the generic invocation contract for page-targeting
// tools: clientId must be present and currently connected. Failures carry
// enough context to pick a valid target without another round trip.
func (b *Bridge) resolveClient(args json.RawMessage) (string, *mcp.ToolResult) {
	var params struct {
		ClientID string `json:"clientId"`
	}
	_ = json.Unmarshal(args, &params)

	if params.ClientID == "" {
		res := structuredError(map[string]any{
			"error":       "no client specified",
			"hint":        "pass a clientId; use list_clients or find_client to discover connected pages",
			"activeCount": len(b.registry.List(true, nil)),
		})
		return "", &res
	}

	if _, ok := b.registry.Get(params.ClientID); ok {
		b.registry.Touch(params.ClientID)
		return params.ClientID, nil
	}

	detail := "this id has never connected"
	if b.registry.Seen(params.ClientID) {
		detail = "this client was connected earlier but has disconnected"
	}
	res := structuredError(map[string]any{
		"error":              fmt.Sprintf("client not found: %s", params.ClientID),
		"detail":             detail,
		"everConnected":      b.registry.Seen(params.ClientID),
		"activeClientsByUrl": summarizeGroups(b.registry.GroupByURL()),
	})
	return "", &res
}

func (b *Bridge) toolNames() []string {
	names := make([]string, 0, len(b.builtinOrder)+len(b.catalog.Tools))
	names = append(names, b.builtinOrder...)
	for _, tool := range b.catalog.Tools {
		names = append(names, tool.Name)
	}
	return names
}

// renderRemoteResult maps a page handler's JSON reply onto content blocks.
// A reply already shaped as content blocks passes through; everything else
// becomes one text block.
func renderRemoteResult(raw json.RawMessage) mcp.ToolResult {
	if len(raw) == 0 || string(raw) == "null" {
		return mcp.TextResult("ok")
	}

	var blocks struct {
		Content []mcp.ContentBlock `json:"content"`
		IsError bool               `json:"isError"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil && len(blocks.Content) > 0 {
		return mcp.ToolResult{Content: blocks.Content, IsError: blocks.IsError}
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return mcp.TextResult(text)
	}
	return mcp.TextResult(string(raw))
}

func summarizeGroups(groups map[string][]clients.ConnectedClient) map[string][]string {
	out := make(map[string][]string, len(groups))
	for url, members := range groups {
		if url == "" {
			url = "(no url reported)"
		}
		for _, c := range members {
			out[url] = append(out[url], c.ID)
		}
	}
	return out
}

// structuredError renders a JSON diagnostic as a tool-level error block.
func structuredError(fields map[string]any) mcp.ToolResult {
	payload, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("%v", fields))
	}
	return mcp.ErrorResult(string(payload))
}

// structuredResult renders a JSON payload as a success block.
func structuredResult(fields map[string]any) mcp.ToolResult {
	payload, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return mcp.TextResult(string(payload))
}
