package bridge

import (
	"context"
	"encoding/json"

	"github.com/devpilot/devpilot/internal/clients"
	"github.com/devpilot/devpilot/internal/mcp"
	"github.com/devpilot/devpilot/internal/tasks"
)

func (b *Bridge) registerBuiltins() {
	register := func(def mcp.Tool, handler func(context.Context, json.RawMessage) mcp.ToolResult) {
		b.builtins[def.Name] = builtinTool{def: def, handler: handler}
		b.builtinOrder = append(b.builtinOrder, def.Name)
	}

	register(mcp.Tool{
		Name:        "list_clients",
		Description: "List connected browser pages. Filters match url/title by case-insensitive substring, id exactly. Set groupByUrl to partition active pages by their reported url.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"activeOnly": {"type": "boolean", "description": "only pages active within the last 5 minutes (default true)"},
				"id": {"type": "string"},
				"url": {"type": "string"},
				"title": {"type": "string"},
				"groupByUrl": {"type": "boolean"}
			},
			"additionalProperties": false
		}`),
	}, b.handleListClients)

	register(mcp.Tool{
		Name:        "find_client",
		Description: "Find connected pages by url and/or title substring. A single match suggests the clientId to use; zero matches list what is available.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string"},
				"title": {"type": "string"}
			},
			"additionalProperties": false
		}`),
	}, b.handleFindClient)

	register(mcp.Tool{
		Name:        "get_pending_tasks",
		Description: "Fetch the pending task queue in submission order. Set clear to drain the queue after fetching.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"clear": {"type": "boolean", "description": "empty the queue after returning it (default false)"}
			},
			"additionalProperties": false
		}`),
	}, b.handleGetPendingTasks)

	register(mcp.Tool{
		Name:        "query_task_history",
		Description: "Query task history, newest first, with a count grouped by status.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"clientId": {"type": "string", "description": "only tasks submitted by this page"},
				"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "failed"]},
				"limit": {"type": "integer", "minimum": 1}
			},
			"additionalProperties": false
		}`),
	}, b.handleQueryTaskHistory)
}

func (b *Bridge) handleListClients(_ context.Context, args json.RawMessage) mcp.ToolResult {
	var params struct {
		ActiveOnly *bool  `json:"activeOnly"`
		ID         string `json:"id"`
		URL        string `json:"url"`
		Title      string `json:"title"`
		GroupByURL bool   `json:"groupByUrl"`
	}
	_ = json.Unmarshal(args, &params)

	activeOnly := true
	if params.ActiveOnly != nil {
		activeOnly = *params.ActiveOnly
	}

	if params.GroupByURL {
		groups := b.registry.GroupByURL()
		return structuredResult(map[string]any{
			"groups": groups,
			"urls":   len(groups),
		})
	}

	var filter *clients.Filter
	if params.ID != "" || params.URL != "" || params.Title != "" {
		filter = &clients.Filter{ID: params.ID, URLPattern: params.URL, TitlePattern: params.Title}
	}

	list := b.registry.List(activeOnly, filter)
	if len(list) == 0 && filter != nil {
		urls, titles := b.registry.Suggestions()
		return structuredResult(map[string]any{
			"clients":         []clients.ConnectedClient{},
			"message":         "no clients matched the filter",
			"availableUrls":   urls,
			"availableTitles": titles,
		})
	}
	return structuredResult(map[string]any{
		"clients": list,
		"count":   len(list),
	})
}

func (b *Bridge) handleFindClient(_ context.Context, args json.RawMessage) mcp.ToolResult {
	var params struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	_ = json.Unmarshal(args, &params)

	matches := b.registry.List(true, &clients.Filter{URLPattern: params.URL, TitlePattern: params.Title})
	switch len(matches) {
	case 0:
		urls, titles := b.registry.Suggestions()
		return structuredResult(map[string]any{
			"matches":         []clients.ConnectedClient{},
			"message":         "no active clients matched",
			"availableUrls":   urls,
			"availableTitles": titles,
		})
	case 1:
		return structuredResult(map[string]any{
			"matches":  matches,
			"clientId": matches[0].ID,
			"message":  "single match; use this clientId for page-targeting tools",
		})
	default:
		return structuredResult(map[string]any{
			"matches": matches,
			"message": "multiple matches; narrow the filter or pick a clientId",
		})
	}
}

func (b *Bridge) handleGetPendingTasks(ctx context.Context, args json.RawMessage) mcp.ToolResult {
	var params struct {
		Clear bool `json:"clear"`
	}
	_ = json.Unmarshal(args, &params)

	snapshot := b.queue.DequeueAll(ctx, params.Clear)
	return structuredResult(map[string]any{
		"tasks":   snapshot,
		"count":   len(snapshot),
		"cleared": params.Clear,
	})
}

func (b *Bridge) handleQueryTaskHistory(_ context.Context, args json.RawMessage) mcp.ToolResult {
	var params struct {
		ClientID string `json:"clientId"`
		Status   string `json:"status"`
		Limit    int    `json:"limit"`
	}
	_ = json.Unmarshal(args, &params)

	records := b.queue.Query(tasks.QueryFilter{
		ClientID: params.ClientID,
		Status:   tasks.Status(params.Status),
		Limit:    params.Limit,
	})
	return structuredResult(map[string]any{
		"records":        records,
		"count":          len(records),
		"countsByStatus": b.queue.CountByStatus(),
	})
}
