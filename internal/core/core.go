// Package core contributes the server's own page-facing RPC methods as a
// plugin, so they ride the same merge path as extension methods.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/devpilot/devpilot/internal/clients"
	"github.com/devpilot/devpilot/internal/plugin"
	"github.com/devpilot/devpilot/internal/tasks"
	"github.com/devpilot/devpilot/internal/transport"
)

// Namespace owns the built-in method set.
const Namespace = "devpilot"

type service struct {
	registry *clients.Registry
	queue    *tasks.Queue
	logger   *slog.Logger
}

// Plugin wires registry and queue operations into page-callable methods:
// metadata updates, task submission, and task lifecycle reporting.
func Plugin(registry *clients.Registry, queue *tasks.Queue, logger *slog.Logger) plugin.Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{registry: registry, queue: queue, logger: logger}
	return plugin.Plugin{
		Namespace: Namespace,
		Methods: map[string]transport.Handler{
			"client.update": s.handleClientUpdate,
			"task.submit":   s.handleTaskSubmit,
			"task.update":   s.handleTaskUpdate,
		},
	}
}

func firstArg(args []json.RawMessage, v any) error {
	if len(args) < 1 {
		return fmt.Errorf("missing argument")
	}
	if err := json.Unmarshal(args[0], v); err != nil {
		return fmt.Errorf("malformed argument: %w", err)
	}
	return nil
}

// handleClientUpdate applies a partial metadata update from the calling
// page. The client id comes from the connection, never from the payload.
func (s *service) handleClientUpdate(ctx context.Context, args []json.RawMessage) (any, error) {
	clientID := transport.ClientIDFrom(ctx)
	if clientID == "" {
		return nil, fmt.Errorf("client.update requires a page connection")
	}

	var info clients.Info
	if err := firstArg(args, &info); err != nil {
		return nil, err
	}
	if !s.registry.UpdateInfo(clientID, info) {
		return nil, fmt.Errorf("client %s is not registered", clientID)
	}
	return true, nil
}

// handleTaskSubmit enqueues work on behalf of the calling page and returns
// the created task, so the page can reference its id later.
func (s *service) handleTaskSubmit(ctx context.Context, args []json.RawMessage) (any, error) {
	clientID := transport.ClientIDFrom(ctx)
	if clientID == "" {
		return nil, fmt.Errorf("task.submit requires a page connection")
	}

	var sub tasks.Submission
	if err := firstArg(args, &sub); err != nil {
		return nil, err
	}
	task, err := s.queue.Enqueue(ctx, clientID, sub)
	if err != nil {
		return nil, err
	}
	s.logger.Info("core: task submitted",
		"task_id", task.ID, "client_id", clientID, "intent", task.Intent)
	return task, nil
}

type taskUpdate struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleTaskUpdate moves a task through its lifecycle. Illegal transitions
// are reported, not applied; terminal results are never overwritten.
func (s *service) handleTaskUpdate(ctx context.Context, args []json.RawMessage) (any, error) {
	clientID := transport.ClientIDFrom(ctx)
	if clientID == "" {
		return nil, fmt.Errorf("task.update requires a page connection")
	}

	var upd taskUpdate
	if err := firstArg(args, &upd); err != nil {
		return nil, err
	}
	if upd.TaskID == "" {
		return nil, fmt.Errorf("taskId must not be empty")
	}
	status, err := tasks.ParseStatus(upd.Status)
	if err != nil {
		return nil, err
	}

	var ok bool
	switch status {
	case tasks.StatusInProgress:
		ok = s.queue.MarkInProgress(ctx, upd.TaskID)
	case tasks.StatusCompleted:
		ok = s.queue.MarkCompleted(ctx, upd.TaskID, clientID, upd.Result)
	case tasks.StatusFailed:
		ok = s.queue.MarkFailed(ctx, upd.TaskID, clientID, upd.Error)
	default:
		return nil, fmt.Errorf("cannot transition a task back to %s", status)
	}
	if !ok {
		return nil, fmt.Errorf("task %s: transition to %s not allowed", upd.TaskID, status)
	}
	return true, nil
}
