// Package plugin merges namespaced method and tool contributions into the
// single dispatch table and tool catalog the server exposes.
package plugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/devpilot/devpilot/internal/transport"
)

// CollisionPolicy decides what happens when two plugins register the same
// method name.
type CollisionPolicy string

const (
	// CollisionLastWins keeps the later registration and logs the override.
	CollisionLastWins CollisionPolicy = "last_wins"
	// CollisionError refuses to merge on any duplicate.
	CollisionError CollisionPolicy = "error"
)

func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch CollisionPolicy(s) {
	case CollisionLastWins, CollisionError:
		return CollisionPolicy(s), nil
	case "":
		return CollisionLastWins, nil
	default:
		return "", fmt.Errorf("invalid collision policy %q (want last_wins or error)", s)
	}
}

// ToolDef describes one tool a plugin contributes to the catalog. Method
// names the page-side RPC the bridge invokes when the tool is called; an
// empty Method means the tool is handled server-side.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Method      string          `json:"-"`
}

// Plugin is one namespaced contribution: RPC methods the server should
// dispatch, and tools to surface in the catalog.
type Plugin struct {
	Namespace string
	Methods   map[string]transport.Handler
	Tools     []ToolDef
}

// Merged is the combined dispatch table and tool catalog.
type Merged struct {
	Methods map[string]transport.Handler
	Tools   []ToolDef

	toolsByName map[string]ToolDef
}

// Tool looks up one tool by its namespaced catalog name.
func (m *Merged) Tool(name string) (ToolDef, bool) {
	def, ok := m.toolsByName[name]
	return def, ok
}

// Merge combines plugins in registration order. Method names collide per
// policy; tool names are prefixed with the owning namespace unless the
// plugin already did so.
func Merge(plugins []Plugin, policy CollisionPolicy, logger *slog.Logger) (*Merged, error) {
	if logger == nil {
		logger = slog.Default()
	}
	merged := &Merged{
		Methods:     make(map[string]transport.Handler),
		toolsByName: make(map[string]ToolDef),
	}

	for _, p := range plugins {
		if p.Namespace == "" {
			return nil, fmt.Errorf("plugin with empty namespace")
		}
		for name, handler := range p.Methods {
			if handler == nil {
				return nil, fmt.Errorf("plugin %s: nil handler for method %q", p.Namespace, name)
			}
			if _, exists := merged.Methods[name]; exists {
				if policy == CollisionError {
					return nil, fmt.Errorf("plugin %s: method %q already registered", p.Namespace, name)
				}
				logger.Warn("plugin: method collision, keeping latest",
					"method", name, "winner", p.Namespace)
			}
			merged.Methods[name] = handler
		}
		for _, tool := range p.Tools {
			if tool.Name == "" {
				return nil, fmt.Errorf("plugin %s: tool with empty name", p.Namespace)
			}
			def := tool
			def.Name = namespacedTool(p.Namespace, tool.Name)
			if _, exists := merged.toolsByName[def.Name]; exists {
				if policy == CollisionError {
					return nil, fmt.Errorf("plugin %s: tool %q already registered", p.Namespace, def.Name)
				}
				logger.Warn("plugin: tool collision, keeping latest",
					"tool", def.Name, "winner", p.Namespace)
				merged.Tools = removeTool(merged.Tools, def.Name)
			}
			merged.toolsByName[def.Name] = def
			merged.Tools = append(merged.Tools, def)
		}
	}

	sort.Slice(merged.Tools, func(i, j int) bool {
		return merged.Tools[i].Name < merged.Tools[j].Name
	})
	return merged, nil
}

func namespacedTool(namespace, name string) string {
	if strings.HasPrefix(name, namespace+"_") {
		return name
	}
	return namespace + "_" + name
}

func removeTool(tools []ToolDef, name string) []ToolDef {
	out := tools[:0]
	for _, t := range tools {
		if t.Name != name {
			out = append(out, t)
		}
	}
	return out
}
