// Package storage bridges page-side storage calls to the server's
// persistent key-value store. Each extension namespace gets its own
// method set and an isolated keyspace.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/devpilot/devpilot/internal/plugin"
	"github.com/devpilot/devpilot/internal/transport"
)

// KV is the persistence surface the proxy forwards to.
type KV interface {
	KVGet(ctx context.Context, namespace, key string) (json.RawMessage, bool, error)
	KVSet(ctx context.Context, namespace, key string, value json.RawMessage) error
	KVRemove(ctx context.Context, namespace, key string) error
	KVKeys(ctx context.Context, namespace string) ([]string, error)
	KVHas(ctx context.Context, namespace, key string) (bool, error)
	KVClear(ctx context.Context, namespace string) error
}

// Proxy serves one namespace's storage methods.
type Proxy struct {
	namespace string
	kv        KV
}

func NewProxy(namespace string, kv KV) *Proxy {
	return &Proxy{namespace: namespace, kv: kv}
}

// AsPlugin packages the proxy's method set for the merge step. Method
// names carry the namespace prefix, so multiple extensions coexist in
// one dispatch table.
func (p *Proxy) AsPlugin() plugin.Plugin {
	prefix := p.namespace + ":storage."
	return plugin.Plugin{
		Namespace: p.namespace,
		Methods: map[string]transport.Handler{
			prefix + "get":    p.handleGet,
			prefix + "set":    p.handleSet,
			prefix + "remove": p.handleRemove,
			prefix + "keys":   p.handleKeys,
			prefix + "has":    p.handleHas,
			prefix + "clear":  p.handleClear,
		},
	}
}

func keyArg(args []json.RawMessage) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("missing key argument")
	}
	var key string
	if err := json.Unmarshal(args[0], &key); err != nil {
		return "", fmt.Errorf("key must be a string: %w", err)
	}
	if key == "" {
		return "", fmt.Errorf("key must not be empty")
	}
	return key, nil
}

// handleGet returns the stored value, or JSON null when absent. Absence
// is not an error: pages treat it like localStorage.getItem.
func (p *Proxy) handleGet(ctx context.Context, args []json.RawMessage) (any, error) {
	key, err := keyArg(args)
	if err != nil {
		return nil, err
	}
	value, ok, err := p.kv.KVGet(ctx, p.namespace, key)
	if err != nil {
		return nil, fmt.Errorf("storage get: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (p *Proxy) handleSet(ctx context.Context, args []json.RawMessage) (any, error) {
	key, err := keyArg(args)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 || len(args[1]) == 0 {
		return nil, fmt.Errorf("missing value argument")
	}
	if err := p.kv.KVSet(ctx, p.namespace, key, args[1]); err != nil {
		return nil, fmt.Errorf("storage set: %w", err)
	}
	return true, nil
}

func (p *Proxy) handleRemove(ctx context.Context, args []json.RawMessage) (any, error) {
	key, err := keyArg(args)
	if err != nil {
		return nil, err
	}
	if err := p.kv.KVRemove(ctx, p.namespace, key); err != nil {
		return nil, fmt.Errorf("storage remove: %w", err)
	}
	return true, nil
}

func (p *Proxy) handleKeys(ctx context.Context, _ []json.RawMessage) (any, error) {
	keys, err := p.kv.KVKeys(ctx, p.namespace)
	if err != nil {
		return nil, fmt.Errorf("storage keys: %w", err)
	}
	return keys, nil
}

func (p *Proxy) handleHas(ctx context.Context, args []json.RawMessage) (any, error) {
	key, err := keyArg(args)
	if err != nil {
		return nil, err
	}
	ok, err := p.kv.KVHas(ctx, p.namespace, key)
	if err != nil {
		return nil, fmt.Errorf("storage has: %w", err)
	}
	return ok, nil
}

func (p *Proxy) handleClear(ctx context.Context, _ []json.RawMessage) (any, error) {
	if err := p.kv.KVClear(ctx, p.namespace); err != nil {
		return nil, fmt.Errorf("storage clear: %w", err)
	}
	return true, nil
}
