package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]map[string]json.RawMessage
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]map[string]json.RawMessage)}
}

func (m *memKV) KVGet(_ context.Context, ns, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns][key]
	return v, ok, nil
}

func (m *memKV) KVSet(_ context.Context, ns, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[ns] == nil {
		m.data[ns] = make(map[string]json.RawMessage)
	}
	m.data[ns][key] = value
	return nil
}

func (m *memKV) KVRemove(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

func (m *memKV) KVKeys(_ context.Context, ns string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := []string{}
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memKV) KVHas(_ context.Context, ns, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[ns][key]
	return ok, nil
}

func (m *memKV) KVClear(_ context.Context, ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ns)
	return nil
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestProxy_MethodNamesCarryNamespace(t *testing.T) {
	p := NewProxy("ext-a", newMemKV()).AsPlugin()
	if p.Namespace != "ext-a" {
		t.Fatalf("namespace = %q", p.Namespace)
	}
	for _, name := range []string{"get", "set", "remove", "keys", "has", "clear"} {
		if _, ok := p.Methods["ext-a:storage."+name]; !ok {
			t.Fatalf("method storage.%s missing from plugin: %v", name, p.Methods)
		}
	}
}

func TestProxy_SetGetRoundTrip(t *testing.T) {
	proxy := NewProxy("ext-a", newMemKV())
	ctx := context.Background()

	if _, err := proxy.handleSet(ctx, []json.RawMessage{raw(`"theme"`), raw(`{"mode":"dark"}`)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := proxy.handleGet(ctx, []json.RawMessage{raw(`"theme"`)})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.(json.RawMessage)) != `{"mode":"dark"}` {
		t.Fatalf("value = %v", got)
	}
}

func TestProxy_GetMissingIsNull(t *testing.T) {
	proxy := NewProxy("ext-a", newMemKV())
	got, err := proxy.handleGet(context.Background(), []json.RawMessage{raw(`"nope"`)})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("missing key = %v, want nil", got)
	}
}

func TestProxy_HasRemoveClear(t *testing.T) {
	proxy := NewProxy("ext-a", newMemKV())
	ctx := context.Background()

	_, _ = proxy.handleSet(ctx, []json.RawMessage{raw(`"a"`), raw(`1`)})
	_, _ = proxy.handleSet(ctx, []json.RawMessage{raw(`"b"`), raw(`2`)})

	has, _ := proxy.handleHas(ctx, []json.RawMessage{raw(`"a"`)})
	if has != true {
		t.Fatalf("has(a) = %v", has)
	}

	if _, err := proxy.handleRemove(ctx, []json.RawMessage{raw(`"a"`)}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	has, _ = proxy.handleHas(ctx, []json.RawMessage{raw(`"a"`)})
	if has != false {
		t.Fatal("removed key still present")
	}

	keys, _ := proxy.handleKeys(ctx, nil)
	if len(keys.([]string)) != 1 {
		t.Fatalf("keys = %v", keys)
	}

	if _, err := proxy.handleClear(ctx, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	keys, _ = proxy.handleKeys(ctx, nil)
	if len(keys.([]string)) != 0 {
		t.Fatalf("keys after clear = %v", keys)
	}
}

func TestProxy_NamespaceIsolation(t *testing.T) {
	kv := newMemKV()
	a := NewProxy("ext-a", kv)
	b := NewProxy("ext-b", kv)
	ctx := context.Background()

	_, _ = a.handleSet(ctx, []json.RawMessage{raw(`"k"`), raw(`"from-a"`)})
	_, _ = b.handleSet(ctx, []json.RawMessage{raw(`"k"`), raw(`"from-b"`)})

	got, _ := a.handleGet(ctx, []json.RawMessage{raw(`"k"`)})
	if string(got.(json.RawMessage)) != `"from-a"` {
		t.Fatalf("ext-a read %v", got)
	}

	// Clearing one namespace leaves the other intact.
	_, _ = a.handleClear(ctx, nil)
	got, _ = b.handleGet(ctx, []json.RawMessage{raw(`"k"`)})
	if got == nil || string(got.(json.RawMessage)) != `"from-b"` {
		t.Fatalf("ext-b wiped by ext-a clear: %v", got)
	}
}

func TestProxy_ArgumentValidation(t *testing.T) {
	proxy := NewProxy("ext-a", newMemKV())
	ctx := context.Background()

	if _, err := proxy.handleGet(ctx, nil); err == nil {
		t.Fatal("missing key accepted")
	}
	if _, err := proxy.handleGet(ctx, []json.RawMessage{raw(`42`)}); err == nil {
		t.Fatal("non-string key accepted")
	}
	if _, err := proxy.handleGet(ctx, []json.RawMessage{raw(`""`)}); err == nil {
		t.Fatal("empty key accepted")
	}
	if _, err := proxy.handleSet(ctx, []json.RawMessage{raw(`"k"`)}); err == nil {
		t.Fatal("missing value accepted")
	}
}
