package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// startPair spins up a server and a connected page-side client, returning
// both plus the id assigned to the client.
func startPair(t *testing.T, serverMethods map[string]Handler, clientSetup func(*Client)) (*Server, *Client, string) {
	t.Helper()

	srv := NewServer(ServerConfig{Methods: serverMethods})
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	connected := make(chan string, 1)
	client := NewClient(ClientConfig{
		URL:        wsURL(t, httpSrv),
		RetryDelay: 50 * time.Millisecond,
		OnConnected: func(id string) {
			select {
			case connected <- id:
			default:
			}
		},
	})
	if clientSetup != nil {
		clientSetup(client)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx) }()

	select {
	case id := <-connected:
		return srv, client, id
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handshake")
		return nil, nil, ""
	}
}

func TestCall_RoundTrip(t *testing.T) {
	methods := map[string]Handler{
		"concat": func(_ context.Context, args []json.RawMessage) (any, error) {
			var x string
			var y int
			if err := json.Unmarshal(args[0], &x); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(args[1], &y); err != nil {
				return nil, err
			}
			return x + strconv.Itoa(y), nil
		},
	}
	_, client, _ := startPair(t, methods, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := client.Call(ctx, "concat", "a", 1)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got != "a1" {
		t.Fatalf("result = %q, want %q", got, "a1")
	}
}

func TestCall_UnknownMethod(t *testing.T) {
	_, client, _ := startPair(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Call(ctx, "nope")
	if err == nil {
		t.Fatal("expected error for unregistered method, got nil")
	}
	if !strings.Contains(err.Error(), "unknown method") {
		t.Fatalf("error = %v, want unknown method", err)
	}
}

func TestCall_HandlerError(t *testing.T) {
	methods := map[string]Handler{
		"boom": func(_ context.Context, _ []json.RawMessage) (any, error) {
			return nil, fmt.Errorf("exploded")
		},
	}
	_, client, _ := startPair(t, methods, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Call(ctx, "boom")
	if err == nil || err.Error() != "exploded" {
		t.Fatalf("error = %v, want exploded", err)
	}
}

func TestCall_ServerToPage(t *testing.T) {
	srv, _, clientID := startPair(t, nil, func(c *Client) {
		c.Register("page.ping", func(_ context.Context, _ []json.RawMessage) (any, error) {
			return "pong", nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := srv.Call(ctx, clientID, "page.ping")
	if err != nil {
		t.Fatalf("server Call: %v", err)
	}
	if string(raw) != `"pong"` {
		t.Fatalf("result = %s, want \"pong\"", raw)
	}
}

func TestCall_ConcurrentInFlight(t *testing.T) {
	methods := map[string]Handler{
		"echo": func(_ context.Context, args []json.RawMessage) (any, error) {
			var n int
			if err := json.Unmarshal(args[0], &n); err != nil {
				return nil, err
			}
			// Stagger completions so responses interleave.
			time.Sleep(time.Duration(n%5) * 10 * time.Millisecond)
			return n, nil
		},
	}
	_, client, _ := startPair(t, methods, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const calls = 20
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	wg.Add(calls)
	for i := 0; i < calls; i++ {
		go func(i int) {
			defer wg.Done()
			raw, err := client.Call(ctx, "echo", i)
			if err != nil {
				errs <- err
				return
			}
			var got int
			if err := json.Unmarshal(raw, &got); err != nil {
				errs <- err
				return
			}
			if got != i {
				errs <- fmt.Errorf("echo %d returned %d", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call: %v", err)
	}
}

func TestServerCall_UnknownClient(t *testing.T) {
	srv, _, _ := startPair(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := srv.Call(ctx, "no-such-id", "anything")
	if err == nil {
		t.Fatal("expected error calling unknown client")
	}
}

func TestClient_NotConnectedBeforeRun(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/ws"})
	_, err := client.Call(context.Background(), "m")
	if err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestClient_ReconnectGetsFreshID(t *testing.T) {
	srv := NewServer(ServerConfig{})
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	ids := make(chan string, 4)
	client := NewClient(ClientConfig{
		URL:         wsURL(t, httpSrv),
		RetryDelay:  50 * time.Millisecond,
		OnConnected: func(id string) { ids <- id },
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx) }()

	var first string
	select {
	case first = <-ids:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for first connect")
	}

	// Kill the session from the server side; the client must redial and
	// receive a different id.
	srv.sessionsMu.RLock()
	conn := srv.sessions[first]
	srv.sessionsMu.RUnlock()
	_ = conn.ws.CloseNow()

	select {
	case second := <-ids:
		if second == first {
			t.Fatalf("reconnect reused id %s", first)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reconnect")
	}
}

func TestBroadcast_ReachesAllClients(t *testing.T) {
	srv := NewServer(ServerConfig{})
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	const n = 3
	got := make(chan int, n)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for i := 0; i < n; i++ {
		connected := make(chan struct{})
		client := NewClient(ClientConfig{
			URL:         wsURL(t, httpSrv),
			RetryDelay:  50 * time.Millisecond,
			OnConnected: func(string) { close(connected) },
		})
		client.Register("queue.depth", func(_ context.Context, args []json.RawMessage) (any, error) {
			var depth int
			if err := json.Unmarshal(args[0], &depth); err != nil {
				return nil, err
			}
			got <- depth
			return nil, nil
		})
		go func() { _ = client.Run(ctx) }()
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for client connect")
		}
	}

	srv.Broadcast("queue.depth", 7)

	for i := 0; i < n; i++ {
		select {
		case depth := <-got:
			if depth != 7 {
				t.Fatalf("depth = %d, want 7", depth)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout: only %d of %d clients notified", i, n)
		}
	}
}

func TestConn_CloseRejectsPending(t *testing.T) {
	block := make(chan struct{})
	methods := map[string]Handler{
		"hang": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			<-block
			return nil, nil
		},
	}
	srv, client, clientID := startPair(t, methods, nil)
	defer close(block)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang")
		done <- err
	}()

	// Let the call get in flight, then sever the connection server-side.
	time.Sleep(100 * time.Millisecond)
	srv.sessionsMu.RLock()
	conn := srv.sessions[clientID]
	srv.sessionsMu.RUnlock()
	_ = conn.ws.CloseNow()

	select {
	case err := <-done:
		if err != ErrConnectionClosed {
			t.Fatalf("err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not rejected on connection loss")
	}
}

func TestHandler_PanicDoesNotKillConnection(t *testing.T) {
	methods := map[string]Handler{
		"panic": func(_ context.Context, _ []json.RawMessage) (any, error) {
			panic("bad extension")
		},
		"ok": func(_ context.Context, _ []json.RawMessage) (any, error) {
			return "fine", nil
		},
	}
	_, client, _ := startPair(t, methods, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Call(ctx, "panic")
	if err == nil || !strings.Contains(err.Error(), "handler panic") {
		t.Fatalf("err = %v, want handler panic", err)
	}

	// The connection must still serve.
	raw, err := client.Call(ctx, "ok")
	if err != nil {
		t.Fatalf("call after panic: %v", err)
	}
	if string(raw) != `"fine"` {
		t.Fatalf("result = %s, want \"fine\"", raw)
	}
}
