package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

type stubHandler struct {
	tools []Tool
	calls []string
}

func (h *stubHandler) ListTools() []Tool { return h.tools }

func (h *stubHandler) CallTool(_ context.Context, name string, args json.RawMessage) ToolResult {
	h.calls = append(h.calls, name)
	switch name {
	case "echo":
		var params struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(args, &params)
		return TextResult("echo: " + params.Message)
	case "boom":
		panic("tool exploded")
	default:
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
}

func run(t *testing.T, h *stubHandler, lines ...string) []map[string]any {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	srv := NewServer(in, &out, h, ServerInfo{Name: "devpilot", Version: "1.0.0"}, nil)
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var responses []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp map[string]any
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("invalid response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestInitializeHandshake(t *testing.T) {
	resps := run(t, &stubHandler{},
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
	)
	// The notification produces no response line.
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want 2", len(resps))
	}
	result := resps[0]["result"].(map[string]any)
	if result["protocolVersion"] != protocolVersion {
		t.Fatalf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "devpilot" {
		t.Fatalf("serverInfo = %v", info)
	}
}

func TestToolsList(t *testing.T) {
	h := &stubHandler{tools: []Tool{
		{Name: "echo", Description: "echoes", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}}
	resps := run(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	tools := resps[0]["result"].(map[string]any)["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v", tools)
	}
	if tools[0].(map[string]any)["name"] != "echo" {
		t.Fatalf("tool entry = %v", tools[0])
	}
}

func TestToolsCall(t *testing.T) {
	h := &stubHandler{}
	resps := run(t, h,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`,
	)

	result := resps[0]["result"].(map[string]any)
	content := result["content"].([]any)[0].(map[string]any)
	if content["text"] != "echo: hi" {
		t.Fatalf("content = %v", content)
	}
	if result["isError"] != nil {
		t.Fatalf("isError set on success: %v", result)
	}
	if resps[0]["id"].(float64) != 7 {
		t.Fatalf("id = %v, want request id echoed", resps[0]["id"])
	}
}

func TestToolsCall_ToolErrorIsResult(t *testing.T) {
	resps := run(t, &stubHandler{},
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"missing","arguments":{}}}`,
	)
	result := resps[0]["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("unknown tool should be a tool-level error, got %v", result)
	}
	if resps[0]["error"] != nil {
		t.Fatal("tool failure leaked as protocol error")
	}
}

func TestToolsCall_PanicRecovered(t *testing.T) {
	h := &stubHandler{}
	resps := run(t, h,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"boom","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
	)
	if len(resps) != 2 {
		t.Fatalf("loop died after panic: %d responses", len(resps))
	}
	if resps[0]["result"].(map[string]any)["isError"] != true {
		t.Fatalf("panic not surfaced as tool error: %v", resps[0])
	}
}

func TestProtocolErrors(t *testing.T) {
	cases := []struct {
		name string
		line string
		code float64
	}{
		{"parse error", `{not json`, codeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, codeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, codeMethodNotFound},
		{"call without name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, codeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resps := run(t, &stubHandler{}, tc.line)
			if len(resps) != 1 {
				t.Fatalf("got %d responses", len(resps))
			}
			errObj, ok := resps[0]["error"].(map[string]any)
			if !ok {
				t.Fatalf("no error in response: %v", resps[0])
			}
			if errObj["code"].(float64) != tc.code {
				t.Fatalf("code = %v, want %v", errObj["code"], tc.code)
			}
		})
	}
}

func TestBlankLinesSkipped(t *testing.T) {
	in := strings.NewReader("\n\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n\n")
	var out bytes.Buffer
	srv := NewServer(in, &out, &stubHandler{}, ServerInfo{}, nil)
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := strings.Count(strings.TrimSpace(out.String()), "\n") + 1; n != 1 {
		t.Fatalf("responses = %d, want 1", n)
	}
}

func TestClosingInputUnblocksRun(t *testing.T) {
	pr, pw := io.Pipe()
	var out bytes.Buffer
	srv := NewServer(pr, &out, &stubHandler{}, ServerInfo{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Cancel while the loop is blocked reading; only closing the input
	// ends it.
	cancel()
	select {
	case err := <-done:
		t.Fatalf("Run returned before input closed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	pw.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run still blocked after input closed")
	}
}
