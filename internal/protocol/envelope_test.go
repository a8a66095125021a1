package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewRequest_ArgsMarshalIndividually(t *testing.T) {
	msg, err := NewRequest("id-1", "fn", "a", 1)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if msg.Kind != KindRequest || msg.Method != "fn" {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	if len(msg.Args) != 2 {
		t.Fatalf("args len = %d, want 2", len(msg.Args))
	}
	if string(msg.Args[0]) != `"a"` || string(msg.Args[1]) != `1` {
		t.Fatalf("args = %s %s, want \"a\" 1", msg.Args[0], msg.Args[1])
	}
}

func TestMessage_RoundTrip(t *testing.T) {
	msg, err := NewResult("id-2", map[string]int{"n": 7})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != KindResponse || got.ID != "id-2" {
		t.Fatalf("round trip lost identity: %+v", got)
	}
	if got.Error != nil {
		t.Fatalf("unexpected error field: %v", *got.Error)
	}
}

func TestMessage_ErrorFrame(t *testing.T) {
	msg := NewError("id-3", "boom")
	b, _ := json.Marshal(msg)

	var got Message
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Error == nil || *got.Error != "boom" {
		t.Fatalf("error = %v, want boom", got.Error)
	}
	if len(got.Result) != 0 {
		t.Fatalf("result should be empty on error frames, got %s", got.Result)
	}
}

func TestMessage_Handshake(t *testing.T) {
	msg := NewConnected("client-9")
	if !msg.IsHandshake() {
		t.Fatal("IsHandshake() = false")
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	b, _ := json.Marshal(msg)
	want := `{"type":"connected","clientId":"client-9"}`
	if string(b) != want {
		t.Fatalf("handshake wire form = %s, want %s", b, want)
	}
}

func TestMessage_Validate(t *testing.T) {
	cases := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"valid request", Message{Kind: KindRequest, ID: "1", Method: "m"}, false},
		{"request missing method", Message{Kind: KindRequest, ID: "1"}, true},
		{"valid response", Message{Kind: KindResponse, ID: "1"}, false},
		{"response missing id", Message{Kind: KindResponse}, true},
		{"handshake missing id", Message{Type: TypeConnected}, true},
		{"unknown kind", Message{Kind: "notify"}, true},
	}
	for _, tc := range cases {
		err := tc.msg.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: Validate() err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}
