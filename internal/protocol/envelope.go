// Package protocol defines the JSON wire messages exchanged between the
// server and connected pages. The envelope is a tagged union: one
// out-of-band "connected" handshake frame, then request/response frames
// correlated by generated id, symmetric in both directions.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	// TypeConnected tags the handshake frame sent once per connection,
	// server to page, before any RPC traffic.
	TypeConnected = "connected"

	KindRequest  = "request"
	KindResponse = "response"
)

// Message is the single frame shape read off the socket. Exactly one of
// the following holds:
//   - Type == "connected": handshake, ClientID is set
//   - Kind == "request": ID, Method, Args are set
//   - Kind == "response": ID plus Result or Error
type Message struct {
	Type     string `json:"type,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	Kind   string            `json:"kind,omitempty"`
	ID     string            `json:"id,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *string           `json:"error,omitempty"`
}

// NewConnected builds the handshake frame carrying the server-assigned id.
func NewConnected(clientID string) Message {
	return Message{Type: TypeConnected, ClientID: clientID}
}

// NewRequest builds a request frame. Args are marshaled individually so a
// call like call("fn", "a", 1) travels as args:["a",1].
func NewRequest(id, method string, args ...any) (Message, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return Message{}, fmt.Errorf("marshal arg %d of %s: %w", i, method, err)
		}
		raw = append(raw, b)
	}
	return Message{Kind: KindRequest, ID: id, Method: method, Args: raw}, nil
}

// NewResult builds a success response frame.
func NewResult(id string, result any) (Message, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("marshal result: %w", err)
	}
	return Message{Kind: KindResponse, ID: id, Result: b}, nil
}

// NewError builds a failure response frame. The error travels as a plain
// string so page-side code can surface it without a shared error type.
func NewError(id string, errMsg string) Message {
	return Message{Kind: KindResponse, ID: id, Error: &errMsg}
}

// IsHandshake reports whether the frame is the connected handshake.
func (m Message) IsHandshake() bool {
	return m.Type == TypeConnected
}

// Validate checks the frame is a well-formed member of the union.
func (m Message) Validate() error {
	switch {
	case m.IsHandshake():
		if m.ClientID == "" {
			return fmt.Errorf("connected frame missing clientId")
		}
		return nil
	case m.Kind == KindRequest:
		if m.ID == "" || m.Method == "" {
			return fmt.Errorf("request frame missing id or method")
		}
		return nil
	case m.Kind == KindResponse:
		if m.ID == "" {
			return fmt.Errorf("response frame missing id")
		}
		return nil
	default:
		return fmt.Errorf("unknown frame kind %q", m.Kind)
	}
}
