// Package wire defines the gateway wire protocol: the four frame shapes
// carried over the WebSocket channel and the payload types exchanged
// during the connect handshake and capability invocation.
//
// Frames are UTF-8 JSON objects with a "type" discriminator. Unknown
// frame types and malformed payloads decode to nil - the channel must
// tolerate forward-compatible noise without failing.
package wire

import (
	"encoding/json"
)

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Well-known event names pushed by the gateway.
const (
	EventTick          = "tick"
	EventChallenge     = "connect.challenge"
	EventInvokeRequest = "node.invoke.request"
)

// Methods used by the connection layer itself.
const (
	MethodConnect      = "connect"
	MethodInvokeResult = "node.invoke.result"
)

// Request is a client-to-server call correlated by ID.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the server's reply to a Request with the same ID.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// Event is a server push, optionally sequence-numbered.
type Event struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// Ping is a liveness probe; the receiver must answer with a Pong
// carrying the same ID.
type Ping struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ErrorBody is the structured error carried by a failed Response.
type ErrorBody struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Decode parses a raw frame into one of Request, Response, Event, Ping
// or Pong. It returns nil for unknown types and malformed payloads;
// callers treat nil as a no-op frame.
func Decode(data []byte) interface{} {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}

	switch probe.Type {
	case TypeRequest:
		var f Request
		if err := json.Unmarshal(data, &f); err != nil {
			return nil
		}
		return &f
	case TypeResponse:
		var f Response
		if err := json.Unmarshal(data, &f); err != nil {
			return nil
		}
		return &f
	case TypeEvent:
		var f Event
		if err := json.Unmarshal(data, &f); err != nil {
			return nil
		}
		return &f
	case TypePing:
		var f Ping
		if err := json.Unmarshal(data, &f); err != nil {
			return nil
		}
		return &f
	case TypePong:
		var f Pong
		if err := json.Unmarshal(data, &f); err != nil {
			return nil
		}
		return &f
	default:
		// Forward compatibility: newer servers may push frame types
		// this client does not know about.
		return nil
	}
}

// NewRequest builds a req frame with marshalled params.
func NewRequest(id, method string, params interface{}) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Request{Type: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewPong builds the answer to a Ping.
func NewPong(id string) *Pong {
	return &Pong{Type: TypePong, ID: id}
}

// NewPing builds a liveness probe.
func NewPing(id string) *Ping {
	return &Ping{Type: TypePing, ID: id}
}
