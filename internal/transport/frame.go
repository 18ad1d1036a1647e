package transport

import (
	"encoding/json"
	"net/url"
)

// Socket frame methods.
const (
	MethodRequest       = "request"
	MethodResponse      = "response"
	MethodAttach        = "attach"
	MethodDetach        = "detach"
	MethodSessionAttach = "session_attach"
	MethodEvent         = "event"
)

// Frame is a message sent to the endpoint over the socket.
type Frame struct {
	Version   string     `json:"version,omitempty"`
	Method    string     `json:"method"`
	Verb      string     `json:"verb,omitempty"`
	URI       string     `json:"uri,omitempty"`
	Query     url.Values `json:"query,omitempty"`
	Data      any        `json:"data,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Tries     int        `json:"tries,omitempty"`
}

// Inbound is a message received from the endpoint over the socket.
type Inbound struct {
	Method    string          `json:"method"`
	RequestID string          `json:"request_id,omitempty"`
	Status    int             `json:"status,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}
