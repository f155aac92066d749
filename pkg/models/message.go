package models

import "encoding/json"

// Control message types used on the device channel.
const (
	TypeDeviceRegister = "device_register"
	TypeConnectionInfo = "connection_info"
	TypePing           = "ping"
	TypePong           = "pong"
)

// MessageKind is the result of classifying an inbound frame. Classification
// happens once at ingress; routing code switches on the kind instead of
// re-inspecting raw fields.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindControl
	KindCommand
	KindResponse
	KindEvent
)

func (k MessageKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	}
	return "invalid"
}

// Message is the JSON envelope shared by control frames and CDP traffic.
// A frame with Type set is a control message; otherwise the presence of
// Method and ID decides whether it is a command, event, or response.
type Message struct {
	Type      string          `json:"type,omitempty"`
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Kind classifies the message. Control beats everything; a method with an id
// is a command, a method without one is an event, a bare id is a response.
func (m *Message) Kind() MessageKind {
	switch {
	case m.Type != "":
		return KindControl
	case m.Method != "" && m.ID != nil:
		return KindCommand
	case m.Method != "":
		return KindEvent
	case m.ID != nil:
		return KindResponse
	}
	return KindInvalid
}

// ErrorPayload is a CDP/JSON-RPC style error object.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewID returns a pointer suitable for Message.ID.
func NewID(id int64) *int64 {
	return &id
}
