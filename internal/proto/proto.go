// Package proto defines the websocket wire frames exchanged between the
// server and realtime clients. Event payloads themselves are defined in
// internal/event; frames carry them plus the subscribe/whisper control
// surface.
package proto

import "encoding/json"

// Client-to-server operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpWhisper     = "whisper"
)

// Server-to-client operations.
const (
	OpEvent = "event"
	OpError = "error"
	OpAck   = "ack"
)

// Error codes carried by OpError frames.
const (
	ErrCodeDenied  = "denied"   // authorization failed (or channel does not exist)
	ErrCodeBadKind = "bad_kind" // whisper with a non-ephemeral or unknown event kind
	ErrCodeBadOp   = "bad_op"
)

// Frame is one websocket message in either direction.
//
//   - subscribe/unsubscribe: Channel set
//   - whisper: Channel, Event set; To optionally targets one member
//   - event: Channel, Event set by the server
//   - ack: Channel, Event (roster snapshot) set after a successful subscribe
//   - error: Code, Channel set by the server
type Frame struct {
	Op      string          `json:"op"`
	Channel string          `json:"channel,omitempty"`
	To      int64           `json:"to,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Code    string          `json:"code,omitempty"`
}
