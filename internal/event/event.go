// Package event defines the typed envelopes that flow through the fan-out
// bus. Every event kind carries its own payload struct so handlers get
// compile-time coverage instead of poking at untyped maps.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind tags an envelope with its event type. The string values are the wire
// names clients listen on.
type Kind string

// Durable events — each one mirrors a state change persisted by the CRUD layer.
const (
	KindMessageSent   Kind = "message.sent"
	KindMessageRead   Kind = "message.read"
	KindCallInitiated Kind = "call.initiated"
	KindCallEnded     Kind = "call.ended"
	KindUserOnline    Kind = "user.online"
	KindUserOffline   Kind = "user.offline"
)

// Whisper events — ephemeral, best-effort, never persisted. A recipient that
// is offline simply never sees them.
const (
	KindTyping       Kind = "typing"
	KindCallSignal   Kind = "call-signal"
	KindWebRTCSignal Kind = "webrtc-signal"
	KindCallHangup   Kind = "call-ended"
)

// Presence lifecycle events, emitted by the hub itself on presence channels.
const (
	KindPresenceHere    Kind = "presence.here"
	KindPresenceJoining Kind = "presence.joining"
	KindPresenceLeaving Kind = "presence.leaving"
)

var ErrUnknownKind = errors.New("event: unknown event kind")

// UserRef is the embedded sender/caller identity carried by durable events.
type UserRef struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Member is one entry in a presence channel roster.
type Member struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Online bool   `json:"is_online"`
}

type MessageSent struct {
	MessageID      string    `json:"message_id"`
	ConversationID int64     `json:"conversation_id"`
	Sender         UserRef   `json:"sender"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	FilePath       string    `json:"file_path,omitempty"`
	FileName       string    `json:"file_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	IsEdited       bool      `json:"is_edited"`
}

type MessageRead struct {
	MessageID      string    `json:"message_id"`
	ConversationID int64     `json:"conversation_id"`
	ReaderID       int64     `json:"reader_id"`
	ReaderName     string    `json:"reader_name"`
	ReadAt         time.Time `json:"read_at"`
}

type CallInitiated struct {
	CallID         string  `json:"call_id"`
	ConversationID int64   `json:"conversation_id"`
	Caller         UserRef `json:"caller"`
	CallType       string  `json:"call_type"`
	Status         string  `json:"status"`
}

type CallEnded struct {
	CallID            string `json:"call_id"`
	ConversationID    int64  `json:"conversation_id"`
	Status            string `json:"status"`
	Duration          int64  `json:"duration"`
	FormattedDuration string `json:"formatted_duration,omitempty"`
}

type UserOnline struct {
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	IsOnline bool   `json:"is_online"`
}

type UserOffline struct {
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	IsOnline bool   `json:"is_online"`
}

type Typing struct {
	SenderID       int64  `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	ConversationID int64  `json:"conversation_id"`
}

type CallSignal struct {
	SenderID       int64  `json:"sender_id"`
	ConversationID int64  `json:"conversation_id"`
	CallType       string `json:"call_type"`
}

// WebRTCSignal relays an opaque negotiation payload. The server never looks
// inside Signal — it is a blind relay between the two peers.
type WebRTCSignal struct {
	SenderID int64           `json:"sender_id"`
	Signal   json.RawMessage `json:"signal"`
}

type CallHangup struct {
	SenderID int64 `json:"sender_id"`
}

type PresenceHere struct {
	Members []Member `json:"members"`
}

type PresenceJoining struct {
	Member Member `json:"member"`
}

type PresenceLeaving struct {
	Member Member `json:"member"`
}

// Envelope is one event addressed to a channel. Payload holds the struct
// matching Kind; the JSON codec round-trips it by kind.
type Envelope struct {
	Kind     Kind   `json:"kind"`
	Channel  string `json:"channel"`
	SenderID int64  `json:"sender_id,omitempty"`
	Payload  any    `json:"payload"`
}

// Ephemeral reports whether k is a whisper kind (never persisted, never
// accepted as a durable broadcast from a client).
func Ephemeral(k Kind) bool {
	switch k {
	case KindTyping, KindCallSignal, KindWebRTCSignal, KindCallHangup:
		return true
	}
	return false
}

type wireEnvelope struct {
	Kind     Kind            `json:"kind"`
	Channel  string          `json:"channel"`
	SenderID int64           `json:"sender_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Kind, err)
	}
	return json.Marshal(wireEnvelope{
		Kind:     e.Kind,
		Channel:  e.Channel,
		SenderID: e.SenderID,
		Payload:  raw,
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	e.Kind = w.Kind
	e.Channel = w.Channel
	e.SenderID = w.SenderID
	e.Payload = payload
	return nil
}

// decodePayload picks the payload struct for a kind. An unknown kind is a
// validation error resolved at the boundary — it never reaches subscribers.
func decodePayload(k Kind, raw json.RawMessage) (any, error) {
	var dst any
	switch k {
	case KindMessageSent:
		dst = &MessageSent{}
	case KindMessageRead:
		dst = &MessageRead{}
	case KindCallInitiated:
		dst = &CallInitiated{}
	case KindCallEnded:
		dst = &CallEnded{}
	case KindUserOnline:
		dst = &UserOnline{}
	case KindUserOffline:
		dst = &UserOffline{}
	case KindTyping:
		dst = &Typing{}
	case KindCallSignal:
		dst = &CallSignal{}
	case KindWebRTCSignal:
		dst = &WebRTCSignal{}
	case KindCallHangup:
		dst = &CallHangup{}
	case KindPresenceHere:
		dst = &PresenceHere{}
	case KindPresenceJoining:
		dst = &PresenceJoining{}
	case KindPresenceLeaving:
		dst = &PresenceLeaving{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", k, err)
		}
	}
	return dst, nil
}
