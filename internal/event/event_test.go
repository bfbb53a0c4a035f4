package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Run("message.sent", func(t *testing.T) {
		sent := &MessageSent{
			MessageID:      "m-1",
			ConversationID: 5,
			Sender:         UserRef{ID: 2, Name: "alice", Avatar: "a.png"},
			Type:           "text",
			Content:        "merhaba 👋",
			CreatedAt:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		}
		env := Envelope{Kind: KindMessageSent, Channel: "conversation.5", SenderID: 2, Payload: sent}

		b, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		var got Envelope
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		p, ok := got.Payload.(*MessageSent)
		if !ok {
			t.Fatalf("payload type %T, want *MessageSent", got.Payload)
		}
		if p.Content != sent.Content || p.Sender.Name != "alice" || !p.CreatedAt.Equal(sent.CreatedAt) {
			t.Fatalf("payload mismatch: %+v", p)
		}
	})

	t.Run("webrtc-signal keeps payload opaque", func(t *testing.T) {
		raw := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
		env := Envelope{Kind: KindWebRTCSignal, Channel: "conversation.5", SenderID: 7,
			Payload: &WebRTCSignal{SenderID: 7, Signal: raw}}

		b, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got Envelope
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		sig := got.Payload.(*WebRTCSignal)
		if !strings.Contains(string(sig.Signal), `"offer"`) {
			t.Fatalf("signal payload lost: %s", sig.Signal)
		}
	})
}

func TestUnknownKindRejected(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"kind":"message.exploded","channel":"conversation.1","payload":{}}`), &env)
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if !strings.Contains(err.Error(), "unknown event kind") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEphemeral(t *testing.T) {
	for _, k := range []Kind{KindTyping, KindCallSignal, KindWebRTCSignal, KindCallHangup} {
		if !Ephemeral(k) {
			t.Fatalf("%s should be ephemeral", k)
		}
	}
	for _, k := range []Kind{KindMessageSent, KindMessageRead, KindCallInitiated, KindCallEnded} {
		if Ephemeral(k) {
			t.Fatalf("%s should be durable", k)
		}
	}
}
