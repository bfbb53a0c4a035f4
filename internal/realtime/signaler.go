package realtime

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/parley-chat/parley/internal/event"
	"github.com/parley-chat/parley/internal/rtc"
)

// CallSignaler bridges WebRTC negotiation onto the realtime bus: signals
// travel as webrtc-signal whispers on the conversation's channel, addressed
// to a single member, opaque to the server. It is the only place that
// couples the rtc and realtime packages.
type CallSignaler struct {
	client  *Client
	channel string
}

// NewCallSignaler builds a signaler relaying over the given (already
// subscribed) channel.
func NewCallSignaler(client *Client, channel string) *CallSignaler {
	return &CallSignaler{client: client, channel: channel}
}

// SendSignal whispers one negotiation message to a single participant.
func (s *CallSignaler) SendSignal(toUserID int64, p rtc.SignalPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return s.client.Whisper(s.channel, toUserID, event.Envelope{
		Kind: event.KindWebRTCSignal,
		Payload: &event.WebRTCSignal{
			SenderID: s.client.SelfID(),
			Signal:   raw,
		},
	})
}

// Subscribe filters the client's event feed down to negotiation signals.
func (s *CallSignaler) Subscribe() (chan rtc.InboundSignal, func()) {
	out := make(chan rtc.InboundSignal, 64)
	feed, cancelFeed := s.client.Listen()

	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case env, ok := <-feed:
				if !ok {
					return
				}
				if env.Kind != event.KindWebRTCSignal {
					continue
				}
				sig, ok := env.Payload.(*event.WebRTCSignal)
				if !ok {
					continue
				}
				var p rtc.SignalPayload
				if err := json.Unmarshal(sig.Signal, &p); err != nil {
					log.Printf("REALTIME: malformed signal from %d: %v", sig.SenderID, err)
					continue
				}
				select {
				case out <- rtc.InboundSignal{From: sig.SenderID, Payload: p}:
				default:
					// negotiation signals are latency-sensitive, not
					// replayable; drop rather than block the feed
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelFeed()
			close(done)
		})
	}
	return out, cancel
}
