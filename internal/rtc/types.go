// Package rtc manages native WebRTC peer connections using Pion: one mesh
// session per call, one PeerConnection per remote participant. It is designed
// to be maximally standalone — coupling to the realtime layer is via the
// Signaler interface only.
package rtc

import (
	"github.com/pion/webrtc/v4"
)

// Signal types exchanged between peers during negotiation.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
	SignalHangup    = "hangup"
)

// SignalPayload is one negotiation message. SDP is set for offers and
// answers, Candidate for trickled ICE candidates.
type SignalPayload struct {
	Type      string                   `json:"type"`
	CallID    string                   `json:"call_id"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// InboundSignal is a negotiation message received from a remote participant.
type InboundSignal struct {
	From    int64
	Payload SignalPayload
}

// Signaler is the only surface the rtc package needs from the realtime
// layer. The concrete adapter lives in internal/realtime — the only place
// that imports both packages.
type Signaler interface {
	// SendSignal delivers a negotiation message to one participant.
	// Best effort: an offline recipient is simply never reached.
	SendSignal(toUserID int64, p SignalPayload) error
	Subscribe() (ch chan InboundSignal, cancel func())
}
