package rtc

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// sessionMedia is the per-session media factory: a shared API (codec
// configuration) plus the local capture tracks every leg sends. audio and
// video are nil when capture is unavailable; legs then negotiate
// receive-only.
type sessionMedia struct {
	api   *webrtc.API
	audio webrtc.TrackLocal
	video webrtc.TrackLocal
	stop  func() // releases capture devices; may be nil
}

func (m *sessionMedia) newPC() (*webrtc.PeerConnection, error) {
	return m.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
}

// addRecvOnlyTransceiver adds a recvonly transceiver so CreateOffer and
// CreateAnswer always produce valid m-lines with ICE credentials even with
// no local track of that kind.
func addRecvOnlyTransceiver(callID string, pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) {
	if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(%s) error: %v", callID, kind, err)
	}
}
