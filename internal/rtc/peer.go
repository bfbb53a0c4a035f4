package rtc

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested on inbound video. Mesh
// legs come and go; without periodic PLI a late joiner can stare at grey
// video until the next natural keyframe.
const pliInterval = 3 * time.Second

// Peer is one leg of the mesh: a PeerConnection to a single remote
// participant.
type Peer struct {
	remoteID  int64
	sess      *Session
	pc        *webrtc.PeerConnection
	initiator bool

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	pending     []webrtc.ICECandidateInit
	remoteSet   bool
	done        chan struct{}
}

func newPeer(s *Session, remoteID int64, initiator bool) (*Peer, error) {
	pc, err := s.media.newPC()
	if err != nil {
		return nil, err
	}
	p := &Peer{
		remoteID:  remoteID,
		sess:      s,
		pc:        pc,
		initiator: initiator,
		done:      make(chan struct{}),
	}

	if s.media.audio != nil {
		if sender, err := pc.AddTrack(s.media.audio); err == nil {
			p.audioSender = sender
		} else {
			log.Printf("CALL [%s]: AddTrack(audio) for %d: %v", s.callID, remoteID, err)
		}
	} else {
		addRecvOnlyTransceiver(s.callID, pc, webrtc.RTPCodecTypeAudio)
	}
	if s.media.video != nil {
		if sender, err := pc.AddTrack(s.media.video); err == nil {
			p.videoSender = sender
		} else {
			log.Printf("CALL [%s]: AddTrack(video) for %d: %v", s.callID, remoteID, err)
		}
	} else {
		addRecvOnlyTransceiver(s.callID, pc, webrtc.RTPCodecTypeVideo)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = s.sig.SendSignal(remoteID, SignalPayload{
			Type:      SignalCandidate,
			CallID:    s.callID,
			Candidate: &init,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go p.drainRemoteTrack(track)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: leg to %d is %s", s.callID, remoteID, st)
		if st == webrtc.PeerConnectionStateFailed {
			// One dead leg must not take the mesh down.
			s.RemovePeer(remoteID)
		}
	})

	return p, nil
}

// offer starts negotiation as the initiator.
func (p *Peer) offer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return p.sess.sig.SendSignal(p.remoteID, SignalPayload{
		Type:   SignalOffer,
		CallID: p.sess.callID,
		SDP:    offer.SDP,
	})
}

// handleOffer applies the remote offer and answers it.
func (p *Peer) handleOffer(sdp string) error {
	if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return p.sess.sig.SendSignal(p.remoteID, SignalPayload{
		Type:   SignalAnswer,
		CallID: p.sess.callID,
		SDP:    answer.SDP,
	})
}

// handleAnswer completes negotiation on the initiator side.
func (p *Peer) handleAnswer(sdp string) error {
	if !p.initiator {
		return errors.New("answer received on responder leg")
	}
	return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// setRemote applies the remote description and flushes candidates that
// trickled in before it.
func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: buffered candidate for %d: %v", p.sess.callID, p.remoteID, err)
		}
	}
	return nil
}

// addCandidate applies a trickled candidate, buffering it when the remote
// description has not arrived yet.
func (p *Peer) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(c)
}

// setAudioTrack swaps (or silences, with nil) the audio sender's track
// without renegotiation.
func (p *Peer) setAudioTrack(track webrtc.TrackLocal) {
	p.mu.Lock()
	sender := p.audioSender
	p.mu.Unlock()
	if sender == nil {
		return
	}
	if err := sender.ReplaceTrack(track); err != nil {
		log.Printf("CALL [%s]: replace audio for %d: %v", p.sess.callID, p.remoteID, err)
	}
}

// setVideoTrack swaps the video sender's track — camera, screen capture, or
// nil for disabled.
func (p *Peer) setVideoTrack(track webrtc.TrackLocal) {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return
	}
	if err := sender.ReplaceTrack(track); err != nil {
		log.Printf("CALL [%s]: replace video for %d: %v", p.sess.callID, p.remoteID, err)
	}
}

// drainRemoteTrack consumes inbound RTP, keeping packet/byte counters and
// requesting keyframes on video.
func (p *Peer) drainRemoteTrack(track *webrtc.TrackRemote) {
	kind := track.Kind()
	log.Printf("CALL [%s]: remote %s track from %d (%s)", p.sess.callID, kind, p.remoteID, track.Codec().MimeType)

	if kind == webrtc.RTPCodecTypeVideo {
		go p.keyframeLoop(uint32(track.SSRC()))
	}

	var packets, bytes uint64
	var pkt *rtp.Packet
	for {
		var err error
		pkt, _, err = track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: %s track from %d ended: %v", p.sess.callID, kind, p.remoteID, err)
			}
			break
		}
		packets++
		bytes += uint64(pkt.MarshalSize())
	}
	log.Printf("CALL [%s]: %s from %d — %d packets, %d bytes", p.sess.callID, kind, p.remoteID, packets, bytes)
}

func (p *Peer) keyframeLoop(ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: ssrc},
			}); err != nil {
				return
			}
		}
	}
}

func (p *Peer) close() {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
		close(p.done)
	}
	p.mu.Unlock()
	if err := p.pc.Close(); err != nil {
		log.Printf("CALL [%s]: close leg to %d: %v", p.sess.callID, p.remoteID, err)
	}
}
