package rtc

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Session is one mesh call: a PeerConnection per remote participant, all
// sharing the local capture tracks. Mute and screen-share state is session
// wide — a participant who joins mid-share sees the shared screen, not the
// camera.
type Session struct {
	callID string
	selfID int64
	sig    Signaler
	media  *sessionMedia

	mu      sync.Mutex
	peers   map[int64]*Peer
	audioOn bool
	videoOn bool
	screen  webrtc.TrackLocal // non-nil while screen sharing
	closed  bool
}

func newSession(callID string, selfID int64, sig Signaler, media *sessionMedia) *Session {
	return &Session{
		callID:  callID,
		selfID:  selfID,
		sig:     sig,
		media:   media,
		peers:   make(map[int64]*Peer),
		audioOn: true,
		videoOn: true,
	}
}

// CallTo dials one remote participant: creates the peer leg and sends it an
// offer. No-op if a leg to that participant already exists.
func (s *Session) CallTo(remoteID int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.callID)
	}
	if _, ok := s.peers[remoteID]; ok {
		s.mu.Unlock()
		return nil
	}
	p, err := s.newPeerLocked(remoteID, true)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := p.offer(); err != nil {
		s.RemovePeer(remoteID)
		return fmt.Errorf("offer to %d: %w", remoteID, err)
	}
	return nil
}

// Peers returns the remote participant ids with live legs.
func (s *Session) Peers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

// handleSignal routes one inbound negotiation message. An offer from an
// unknown participant creates the responder leg; everything else must match
// an existing leg.
func (s *Session) handleSignal(from int64, p SignalPayload) {
	switch p.Type {
	case SignalOffer:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		peer, ok := s.peers[from]
		if !ok {
			var err error
			peer, err = s.newPeerLocked(from, false)
			if err != nil {
				s.mu.Unlock()
				log.Printf("CALL [%s]: responder leg to %d: %v", s.callID, from, err)
				return
			}
		}
		s.mu.Unlock()
		if err := peer.handleOffer(p.SDP); err != nil {
			log.Printf("CALL [%s]: offer from %d: %v", s.callID, from, err)
			s.RemovePeer(from)
		}

	case SignalAnswer:
		if peer, ok := s.peer(from); ok {
			if err := peer.handleAnswer(p.SDP); err != nil {
				log.Printf("CALL [%s]: answer from %d: %v", s.callID, from, err)
				s.RemovePeer(from)
			}
		}

	case SignalCandidate:
		if peer, ok := s.peer(from); ok && p.Candidate != nil {
			if err := peer.addCandidate(*p.Candidate); err != nil {
				log.Printf("CALL [%s]: candidate from %d: %v", s.callID, from, err)
			}
		}

	case SignalHangup:
		log.Printf("CALL [%s]: hangup from %d", s.callID, from)
		s.RemovePeer(from)

	default:
		log.Printf("CALL [%s]: unknown signal %q from %d", s.callID, p.Type, from)
	}
}

func (s *Session) peer(remoteID int64) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[remoteID]
	return p, ok
}

// newPeerLocked creates a peer leg with the session's current media state
// applied. Caller holds s.mu.
func (s *Session) newPeerLocked(remoteID int64, initiator bool) (*Peer, error) {
	p, err := newPeer(s, remoteID, initiator)
	if err != nil {
		return nil, err
	}
	if !s.audioOn {
		p.setAudioTrack(nil)
	}
	if s.screen != nil {
		p.setVideoTrack(s.screen)
	} else if !s.videoOn {
		p.setVideoTrack(nil)
	}
	s.peers[remoteID] = p
	return p, nil
}

// ToggleAudio flips the local microphone on all legs without renegotiation.
// Returns the new muted state (true = muted).
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	muted := !s.audioOn
	track := s.media.audio
	if muted {
		track = nil
	}
	peers := s.peersLocked()
	s.mu.Unlock()

	for _, p := range peers {
		p.setAudioTrack(track)
	}
	log.Printf("CALL [%s]: audio muted=%v", s.callID, muted)
	return muted
}

// ToggleVideo flips the local camera on all legs. While a screen share is
// active the camera toggle only records intent — the share keeps the video
// sender. Returns the new disabled state (true = disabled).
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	disabled := !s.videoOn
	sharing := s.screen != nil
	track := s.media.video
	if disabled {
		track = nil
	}
	peers := s.peersLocked()
	s.mu.Unlock()

	if !sharing {
		for _, p := range peers {
			p.setVideoTrack(track)
		}
	}
	log.Printf("CALL [%s]: video disabled=%v", s.callID, disabled)
	return disabled
}

// ShareScreen swaps the video sender on every leg to the given capture track
// without renegotiation.
func (s *Session) ShareScreen(track webrtc.TrackLocal) error {
	if track == nil {
		return fmt.Errorf("nil screen track")
	}
	s.mu.Lock()
	s.screen = track
	peers := s.peersLocked()
	s.mu.Unlock()

	for _, p := range peers {
		p.setVideoTrack(track)
	}
	log.Printf("CALL [%s]: screen share started", s.callID)
	return nil
}

// StopScreenShare restores the camera track (or video mute) on every leg.
func (s *Session) StopScreenShare() {
	s.mu.Lock()
	if s.screen == nil {
		s.mu.Unlock()
		return
	}
	s.screen = nil
	track := s.media.video
	if !s.videoOn {
		track = nil
	}
	peers := s.peersLocked()
	s.mu.Unlock()

	for _, p := range peers {
		p.setVideoTrack(track)
	}
	log.Printf("CALL [%s]: screen share stopped", s.callID)
}

// RemovePeer tears down one leg. The rest of the mesh is unaffected.
func (s *Session) RemovePeer(remoteID int64) {
	s.mu.Lock()
	p, ok := s.peers[remoteID]
	delete(s.peers, remoteID)
	s.mu.Unlock()
	if ok {
		p.close()
		log.Printf("CALL [%s]: leg to %d removed", s.callID, remoteID)
	}
}

// Close hangs up every leg and releases local media. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peers := s.peers
	s.peers = make(map[int64]*Peer)
	s.mu.Unlock()

	for id, p := range peers {
		_ = s.sig.SendSignal(id, SignalPayload{Type: SignalHangup, CallID: s.callID})
		p.close()
	}
	if s.media.stop != nil {
		s.media.stop()
	}
	log.Printf("CALL [%s]: session closed", s.callID)
}

// peersLocked snapshots the peer list. Caller holds s.mu.
func (s *Session) peersLocked() []*Peer {
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}
