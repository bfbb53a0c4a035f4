package rtc

import (
	"log"
	"sync"
)

// Manager owns active mesh sessions and routes inbound signaling to them.
type Manager struct {
	sig    Signaler
	selfID int64

	mu       sync.RWMutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	done chan struct{}
}

// IncomingCall is the first offer seen for a call with no local session —
// someone already in the call is dialing us. Join creates the session and
// answers the buffered offer; Decline hangs up on the dialer.
type IncomingCall struct {
	CallID  string
	From    int64
	Join    func() (*Session, error)
	Decline func()
}

// OnIncoming registers a callback fired for each incoming dial. Multiple
// handlers can be registered.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// New creates a Manager attached to sig and starts listening for signaling
// messages immediately.
func New(sig Signaler, selfID int64) *Manager {
	m := &Manager{
		sig:      sig,
		selfID:   selfID,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// StartSession creates (or returns) the mesh session for a call. The caller
// joins the session first and dials each participant with CallTo as they
// accept.
func (m *Manager) StartSession(callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[callID]; ok {
		return sess, nil
	}
	media, err := newSessionMedia(callID)
	if err != nil {
		return nil, err
	}
	sess := newSession(callID, m.selfID, m.sig, media)
	m.sessions[callID] = sess
	log.Printf("CALL [%s]: session started", callID)
	return sess, nil
}

// Session returns the active session for a call, if any.
func (m *Manager) Session(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	return s, ok
}

// EndSession tears down the session for a call. Idempotent.
func (m *Manager) EndSession(callID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	delete(m.sessions, callID)
	m.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// Close shuts down the manager and every active session.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// dispatchLoop reads signaling messages and routes them by call id.
func (m *Manager) dispatchLoop() {
	ch, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(sig)
		}
	}
}

func (m *Manager) dispatch(sig InboundSignal) {
	m.mu.RLock()
	sess, ok := m.sessions[sig.Payload.CallID]
	m.mu.RUnlock()
	if ok {
		sess.handleSignal(sig.From, sig.Payload)
		return
	}

	if sig.Payload.Type == SignalOffer {
		if m.fireIncoming(sig) {
			return
		}
	}
	// Signal for a call we never joined (or already left) — drop it.
	log.Printf("CALL [%s]: dropping %s from %d, no session", sig.Payload.CallID, sig.Payload.Type, sig.From)
}

// fireIncoming notifies OnIncoming handlers about an offer with no session.
// Returns false when nobody is listening.
func (m *Manager) fireIncoming(sig InboundSignal) bool {
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	if len(handlers) == 0 {
		return false
	}

	ic := &IncomingCall{
		CallID: sig.Payload.CallID,
		From:   sig.From,
		Join: func() (*Session, error) {
			sess, err := m.StartSession(sig.Payload.CallID)
			if err != nil {
				return nil, err
			}
			sess.handleSignal(sig.From, sig.Payload)
			return sess, nil
		},
		Decline: func() {
			_ = m.sig.SendSignal(sig.From, SignalPayload{Type: SignalHangup, CallID: sig.Payload.CallID})
		},
	}
	for _, fn := range handlers {
		fn(ic)
	}
	return true
}
