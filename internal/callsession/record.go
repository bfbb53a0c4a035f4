// Package callsession is the server-authoritative call lifecycle: one record
// per call, a single transition table that encodes both the state machine and
// the authorization matrix, and a registry that serializes transitions per
// session.
package callsession

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusRinging   Status = "ringing"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusMissed    Status = "missed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusMissed, StatusRejected, StatusFailed:
		return true
	}
	return false
}

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	// ErrNotAllowed: the actor may not invoke this transition (wrong
	// principal), independent of the current state.
	ErrNotAllowed = errors.New("callsession: action not allowed for this participant")
	// ErrBadTransition: the action is not legal from the current state.
	ErrBadTransition = errors.New("callsession: invalid transition")
	ErrNotFound      = errors.New("callsession: call not found")
)

// Role is the actor's relationship to a call, resolved server-side from the
// record — never from a client claim.
type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleReceiver
	RoleInvitee
)

type Action int

const (
	ActionAccept Action = iota + 1
	ActionReject
	ActionEnd
	ActionFail
)

// Record is the authoritative state of one call or conference.
type Record struct {
	ID             string
	ConversationID int64
	CallerID       int64
	ReceiverID     int64   // designated receiver for 1:1 calls
	Invited        []int64 // invited set for group conferences (empty for 1:1)
	Kind           Kind
	Status         Status
	StartedAt      time.Time // zero until first accept
	EndedAt        time.Time
	Duration       int64 // seconds, set when completed
	CreatedAt      time.Time
}

// OneToOne reports whether this is a 1:1 call (designated receiver) rather
// than a mesh conference.
func (r *Record) OneToOne() bool { return len(r.Invited) == 0 }

// RoleOf resolves a principal's role on this call.
func (r *Record) RoleOf(userID int64) Role {
	if userID == r.CallerID {
		return RoleCaller
	}
	if r.OneToOne() {
		if userID == r.ReceiverID {
			return RoleReceiver
		}
		return RoleNone
	}
	for _, id := range r.Invited {
		if id == userID {
			return RoleInvitee
		}
	}
	return RoleNone
}

// Participants is everyone attached to the call: caller plus the receiver or
// invited set.
func (r *Record) Participants() []int64 {
	out := []int64{r.CallerID}
	if r.OneToOne() {
		if r.ReceiverID != 0 {
			out = append(out, r.ReceiverID)
		}
		return out
	}
	return append(out, r.Invited...)
}

// FormattedDuration renders the duration as m:ss, or "" when unset.
func (r *Record) FormattedDuration() string {
	if r.Duration <= 0 {
		return ""
	}
	return fmt.Sprintf("%d:%02d", r.Duration/60, r.Duration%60)
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Invited = append([]int64(nil), r.Invited...)
	return &cp
}

// transition is the whole authorization matrix and state machine in one
// place: given the state at apply time, the action, and the actor's resolved
// role, it returns the next state or a guard violation.
func transition(cur Status, act Action, role Role, oneToOne bool) (Status, error) {
	switch act {
	case ActionAccept:
		if oneToOne {
			if role != RoleReceiver {
				return cur, ErrNotAllowed
			}
			if cur != StatusRinging {
				return cur, ErrBadTransition
			}
			return StatusOngoing, nil
		}
		if role != RoleInvitee {
			return cur, ErrNotAllowed
		}
		switch cur {
		case StatusRinging:
			return StatusOngoing, nil
		case StatusOngoing:
			// Concurrent accepts in a conference all land on the shared
			// session; later ones are an idempotent no-op.
			return StatusOngoing, nil
		default:
			return cur, ErrBadTransition
		}

	case ActionReject:
		if role != RoleReceiver {
			return cur, ErrNotAllowed
		}
		if cur != StatusRinging {
			return cur, ErrBadTransition
		}
		return StatusRejected, nil

	case ActionEnd:
		if role == RoleNone {
			return cur, ErrNotAllowed
		}
		switch cur {
		case StatusOngoing:
			return StatusCompleted, nil
		case StatusRinging:
			// The callee never answered.
			return StatusMissed, nil
		default:
			return cur, ErrBadTransition
		}

	case ActionFail:
		if cur.Terminal() {
			return cur, ErrBadTransition
		}
		return StatusFailed, nil
	}
	return cur, fmt.Errorf("%w: unknown action %d", ErrBadTransition, act)
}
