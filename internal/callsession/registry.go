package callsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/event"
	"github.com/parley-chat/parley/internal/gate"
)

var log = logging.Logger("call")

// Store persists call records. Terminal records are append-only history.
type Store interface {
	CreateCall(ctx context.Context, rec *Record) error
	UpdateCall(ctx context.Context, rec *Record) error
	CallByID(ctx context.Context, id string) (*Record, error)
	CallsForUser(ctx context.Context, userID int64, limit int) ([]*Record, error)
}

// Notifier pushes lifecycle events to a principal's private channel.
type Notifier interface {
	ToUser(userID int64, env event.Envelope)
}

type entry struct {
	mu  sync.Mutex
	rec *Record
}

// Registry applies call lifecycle transitions. All transitions on one call
// are serialized on that call's entry lock, so guard checks always see the
// state at apply time.
type Registry struct {
	store  Store
	lookup gate.MembershipLookup
	notify Notifier

	now func() time.Time

	mu    sync.Mutex
	calls map[string]*entry
}

func NewRegistry(store Store, lookup gate.MembershipLookup, notify Notifier) *Registry {
	return &Registry{
		store:  store,
		lookup: lookup,
		notify: notify,
		now:    time.Now,
		calls:  make(map[string]*entry),
	}
}

// InitiateInput describes a new call. Exactly one of ReceiverID or Invited
// must be set: a designated receiver makes a 1:1 call, an invited set makes a
// mesh conference.
type InitiateInput struct {
	ConversationID int64
	Caller         event.UserRef
	ReceiverID     int64
	Invited        []int64
	Kind           Kind
}

// Initiate creates a ringing call and notifies every invited principal on
// their private channel.
func (g *Registry) Initiate(ctx context.Context, in InitiateInput) (*Record, error) {
	if in.Kind != KindAudio && in.Kind != KindVideo {
		return nil, fmt.Errorf("%w: kind %q", ErrBadTransition, in.Kind)
	}
	if (in.ReceiverID == 0) == (len(in.Invited) == 0) {
		return nil, fmt.Errorf("%w: need a receiver or an invited set", ErrBadTransition)
	}
	ok, err := g.lookup.IsMember(ctx, in.ConversationID, in.Caller.ID)
	if err != nil {
		return nil, fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return nil, ErrNotAllowed
	}
	for _, id := range in.Invited {
		if id == in.Caller.ID {
			return nil, fmt.Errorf("%w: caller cannot invite itself", ErrBadTransition)
		}
	}

	rec := &Record{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		CallerID:       in.Caller.ID,
		ReceiverID:     in.ReceiverID,
		Invited:        append([]int64(nil), in.Invited...),
		Kind:           in.Kind,
		Status:         StatusRinging,
		CreatedAt:      g.now(),
	}
	if err := g.store.CreateCall(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist call: %w", err)
	}

	g.mu.Lock()
	g.calls[rec.ID] = &entry{rec: rec}
	g.mu.Unlock()

	invited := rec.Invited
	if rec.OneToOne() {
		invited = []int64{rec.ReceiverID}
	}
	env := event.Envelope{
		Kind:     event.KindCallInitiated,
		SenderID: rec.CallerID,
		Payload: &event.CallInitiated{
			CallID:         rec.ID,
			ConversationID: rec.ConversationID,
			Caller:         in.Caller,
			CallType:       string(rec.Kind),
			Status:         string(StatusRinging),
		},
	}
	for _, id := range invited {
		g.notify.ToUser(id, env)
	}
	log.Infow("call initiated", "call", rec.ID, "caller", rec.CallerID, "kind", rec.Kind, "invited", len(invited))
	return rec.clone(), nil
}

// Accept transitions a ringing call to ongoing. The first accept stamps the
// start time; later accepts on a conference are idempotent.
func (g *Registry) Accept(ctx context.Context, callID string, userID int64) (*Record, error) {
	return g.apply(ctx, callID, userID, ActionAccept)
}

// Reject terminates a ringing 1:1 call without answering it.
func (g *Registry) Reject(ctx context.Context, callID string, userID int64) (*Record, error) {
	return g.apply(ctx, callID, userID, ActionReject)
}

// End hangs up: an ongoing call completes with its duration, a still-ringing
// call is recorded as missed.
func (g *Registry) End(ctx context.Context, callID string, userID int64) (*Record, error) {
	return g.apply(ctx, callID, userID, ActionEnd)
}

// Fail marks a non-terminal call as failed. Server-internal: no principal
// check.
func (g *Registry) Fail(ctx context.Context, callID string) (*Record, error) {
	return g.apply(ctx, callID, 0, ActionFail)
}

func (g *Registry) apply(ctx context.Context, callID string, userID int64, act Action) (*Record, error) {
	e, err := g.entryFor(ctx, callID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.rec

	role := rec.RoleOf(userID)
	if act == ActionFail {
		role = RoleCaller // not principal-gated
	}
	next, err := transition(rec.Status, act, role, rec.OneToOne())
	if err != nil {
		return nil, err
	}
	if next == rec.Status {
		return rec.clone(), nil
	}

	prev := rec.Status
	rec.Status = next
	switch next {
	case StatusOngoing:
		rec.StartedAt = g.now()
	case StatusCompleted, StatusMissed, StatusRejected, StatusFailed:
		rec.EndedAt = g.now()
		if next == StatusCompleted && !rec.StartedAt.IsZero() {
			if d := int64(rec.EndedAt.Sub(rec.StartedAt).Seconds()); d > 0 {
				rec.Duration = d
			}
		}
	}
	if err := g.store.UpdateCall(ctx, rec); err != nil {
		// roll back so a retry sees consistent state
		rec.Status = prev
		return nil, fmt.Errorf("persist call: %w", err)
	}

	if next.Terminal() {
		env := event.Envelope{
			Kind:     event.KindCallEnded,
			SenderID: userID,
			Payload: &event.CallEnded{
				CallID:            rec.ID,
				ConversationID:    rec.ConversationID,
				Status:            string(next),
				Duration:          rec.Duration,
				FormattedDuration: rec.FormattedDuration(),
			},
		}
		for _, id := range rec.Participants() {
			g.notify.ToUser(id, env)
		}
	}
	log.Infow("call transition", "call", rec.ID, "from", prev, "to", next, "by", userID)
	return rec.clone(), nil
}

// Get returns the current record for a call.
func (g *Registry) Get(ctx context.Context, callID string) (*Record, error) {
	e, err := g.entryFor(ctx, callID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

// History returns a principal's most recent calls, newest first.
func (g *Registry) History(ctx context.Context, userID int64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return g.store.CallsForUser(ctx, userID, limit)
}

func (g *Registry) entryFor(ctx context.Context, callID string) (*entry, error) {
	g.mu.Lock()
	e, ok := g.calls[callID]
	g.mu.Unlock()
	if ok {
		return e, nil
	}
	// Not in memory (restart, or long-terminal call): fault in from the store.
	rec, err := g.store.CallByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.calls[callID]; ok {
		return e, nil
	}
	e = &entry{rec: rec}
	g.calls[callID] = e
	return e, nil
}
