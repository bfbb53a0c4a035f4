package callsession

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/event"
)

// memStore keeps records in memory for tests.
type memStore struct {
	mu    sync.Mutex
	calls map[string]*Record
}

func newMemStore() *memStore { return &memStore{calls: make(map[string]*Record)} }

func (s *memStore) CreateCall(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[rec.ID] = rec.clone()
	return nil
}

func (s *memStore) UpdateCall(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[rec.ID]; !ok {
		return ErrNotFound
	}
	s.calls[rec.ID] = rec.clone()
	return nil
}

func (s *memStore) CallByID(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (s *memStore) CallsForUser(_ context.Context, userID int64, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.calls {
		if rec.RoleOf(userID) != RoleNone {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memNotify struct {
	mu   sync.Mutex
	sent []struct {
		userID int64
		env    event.Envelope
	}
}

func (n *memNotify) ToUser(userID int64, env event.Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, struct {
		userID int64
		env    event.Envelope
	}{userID, env})
}

func (n *memNotify) byKind(k event.Kind) []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []int64
	for _, s := range n.sent {
		if s.env.Kind == k {
			out = append(out, s.userID)
		}
	}
	return out
}

type allowAll struct{}

func (allowAll) IsMember(context.Context, int64, int64) (bool, error) { return true, nil }

// fakeClock advances only when told to, so durations are exact.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testRegistry(t *testing.T) (*Registry, *memStore, *memNotify, *fakeClock) {
	t.Helper()
	store := newMemStore()
	notify := &memNotify{}
	clock := newFakeClock()
	reg := NewRegistry(store, allowAll{}, notify)
	reg.now = clock.Now
	return reg, store, notify, clock
}

func dial(t *testing.T, reg *Registry, caller, receiver int64) *Record {
	t.Helper()
	rec, err := reg.Initiate(context.Background(), InitiateInput{
		ConversationID: 5,
		Caller:         event.UserRef{ID: caller, Name: "caller"},
		ReceiverID:     receiver,
		Kind:           KindAudio,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return rec
}

func TestAcceptEndLifecycle(t *testing.T) {
	reg, _, notify, clock := testRegistry(t)
	ctx := context.Background()

	rec := dial(t, reg, 1, 2)
	if rec.Status != StatusRinging {
		t.Fatalf("new call status = %s", rec.Status)
	}
	if got := notify.byKind(event.KindCallInitiated); len(got) != 1 || got[0] != 2 {
		t.Fatalf("call.initiated went to %v, want [2]", got)
	}

	if _, err := reg.Accept(ctx, rec.ID, 2); err != nil {
		t.Fatalf("accept: %v", err)
	}
	clock.Advance(30 * time.Second)

	ended, err := reg.End(ctx, rec.ID, 2)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", ended.Status)
	}
	if ended.Duration != 30 {
		t.Fatalf("duration = %d, want 30", ended.Duration)
	}
	if got := ended.FormattedDuration(); got != "0:30" {
		t.Fatalf("formatted duration = %q", got)
	}
	if got := notify.byKind(event.KindCallEnded); len(got) != 2 {
		t.Fatalf("call.ended went to %v, want both participants", got)
	}
}

func TestEndWhileRingingIsMissed(t *testing.T) {
	reg, _, _, clock := testRegistry(t)
	rec := dial(t, reg, 1, 2)
	clock.Advance(time.Minute)

	ended, err := reg.End(context.Background(), rec.ID, 1)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != StatusMissed {
		t.Fatalf("status = %s, want missed", ended.Status)
	}
	if ended.Duration != 0 {
		t.Fatalf("missed call has duration %d", ended.Duration)
	}
}

func TestRejectOnlyByReceiver(t *testing.T) {
	reg, _, _, _ := testRegistry(t)
	ctx := context.Background()
	rec := dial(t, reg, 1, 2)

	if _, err := reg.Reject(ctx, rec.ID, 1); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("caller reject: %v, want ErrNotAllowed", err)
	}
	if _, err := reg.Reject(ctx, rec.ID, 3); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("outsider reject: %v, want ErrNotAllowed", err)
	}
	got, err := reg.Reject(ctx, rec.ID, 2)
	if err != nil {
		t.Fatalf("receiver reject: %v", err)
	}
	if got.Status != StatusRejected || got.Duration != 0 {
		t.Fatalf("rejected call = %+v", got)
	}
}

func TestGuardOrderRoleBeforeState(t *testing.T) {
	// After the call goes terminal, an outsider's reject must still be
	// refused for the principal, not for the state.
	reg, _, _, _ := testRegistry(t)
	ctx := context.Background()
	rec := dial(t, reg, 1, 2)
	if _, err := reg.Reject(ctx, rec.ID, 2); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Reject(ctx, rec.ID, 3); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("outsider on terminal call: %v, want ErrNotAllowed", err)
	}
	if _, err := reg.Reject(ctx, rec.ID, 2); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("receiver on terminal call: %v, want ErrBadTransition", err)
	}
	if _, err := reg.Accept(ctx, rec.ID, 2); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("accept after reject: %v, want ErrBadTransition", err)
	}
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	reg, store, _, _ := testRegistry(t)
	ctx := context.Background()
	rec := dial(t, reg, 1, 2)
	if _, err := reg.Accept(ctx, rec.ID, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.End(ctx, rec.ID, 1); err != nil {
		t.Fatal(err)
	}

	for _, act := range []func() error{
		func() error { _, err := reg.End(ctx, rec.ID, 1); return err },
		func() error { _, err := reg.Fail(ctx, rec.ID); return err },
	} {
		if err := act(); !errors.Is(err, ErrBadTransition) {
			t.Fatalf("transition on terminal call: %v", err)
		}
	}
	got, err := store.CallByID(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("stored status mutated to %s", got.Status)
	}
}

func TestFailFromAnyLiveState(t *testing.T) {
	reg, _, _, _ := testRegistry(t)
	ctx := context.Background()

	ringing := dial(t, reg, 1, 2)
	got, err := reg.Fail(ctx, ringing.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}

	ongoing := dial(t, reg, 1, 2)
	if _, err := reg.Accept(ctx, ongoing.ID, 2); err != nil {
		t.Fatal(err)
	}
	if got, err = reg.Fail(ctx, ongoing.ID); err != nil || got.Status != StatusFailed {
		t.Fatalf("fail ongoing: %v %+v", err, got)
	}
}

func TestGroupConcurrentAccept(t *testing.T) {
	reg, _, _, clock := testRegistry(t)
	ctx := context.Background()

	rec, err := reg.Initiate(ctx, InitiateInput{
		ConversationID: 9,
		Caller:         event.UserRef{ID: 1, Name: "host"},
		Invited:        []int64{2, 3, 4},
		Kind:           KindVideo,
	})
	if err != nil {
		t.Fatal(err)
	}

	firstAccept := clock.Now()
	var wg sync.WaitGroup
	for _, id := range []int64{2, 3, 4} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := reg.Accept(ctx, rec.ID, id); err != nil {
				t.Errorf("accept by %d: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	got, err := reg.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusOngoing {
		t.Fatalf("status = %s, want ongoing", got.Status)
	}
	if !got.StartedAt.Equal(firstAccept) {
		t.Fatalf("start stamped at %v, want first accept time %v", got.StartedAt, firstAccept)
	}

	// Duration runs from the first accept regardless of later joins.
	clock.Advance(95 * time.Second)
	ended, err := reg.End(ctx, rec.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Duration != 95 {
		t.Fatalf("duration = %d, want 95", ended.Duration)
	}
	if got := ended.FormattedDuration(); got != "1:35" {
		t.Fatalf("formatted duration = %q", got)
	}
}

func TestGroupCallerCannotAccept(t *testing.T) {
	reg, _, _, _ := testRegistry(t)
	ctx := context.Background()
	rec, err := reg.Initiate(ctx, InitiateInput{
		ConversationID: 9,
		Caller:         event.UserRef{ID: 1},
		Invited:        []int64{2, 3},
		Kind:           KindAudio,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Accept(ctx, rec.ID, 1); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("caller accept: %v, want ErrNotAllowed", err)
	}
}

func TestHistory(t *testing.T) {
	reg, _, _, clock := testRegistry(t)
	ctx := context.Background()

	first := dial(t, reg, 1, 2)
	if _, err := reg.Reject(ctx, first.ID, 2); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	second := dial(t, reg, 2, 1)

	recs, err := reg.History(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("history length = %d", len(recs))
	}
	if recs[0].ID != second.ID {
		t.Fatal("history not newest-first")
	}
	// A stranger to both calls sees nothing.
	recs, err = reg.History(ctx, 99, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("stranger sees %d calls", len(recs))
	}
}

func TestRegistryFaultsInFromStore(t *testing.T) {
	reg, store, notify, clock := testRegistry(t)
	ctx := context.Background()
	rec := dial(t, reg, 1, 2)

	// Simulate a restart: fresh registry over the same store.
	reg2 := NewRegistry(store, allowAll{}, notify)
	reg2.now = clock.Now
	if _, err := reg2.Accept(ctx, rec.ID, 2); err != nil {
		t.Fatalf("accept after restart: %v", err)
	}
	if _, err := reg2.Get(ctx, "no-such-call"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown call: %v", err)
	}
}
