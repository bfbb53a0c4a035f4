package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/parley-chat/parley/internal/event"
)

type fakeDir struct {
	members map[int64][]int64 // conversation -> member ids
	users   map[int64]event.Member
}

func (f *fakeDir) IsMember(_ context.Context, conversationID, userID int64) (bool, error) {
	for _, id := range f.members[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDir) Member(_ context.Context, userID int64) (event.Member, error) {
	return f.users[userID], nil
}

func newFake() *fakeDir {
	return &fakeDir{
		members: map[int64][]int64{5: {1, 2}},
		users: map[int64]event.Member{
			1: {ID: 1, Name: "alice", Avatar: "a.png"},
			2: {ID: 2, Name: "bob"},
			3: {ID: 3, Name: "mallory"},
		},
	}
}

func TestParseChannel(t *testing.T) {
	cases := []struct {
		name string
		kind ChannelKind
		ok   bool
	}{
		{"conversation.5", ChannelPresence, true},
		{"user.12", ChannelPrivate, true},
		{"online-users", ChannelPublic, true},
		{"conversation.", 0, false},
		{"conversation.-1", 0, false},
		{"user.abc", 0, false},
		{"random-topic", 0, false},
	}
	for _, c := range cases {
		ch, err := ParseChannel(c.name)
		if c.ok && (err != nil || ch.Kind != c.kind) {
			t.Fatalf("ParseChannel(%q) = %+v, %v", c.name, ch, err)
		}
		if !c.ok && !errors.Is(err, ErrBadChannel) {
			t.Fatalf("ParseChannel(%q): want ErrBadChannel, got %v", c.name, err)
		}
	}
}

func TestAuthorizePresence(t *testing.T) {
	g := New(newFake(), newFake())
	ctx := context.Background()

	t.Run("member gets grant with presence metadata", func(t *testing.T) {
		grant, err := g.Authorize(ctx, 1, "conversation.5")
		if err != nil {
			t.Fatalf("authorize: %v", err)
		}
		if grant.Member == nil || grant.Member.Name != "alice" || !grant.Member.Online {
			t.Fatalf("bad presence metadata: %+v", grant.Member)
		}
	})

	t.Run("non-member denied", func(t *testing.T) {
		_, err := g.Authorize(ctx, 3, "conversation.5")
		if !errors.Is(err, ErrChannelDenied) {
			t.Fatalf("want ErrChannelDenied, got %v", err)
		}
	})

	t.Run("missing conversation is the same denial", func(t *testing.T) {
		_, err := g.Authorize(ctx, 1, "conversation.999")
		if !errors.Is(err, ErrChannelDenied) {
			t.Fatalf("want ErrChannelDenied, got %v", err)
		}
	})
}

func TestAuthorizePrivate(t *testing.T) {
	g := New(newFake(), newFake())
	ctx := context.Background()

	if _, err := g.Authorize(ctx, 2, "user.2"); err != nil {
		t.Fatalf("own private channel: %v", err)
	}
	if _, err := g.Authorize(ctx, 2, "user.1"); !errors.Is(err, ErrChannelDenied) {
		t.Fatalf("foreign private channel: want ErrChannelDenied, got %v", err)
	}
}

func TestAuthorizePublic(t *testing.T) {
	g := New(newFake(), newFake())
	grant, err := g.Authorize(context.Background(), 3, "online-users")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if grant.Member == nil || grant.Member.ID != 3 {
		t.Fatalf("public channel should attach identity, got %+v", grant.Member)
	}
}
