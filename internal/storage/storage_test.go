package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/callsession"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUserLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.CreateUser(ctx, "alice", "a.png")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	m, err := db.Member(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "alice" || m.Online {
		t.Fatalf("member = %+v", m)
	}

	if err := db.SetOnline(ctx, id, true); err != nil {
		t.Fatal(err)
	}
	u, err := db.UserByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !u.Online || u.LastActiveAt.IsZero() {
		t.Fatalf("after SetOnline: %+v", u)
	}

	if err := db.SetOnline(ctx, 9999, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestPublicKeyPublication(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id, _ := db.CreateUser(ctx, "bob", "")

	if _, err := db.PublicKey(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unpublished key: %v", err)
	}
	key := []byte{1, 2, 3, 4}
	if err := db.SetPublicKey(ctx, id, key); err != nil {
		t.Fatal(err)
	}
	got, err := db.PublicKey(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(key) {
		t.Fatalf("key round trip: %v", got)
	}
}

func TestMembershipAndDeparture(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	alice, _ := db.CreateUser(ctx, "alice", "")
	bob, _ := db.CreateUser(ctx, "bob", "")

	conv, err := db.CreateConversation(ctx, ConversationGroup, "room", []int64{alice, bob})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	for _, id := range []int64{alice, bob} {
		ok, err := db.IsMember(ctx, conv, id)
		if err != nil || !ok {
			t.Fatalf("IsMember(%d) = %v, %v", id, ok, err)
		}
	}
	if ok, _ := db.IsMember(ctx, conv, 999); ok {
		t.Fatal("stranger reported as member")
	}

	if err := db.LeaveConversation(ctx, conv, bob); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.IsMember(ctx, conv, bob); ok {
		t.Fatal("departed member still reported as member")
	}
	ids, err := db.ParticipantIDs(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != alice {
		t.Fatalf("participants after departure: %v", ids)
	}
}

func TestMessagesAndReads(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	alice, _ := db.CreateUser(ctx, "alice", "")
	bob, _ := db.CreateUser(ctx, "bob", "")
	conv, _ := db.CreateConversation(ctx, ConversationDirect, "", []int64{alice, bob})

	msg := &Message{
		ID:             "m-1",
		ConversationID: conv,
		SenderID:       alice,
		Type:           "text",
		Content:        "opaque ciphertext",
	}
	if err := db.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	t.Run("edit by sender only", func(t *testing.T) {
		if err := db.EditMessage(ctx, "m-1", bob, "hijack"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("foreign edit: %v", err)
		}
		if err := db.EditMessage(ctx, "m-1", alice, "fixed"); err != nil {
			t.Fatal(err)
		}
		got, err := db.MessageByID(ctx, "m-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Content != "fixed" || !got.IsEdited {
			t.Fatalf("after edit: %+v", got)
		}
	})

	t.Run("read receipts are idempotent", func(t *testing.T) {
		at := time.Now()
		if err := db.MarkRead(ctx, "m-1", bob, at); err != nil {
			t.Fatal(err)
		}
		if err := db.MarkRead(ctx, "m-1", bob, at.Add(time.Hour)); err != nil {
			t.Fatal(err)
		}
		readers, err := db.ReadBy(ctx, "m-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(readers) != 1 || readers[0] != bob {
			t.Fatalf("readers = %v", readers)
		}
	})

	t.Run("listing is oldest first", func(t *testing.T) {
		later := &Message{
			ID: "m-2", ConversationID: conv, SenderID: bob, Type: "text",
			Content: "reply", CreatedAt: time.Now().Add(time.Minute),
		}
		if err := db.SaveMessage(ctx, later); err != nil {
			t.Fatal(err)
		}
		msgs, err := db.MessagesFor(ctx, conv, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 2 || msgs[0].ID != "m-1" || msgs[1].ID != "m-2" {
			t.Fatalf("order: %v %v", msgs[0].ID, msgs[1].ID)
		}
	})
}

func TestCallRecords(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	alice, _ := db.CreateUser(ctx, "alice", "")
	bob, _ := db.CreateUser(ctx, "bob", "")
	carol, _ := db.CreateUser(ctx, "carol", "")
	conv, _ := db.CreateConversation(ctx, ConversationGroup, "room", []int64{alice, bob, carol})

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &callsession.Record{
		ID:             "call-1",
		ConversationID: conv,
		CallerID:       alice,
		Invited:        []int64{bob, carol},
		Kind:           callsession.KindVideo,
		Status:         callsession.StatusRinging,
		CreatedAt:      start,
	}
	if err := db.CreateCall(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.Status = callsession.StatusCompleted
	rec.StartedAt = start.Add(5 * time.Second)
	rec.EndedAt = start.Add(95 * time.Second)
	rec.Duration = 90
	if err := db.UpdateCall(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := db.CallByID(ctx, "call-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != callsession.StatusCompleted || got.Duration != 90 {
		t.Fatalf("loaded call: %+v", got)
	}
	if len(got.Invited) != 2 || got.Invited[0] != bob {
		t.Fatalf("invited set: %v", got.Invited)
	}
	if !got.StartedAt.Equal(rec.StartedAt) {
		t.Fatalf("started at: %v vs %v", got.StartedAt, rec.StartedAt)
	}

	t.Run("history by participation", func(t *testing.T) {
		for _, id := range []int64{alice, bob, carol} {
			recs, err := db.CallsForUser(ctx, id, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 1 {
				t.Fatalf("user %d sees %d calls", id, len(recs))
			}
		}
		outsider, _ := db.CreateUser(ctx, "dave", "")
		recs, err := db.CallsForUser(ctx, outsider, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 0 {
			t.Fatalf("outsider sees %d calls", len(recs))
		}
	})

	if _, err := db.CallByID(ctx, "missing"); !errors.Is(err, callsession.ErrNotFound) {
		t.Fatalf("missing call: %v", err)
	}
	if err := db.UpdateCall(ctx, &callsession.Record{ID: "missing"}); !errors.Is(err, callsession.ErrNotFound) {
		t.Fatalf("update missing call: %v", err)
	}
}
