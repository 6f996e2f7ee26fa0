package persist

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/mxzinke/atlas/internal/message"
)

func TestOrdered(t *testing.T) {
	cases := []struct {
		u uint64
		s int64
	}{
		{0, math.MinInt64},
		{math.MaxUint64, math.MaxInt64},
		{math.MaxInt64 + 1, 0},
	}
	for _, tc := range cases {
		s := orderedToSigned(tc.u)
		if s != tc.s {
			t.Errorf("orderedToSigned(%x) = %x, want %x", tc.u, s, tc.s)
		}
		u := orderedToUnsigned(tc.s)
		if u != tc.u {
			t.Errorf("orderedToUnsigned(%x) = %x, want %x", tc.s, u, tc.u)
		}
	}
}

func TestDSN(t *testing.T) {
	got, err := DSN("/tmp/a b.db")
	if err != nil {
		t.Fatal(err)
	}
	want := "file:///tmp/a%20b.db?_busy_timeout=30000&_txlock=immediate"
	if got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "account.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCursorMonotonic(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	got, err := db.Cursor(ctx, "email:me")
	if err != nil || got != 0 {
		t.Fatalf("Cursor() on empty store = %d, %v; want 0, nil", got, err)
	}

	steps := []struct {
		write   uint64
		wantErr error
		want    uint64
	}{
		{write: 5, want: 5},
		{write: 5, want: 5},
		{write: 3, wantErr: ErrCursorDecrease, want: 5},
		{write: math.MaxUint64, want: math.MaxUint64},
		{write: 0, wantErr: ErrCursorDecrease, want: math.MaxUint64},
	}
	for _, s := range steps {
		err := db.InTx(ctx, func(tx *Tx) error {
			return tx.WriteCursor(ctx, "email:me", s.write)
		})
		if errors.Cause(err) != s.wantErr {
			t.Errorf("WriteCursor(%d) = %v, want %v", s.write, err, s.wantErr)
		}
		got, err := db.Cursor(ctx, "email:me")
		if err != nil {
			t.Fatal(err)
		}
		if got != s.want {
			t.Errorf("after WriteCursor(%d): Cursor() = %d, want %d", s.write, got, s.want)
		}
	}

	// Keys are independent.
	if got, _ := db.Cursor(ctx, "signal:me"); got != 0 {
		t.Errorf("Cursor(other key) = %d, want 0", got)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	if _, err := db.Conversation(ctx, "nope"); err != ErrNoRow {
		t.Errorf("Conversation(unknown) error = %v, want ErrNoRow", err)
	}

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	want := &Conversation{
		ID:                   "abc@x.com",
		Subject:              "Hello",
		LastMessageID:        "b@x.com",
		References:           []string{"abc@x.com", "b@x.com"},
		LastResponder:        "alice@x.com",
		LastResponderDisplay: "Alice <alice@x.com>",
		Participants:         []string{"alice@x.com", "me@y.com"},
		MessageCount:         2,
		CreatedAt:            at,
		UpdatedAt:            at.Add(time.Minute),
	}
	if err := db.InTx(ctx, func(tx *Tx) error { return tx.PutConversation(ctx, want) }); err != nil {
		t.Fatal(err)
	}
	got, err := db.Conversation(ctx, want.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Conversation() mismatch (-want +got):\n%s", diff)
	}

	var inserted bool
	err = db.InTx(ctx, func(tx *Tx) error {
		var err error
		inserted, err = tx.InsertConversationIfAbsent(ctx, &Conversation{ID: want.ID, Subject: "other"})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("InsertConversationIfAbsent() replaced an existing row")
	}
	got, _ = db.Conversation(ctx, want.ID)
	if got.Subject != "Hello" {
		t.Errorf("Subject = %q after ignored insert, want %q", got.Subject, "Hello")
	}
}

func TestConversationToleratesLegacyRows(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	_, err := db.db.ExecContext(ctx, `INSERT INTO conversations
(conversation_id, reference_chain, participants, updated_at)
VALUES ('legacy', 'not json', '', 'yesterday')`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.Conversation(ctx, "legacy")
	if err != nil {
		t.Fatalf("Conversation(legacy) = %v", err)
	}
	want := &Conversation{ID: "legacy"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Conversation(legacy) mismatch (-want +got):\n%s", diff)
	}
}

func TestConversationsOrder(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := db.InTx(ctx, func(tx *Tx) error {
		updated := map[string]time.Duration{
			"old": 0,
			"new": time.Second,
			"mid": 500 * time.Millisecond,
		}
		for id, off := range updated {
			if err := tx.PutConversation(ctx, &Conversation{ID: id, UpdatedAt: base.Add(off)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	list, err := db.Conversations(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range list {
		got = append(got, c.ID)
	}
	if diff := cmp.Diff([]string{"new", "mid", "old"}, got); diff != "" {
		t.Errorf("Conversations() order mismatch (-want +got):\n%s", diff)
	}
	if list, _ := db.Conversations(ctx, 1); len(list) != 1 {
		t.Errorf("Conversations(limit 1) returned %d rows", len(list))
	}
}

func TestMessagesAndInboxRef(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	var ids []int64
	err := db.InTx(ctx, func(tx *Tx) error {
		for _, body := range []string{"one", "two", "three"} {
			id, err := tx.InsertMessage(ctx, &Message{
				ConversationID: "c1",
				Direction:      message.In,
				Sender:         "a@x.com",
				Body:           body,
			})
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AttachInboxRef(ctx, ids[1], 42); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.Messages(ctx, "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Messages(limit 2) returned %d rows", len(msgs))
	}
	if msgs[0].Body != "two" || msgs[1].Body != "three" {
		t.Errorf("Messages(limit 2) bodies = %q, %q; want two, three", msgs[0].Body, msgs[1].Body)
	}
	if msgs[0].InboxRef == nil || *msgs[0].InboxRef != 42 {
		t.Errorf("InboxRef = %v, want 42", msgs[0].InboxRef)
	}
	if msgs[1].InboxRef != nil {
		t.Errorf("InboxRef = %v, want nil", *msgs[1].InboxRef)
	}
	if n, _ := db.CountMessages(ctx, "c1"); n != 3 {
		t.Errorf("CountMessages() = %d, want 3", n)
	}
}

func TestInsertMessageCapsBody(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	long := make([]byte, message.StoredBodyLimit+100)
	for i := range long {
		long[i] = 'x'
	}
	err := db.InTx(ctx, func(tx *Tx) error {
		_, err := tx.InsertMessage(ctx, &Message{ConversationID: "c", Body: string(long)})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.Messages(ctx, "c", 0)
	if len(msgs) != 1 {
		t.Fatalf("Messages() returned %d rows, want 1", len(msgs))
	}
	if len(msgs[0].Body) != message.StoredBodyLimit {
		t.Errorf("stored body length = %d, want %d", len(msgs[0].Body), message.StoredBodyLimit)
	}
	if msgs[0].Direction != message.In {
		t.Errorf("Direction = %q, want default %q", msgs[0].Direction, message.In)
	}
}

func TestTouchContact(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	touches := []Contact{
		{ID: "uuid-1", Name: "Bob", Phone: "+100"},
		{ID: "uuid-1"},
		{ID: "grp", Kind: KindGroup},
	}
	err := db.InTx(ctx, func(tx *Tx) error {
		for i, c := range touches {
			if err := tx.TouchContact(ctx, c, t0.Add(time.Duration(i)*time.Hour)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.Contacts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []*Contact{
		{ID: "grp", Kind: KindGroup, MessageCount: 1, FirstSeen: t0.Add(2 * time.Hour), LastSeen: t0.Add(2 * time.Hour)},
		{ID: "uuid-1", Kind: KindContact, Name: "Bob", Phone: "+100", MessageCount: 2, FirstSeen: t0, LastSeen: t0.Add(time.Hour)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Contacts() mismatch (-want +got):\n%s", diff)
	}

	one, err := db.Contact(ctx, "uuid-1")
	if err != nil {
		t.Fatalf("Contact(uuid-1) = %v", err)
	}
	if diff := cmp.Diff(want[1], one); diff != "" {
		t.Errorf("Contact() mismatch (-want +got):\n%s", diff)
	}
	if _, err := db.Contact(ctx, "nobody"); err != ErrNoRow {
		t.Errorf("Contact(nobody) = %v, want ErrNoRow", err)
	}
}

func TestState(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	if _, ok, err := db.State(ctx, "legacy_migrated"); ok || err != nil {
		t.Fatalf("State() on empty store = %v, %v", ok, err)
	}
	if err := db.InTx(ctx, func(tx *Tx) error { return tx.SetState(ctx, "legacy_migrated", "1") }); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.State(ctx, "legacy_migrated")
	if !ok || err != nil || v != "1" {
		t.Errorf("State() = %q, %v, %v; want \"1\", true, nil", v, ok, err)
	}
}
