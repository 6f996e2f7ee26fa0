package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/persist"
)

const cursorKey = "email:me@atlas.dev"

func openTest(t *testing.T) *persist.DB {
	t.Helper()
	db, err := persist.Open(context.Background(), filepath.Join(t.TempDir(), "account.db"))
	if err != nil {
		t.Fatalf("persist.Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func writeLegacy(t *testing.T, files map[string]string, uid string) Source {
	t.Helper()
	dir := t.TempDir()
	threads := filepath.Join(dir, "email-threads")
	if err := os.Mkdir(threads, 0700); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(threads, name), []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}
	src := Source{ThreadsDir: threads, LastUIDFile: filepath.Join(dir, ".email-last-uid")}
	if uid != "" {
		if err := os.WriteFile(src.LastUIDFile, []byte(uid), 0600); err != nil {
			t.Fatal(err)
		}
	}
	return src
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	if err := db.InTx(ctx, func(tx *persist.Tx) error {
		return tx.PutConversation(ctx, &persist.Conversation{ID: "existing_x.com", Subject: "kept"})
	}); err != nil {
		t.Fatal(err)
	}

	src := writeLegacy(t, map[string]string{
		"existing_x.com.json": `{"thread_id": "existing_x.com", "subject": "replaced?"}`,
		"root_x.com.json": `{"subject": "Quarterly", "last_message_id": "m2@x.com",
			"references": ["root@x.com", "m1@x.com"], "last_sender": "bob@x.com",
			"last_sender_full": "Bob <bob@x.com>", "participants": ["bob@x.com", "alice@x.com", "bob@x.com"],
			"updated_at": "2024-03-01T10:00:00.123456"}`,
		"bad-refs.json": `{"thread_id": "bad", "references": "root@x.com"}`,
		"broken.json":   `{"thread_id": `,
		"notes.txt":     `ignored`,
	}, "42\n")

	res, err := Run(ctx, db, src, cursorKey, logger.Nop())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if diff := cmp.Diff(Result{Imported: 1, Existing: 1, Invalid: 2, Cursor: 42}, res); diff != "" {
		t.Errorf("Run() mismatch (-want +got):\n%s", diff)
	}

	kept, err := db.Conversation(ctx, "existing_x.com")
	if err != nil || kept.Subject != "kept" {
		t.Errorf("existing conversation = %+v, %v; want it untouched", kept, err)
	}
	got, err := db.Conversation(ctx, "root_x.com")
	if err != nil {
		t.Fatalf("Conversation(root_x.com) = %v", err)
	}
	at := time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC)
	want := &persist.Conversation{
		ID:                   "root_x.com",
		Subject:              "Quarterly",
		LastMessageID:        "m2@x.com",
		References:           []string{"root@x.com", "m1@x.com"},
		LastResponder:        "bob@x.com",
		LastResponderDisplay: "Bob <bob@x.com>",
		Participants:         []string{"alice@x.com", "bob@x.com"},
		CreatedAt:            at,
		UpdatedAt:            at,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("migrated conversation mismatch (-want +got):\n%s", diff)
	}
	if _, err := db.Conversation(ctx, "bad"); err != persist.ErrNoRow {
		t.Errorf("invalid file was imported: %v", err)
	}

	// The marker makes a second run a no-op.
	res, err = Run(ctx, db, src, cursorKey, logger.Nop())
	if err != nil || !res.Done || res.Imported != 0 {
		t.Errorf("second Run() = %+v, %v; want Done", res, err)
	}
}

func TestRunKeepsHigherCursor(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	if err := db.InTx(ctx, func(tx *persist.Tx) error { return tx.WriteCursor(ctx, cursorKey, 100) }); err != nil {
		t.Fatal(err)
	}
	res, err := Run(ctx, db, writeLegacy(t, nil, "42"), cursorKey, logger.Nop())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Cursor != 100 {
		t.Errorf("Cursor = %d, want 100", res.Cursor)
	}
}

func TestRunWithoutLegacyState(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	dir := t.TempDir()
	res, err := Run(ctx, db, Source{
		ThreadsDir:  filepath.Join(dir, "missing"),
		LastUIDFile: filepath.Join(dir, "missing-uid"),
	}, cursorKey, logger.Nop())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if diff := cmp.Diff(Result{}, res); diff != "" {
		t.Errorf("Run() mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := db.State(ctx, StateKey); !ok {
		t.Error("store not marked after an empty migration")
	}
}
