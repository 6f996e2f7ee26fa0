package status

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mxzinke/atlas/internal/ledger"
	"github.com/mxzinke/atlas/internal/message"
	"github.com/mxzinke/atlas/internal/persist"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestThreads(t *testing.T) {
	var buf bytes.Buffer
	err := Threads(&buf, []*ledger.Snapshot{
		{ConversationID: "root_x.com", Subject: "Quarterly", LastResponder: "bob@x.com", MessageCount: 1234, UpdatedAt: now.Add(-3 * time.Hour)},
		{ConversationID: "legacy"},
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Threads() wrote %d lines, want 4:\n%s", len(lines), buf.String())
	}
	for _, want := range []string{"root_x.com", "Quarterly", "bob@x.com", "1,234", "3 hours ago"} {
		if !strings.Contains(lines[2], want) {
			t.Errorf("row %q lacks %q", lines[2], want)
		}
	}
	if !strings.HasPrefix(lines[3], "legacy") || !strings.HasSuffix(lines[3], "-") {
		t.Errorf("incomplete row = %q, want empty fields and an unknown time", lines[3])
	}

	buf.Reset()
	if err := Threads(&buf, nil, now); err != nil || buf.String() != "No conversations found.\n" {
		t.Errorf("Threads(nil) = %q, %v", buf.String(), err)
	}
}

func TestThread(t *testing.T) {
	var buf bytes.Buffer
	snap := &ledger.Snapshot{ConversationID: "root_x.com", References: []string{"root@x.com"}}
	msgs := []*persist.Message{
		{Direction: message.In, Sender: "bob@x.com", Subject: "Quarterly", Body: strings.Repeat("x", 250), CreatedAt: now},
		{Direction: message.Out, Sender: "me@atlas.dev", Body: "ok"},
	}
	if err := Thread(&buf, snap, msgs); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	var got ledger.Snapshot
	if err := json.NewDecoder(strings.NewReader(out)).Decode(&got); err != nil {
		t.Fatalf("thread detail is not JSON: %v\n%s", err, out)
	}
	if got.ConversationID != "root_x.com" {
		t.Errorf("decoded id = %q", got.ConversationID)
	}
	for _, want := range []string{
		"--- Messages (2) ---",
		"← bob@x.com (",
		"  Subject: Quarterly",
		"  " + strings.Repeat("x", 200) + "...\n",
		"→ me@atlas.dev (-)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Thread() output lacks %q:\n%s", want, out)
		}
	}
}

func TestContactsAndHistory(t *testing.T) {
	group := &persist.Contact{ID: "dGVzdGdyb3VwaWQxMjM0NQ==", Kind: persist.KindGroup, MessageCount: 2, FirstSeen: now.Add(-48 * time.Hour), LastSeen: now.Add(-time.Minute)}
	alice := &persist.Contact{ID: "+4917611111111", Phone: "+4917611111111", MessageCount: 1}

	var buf bytes.Buffer
	if err := Contacts(&buf, []*persist.Contact{group, alice}, now); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"group    dGVzdGdyb3VwaWQxMjM0NQ==", "1 minute ago", "contact  +4917611111111"} {
		if !strings.Contains(out, want) {
			t.Errorf("Contacts() output lacks %q:\n%s", want, out)
		}
	}

	buf.Reset()
	msgs := []*persist.Message{
		{Direction: message.In, Sender: "0f3e1a52-9c4b-4d7e-8a1f-2b3c4d5e6f70", Body: "hi all"},
		{Direction: message.Out, Sender: "+4917600000000", Body: "hello"},
	}
	if err := History(&buf, group, msgs, now); err != nil {
		t.Fatal(err)
	}
	out = buf.String()
	for _, want := range []string{
		"Group: dGVzdGdyb3VwaWQxMjM0NQ== (unknown)",
		"Messages: 2, first seen 2 days ago",
		"← [0f3e1a52-9c4] (-)\n  hi all",
		"→ (-)\n  hello",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("History() output lacks %q:\n%s", want, out)
		}
	}
}
