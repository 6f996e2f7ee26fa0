package imapfetch

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"

	"github.com/mxzinke/atlas/internal/logger"
)

// The memory backend serves one account, "username" / "password",
// whose INBOX holds a single message that is already \Seen.
func startIMAP(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })
	host, port, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func appendMail(t *testing.T, addr, body string) {
	t.Helper()
	c, err := client.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Logout()
	if err := c.Login("username", "password"); err != nil {
		t.Fatal(err)
	}
	lit := bytes.NewBufferString(strings.ReplaceAll(body, "\n", "\r\n"))
	if err := c.Append("INBOX", nil, time.Now(), lit); err != nil {
		t.Fatal(err)
	}
}

func newChannel(host string, port int) *Channel {
	return &Channel{
		Host:     host,
		Port:     port,
		Username: "username",
		Password: "password",
		Insecure: true,
		Log:      logger.Nop(),
	}
}

func TestFetch(t *testing.T) {
	host, port := startIMAP(t)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	appendMail(t, addr, "From: alice@x.com\nSubject: one\nMessage-ID: <one@x.com>\n\nfirst\n")
	appendMail(t, addr, "From: bob@y.com\nSubject: two\nMessage-ID: <two@y.com>\nReferences: <one@x.com>\n\nsecond\n")

	ch := newChannel(host, port)
	ctx := context.Background()

	// Bootstrap takes the unseen set only.
	items, err := ch.Fetch(ctx, 0)
	if err != nil {
		t.Fatalf("Fetch(0) = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Fetch(0) returned %d items, want the 2 unseen ones", len(items))
	}
	var max uint64
	for _, it := range items {
		if it.Err != nil {
			t.Errorf("item %d: %v", it.Sequence, it.Err)
		}
		if it.Sequence > max {
			max = it.Sequence
		}
	}
	if items[1].Headers.References[0] != "one@x.com" && items[0].Headers.References[0] != "one@x.com" {
		t.Errorf("References not parsed: %+v", items)
	}

	// Peeking leaves them unseen.
	if again, err := ch.Fetch(ctx, 0); err != nil || len(again) != 2 {
		t.Errorf("second Fetch(0) = %d items, %v; want 2 still unseen", len(again), err)
	}

	// Nothing above the newest UID.
	if items, err := ch.Fetch(ctx, max); err != nil || len(items) != 0 {
		t.Errorf("Fetch(%d) = %d items, %v; want none", max, len(items), err)
	}

	appendMail(t, addr, "From: carol@z.com\nSubject: three\nMessage-ID: <three@z.com>\n\nthird\n")
	items, err = ch.Fetch(ctx, max)
	if err != nil || len(items) != 1 {
		t.Fatalf("Fetch(%d) = %d items, %v; want the new one", max, len(items), err)
	}
	if items[0].Sequence <= max || items[0].Sender != "carol@z.com" {
		t.Errorf("new item = seq %d sender %q", items[0].Sequence, items[0].Sender)
	}
}

func TestAckMarksRead(t *testing.T) {
	host, port := startIMAP(t)
	appendMail(t, net.JoinHostPort(host, strconv.Itoa(port)), "From: alice@x.com\nSubject: one\n\nbody\n")

	ch := newChannel(host, port)
	ch.MarkRead = true
	ctx := context.Background()
	items, err := ch.Fetch(ctx, 0)
	if err != nil || len(items) != 1 {
		t.Fatalf("Fetch(0) = %d items, %v", len(items), err)
	}
	// Until acknowledged, a fetch leaves the message unseen.
	if again, err := ch.Fetch(ctx, 0); err != nil || len(again) != 1 {
		t.Fatalf("Fetch(0) before Ack = %d items, %v; want 1 still unseen", len(again), err)
	}
	if err := ch.Ack(ctx, items); err != nil {
		t.Fatalf("Ack() = %v", err)
	}
	if again, err := ch.Fetch(ctx, 0); err != nil || len(again) != 0 {
		t.Errorf("Fetch(0) after Ack = %d items, %v; want none unseen", len(again), err)
	}
}

func TestAckWithoutMarkRead(t *testing.T) {
	host, port := startIMAP(t)
	appendMail(t, net.JoinHostPort(host, strconv.Itoa(port)), "From: alice@x.com\nSubject: one\n\nbody\n")

	ch := newChannel(host, port)
	ctx := context.Background()
	items, err := ch.Fetch(ctx, 0)
	if err != nil || len(items) != 1 {
		t.Fatalf("Fetch(0) = %d items, %v", len(items), err)
	}
	if err := ch.Ack(ctx, items); err != nil {
		t.Fatalf("Ack() = %v", err)
	}
	if again, err := ch.Fetch(ctx, 0); err != nil || len(again) != 1 {
		t.Errorf("Fetch(0) after Ack with MarkRead off = %d items, %v; want 1", len(again), err)
	}
}

func TestFetchBadLogin(t *testing.T) {
	host, port := startIMAP(t)
	ch := newChannel(host, port)
	ch.Password = "wrong"
	if _, err := ch.Fetch(context.Background(), 0); err == nil {
		t.Error("Fetch() with a bad password = nil, want error")
	}
}
