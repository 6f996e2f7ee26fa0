package email

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/mxzinke/atlas/internal/ingest"
	"github.com/mxzinke/atlas/internal/message"
	"github.com/mxzinke/atlas/internal/reply"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const replyMail = `From: Alice Example <Alice@X.com>
To: me@atlas.dev
Subject: Re: Re: Budget
Date: Fri, 02 Feb 2024 10:00:00 +0000
Message-ID: <m3@x.com>
In-Reply-To: <m2@x.com>
References: <m1@x.com> <m2@x.com>
Content-Type: text/plain; charset=utf-8

Sounds good.
`

func TestParseReply(t *testing.T) {
	raw := Parse(42, crlf(replyMail))
	if raw.Err != nil {
		t.Fatalf("Parse() Err = %v", raw.Err)
	}
	want := message.Headers{
		MessageID:  "m3@x.com",
		InReplyTo:  "m2@x.com",
		References: []string{"m1@x.com", "m2@x.com"},
		Subject:    "Re: Re: Budget",
		Date:       "Fri, 02 Feb 2024 10:00:00 +0000",
	}
	if diff := cmp.Diff(want, raw.Headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
	if raw.Sequence != 42 || raw.Sender != "alice@x.com" {
		t.Errorf("Parse() = seq %d sender %q", raw.Sequence, raw.Sender)
	}
	if !strings.Contains(raw.SenderDisplay, "Alice Example") {
		t.Errorf("SenderDisplay = %q", raw.SenderDisplay)
	}
	if strings.TrimSpace(raw.Body) != "Sounds good." {
		t.Errorf("Body = %q", raw.Body)
	}
	if !raw.ReceivedAt.Equal(time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("ReceivedAt = %v", raw.ReceivedAt)
	}
}

const multipartMail = `From: bob@y.com
To: me@atlas.dev
Message-ID: <mp@y.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="XX"

--XX
Content-Type: text/html; charset=utf-8

<html><head><style>p {color: red}</style></head><body><p>Hello &amp; welcome</p></body></html>
--XX
Content-Type: application/pdf
Content-Disposition: attachment; filename="Q1 report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--XX--
`

func TestParseMultipart(t *testing.T) {
	raw := Parse(7, crlf(multipartMail))
	if raw.Err != nil {
		t.Fatalf("Parse() Err = %v", raw.Err)
	}
	if raw.Body != "Hello & welcome" {
		t.Errorf("Body = %q, want the HTML reduced to text", raw.Body)
	}
	if raw.Headers.Subject != NoSubject {
		t.Errorf("Subject = %q, want %q", raw.Headers.Subject, NoSubject)
	}
	want := []message.Attachment{{Filename: "Q1_report.pdf", ContentType: "application/pdf", Size: 9}}
	if diff := cmp.Diff(want, raw.Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMalformed(t *testing.T) {
	raw := Parse(9, crlf("Subject: nobody\n\nbody\n"))
	if raw.Err != ErrNoSender {
		t.Errorf("Parse() without From: Err = %v, want ErrNoSender", raw.Err)
	}
	if raw.Sequence != 9 {
		t.Errorf("Sequence = %d, want 9 kept for cursor advancement", raw.Sequence)
	}
}

func TestAttachmentName(t *testing.T) {
	for _, tc := range []struct {
		name, mediaType string
		n               int
		want            string
	}{
		{"a b.txt", "text/plain", 0, "a_b.txt"},
		{"", "image/png", 1, "attachment-2.png"},
		{"../../etc/passwd", "text/plain", 0, ".._.._etc_passwd"},
		{strings.Repeat("x", 200), "text/plain", 0, strings.Repeat("x", 128)},
	} {
		if got := AttachmentName(tc.name, tc.mediaType, tc.n); got != tc.want {
			t.Errorf("AttachmentName(%q, %q, %d) = %q, want %q", tc.name, tc.mediaType, tc.n, got, tc.want)
		}
	}
}

func TestRules(t *testing.T) {
	r := Rules{Allow: ingest.AllowList{"x.com"}}
	raw := Parse(42, crlf(replyMail))
	if !r.Allowed(raw) {
		t.Error("Allowed() = false for a sender in an allowed domain")
	}
	if (Rules{Allow: ingest.AllowList{"y.com"}}).Allowed(raw) {
		t.Error("Allowed() = true for a sender outside the allow-list")
	}

	cls := r.Classify(raw)
	if cls.ConversationID != "m1@x.com" {
		t.Errorf("ConversationID = %q, want the References root", cls.ConversationID)
	}
	want := "From: " + raw.SenderDisplay + "\nSubject: Re: Re: Budget\n\n" + raw.Body
	if cls.InboxContent != want {
		t.Errorf("InboxContent = %q, want %q", cls.InboxContent, want)
	}

	raw.Attachments = []message.Attachment{{Filename: "a.pdf", ContentType: "application/pdf", Size: 3}}
	if got := InboxContent("bob", raw); !strings.HasSuffix(got, "\n\nAttachments:\n  - a.pdf (application/pdf, 3 bytes)") {
		t.Errorf("InboxContent() = %q, want an attachment summary", got)
	}
}

func TestNewMessageID(t *testing.T) {
	if id := NewMessageID("me@atlas.dev"); !strings.HasSuffix(id, "@atlas.dev") || len(id) < 36 {
		t.Errorf("NewMessageID() = %q", id)
	}
	if id := NewMessageID("nobody"); !strings.HasSuffix(id, "@"+DefaultDomain) {
		t.Errorf("NewMessageID(no domain) = %q", id)
	}
}

func TestBuildThreadsReply(t *testing.T) {
	d := &reply.Draft{
		To:         "Alice <alice@x.com>",
		Subject:    "Re: Budget",
		Body:       "Approved.",
		InReplyTo:  "m2@x.com",
		References: []string{"m1@x.com", "m2@x.com"},
	}
	id, b, err := Build(d, "me@atlas.dev", time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}

	// Replies must thread when they come back in.
	got := Parse(1, b)
	if got.Err != nil {
		t.Fatalf("Parse(Build()) Err = %v", got.Err)
	}
	want := message.Headers{
		MessageID:  id,
		InReplyTo:  "m2@x.com",
		References: []string{"m1@x.com", "m2@x.com"},
		Subject:    "Re: Budget",
		Date:       got.Headers.Date,
	}
	if diff := cmp.Diff(want, got.Headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
	if got.Sender != "me@atlas.dev" || strings.TrimSpace(got.Body) != "Approved." {
		t.Errorf("round trip = sender %q body %q", got.Sender, got.Body)
	}
}

// smtpBackend accepts PLAIN logins for one account and keeps what it
// is given.
type smtpBackend struct {
	mu   sync.Mutex
	from string
	to   []string
	data []byte
}

func (b *smtpBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &smtpSession{b: b}, nil
}

type smtpSession struct {
	b      *smtpBackend
	authed bool
}

func (s *smtpSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *smtpSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != "me@atlas.dev" || password != "secret" {
			return errors.New("invalid credentials")
		}
		s.authed = true
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return smtp.ErrAuthRequired
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.to = append(s.b.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.data = data
	return nil
}

func (s *smtpSession) Reset()        {}
func (s *smtpSession) Logout() error { return nil }

func startSMTP(t *testing.T, be *smtpBackend) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	host, port, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func TestSMTPSender(t *testing.T) {
	be := &smtpBackend{}
	host, port := startSMTP(t, be)
	s := &SMTPSender{
		Host:     host,
		Port:     port,
		Security: Plain,
		Username: "me@atlas.dev",
		Password: "secret",
		now:      func() time.Time { return time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC) },
	}
	d := &reply.Draft{To: "alice@x.com", Subject: "Re: Budget", Body: "ok", InReplyTo: "m1@x.com", References: []string{"m1@x.com"}}
	id, err := s.Send(context.Background(), d)
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if be.from != "me@atlas.dev" {
		t.Errorf("envelope from = %q", be.from)
	}
	if diff := cmp.Diff([]string{"alice@x.com"}, be.to); diff != "" {
		t.Errorf("envelope recipients mismatch (-want +got):\n%s", diff)
	}
	got := Parse(1, be.data)
	if got.Headers.MessageID != id || got.Headers.InReplyTo != "m1@x.com" {
		t.Errorf("submitted headers = %+v, want Message-ID %q", got.Headers, id)
	}
}

func TestSMTPSenderBadLogin(t *testing.T) {
	be := &smtpBackend{}
	host, port := startSMTP(t, be)
	s := &SMTPSender{Host: host, Port: port, Security: Plain, Username: "me@atlas.dev", Password: "wrong"}
	if _, err := s.Send(context.Background(), &reply.Draft{To: "alice@x.com", Body: "x"}); err == nil {
		t.Error("Send() with a bad password = nil, want error")
	}
}
