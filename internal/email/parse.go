// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	"golang.org/x/net/html"

	"github.com/mxzinke/atlas/internal/message"
	"github.com/mxzinke/atlas/internal/threadid"
)

// NoSubject stands in for a missing Subject header.
const NoSubject = "(no subject)"

// ErrNoSender marks a message without a usable From address.
var ErrNoSender = errors.New("message has no From address")

// Parse decodes an RFC 5322 message fetched under sequence seq.  It
// never fails: a message that cannot be decoded comes back with Err
// set, so the caller can skip it and still advance past seq.
func Parse(seq uint64, raw []byte) message.Raw {
	out := message.Raw{Sequence: seq, Bytes: raw}

	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		out.Err = errors.Wrap(err, "reading message header")
		return out
	}
	defer r.Close()
	h := r.Header

	from, err := h.AddressList("From")
	if err != nil || len(from) == 0 || from[0].Address == "" {
		out.Err = ErrNoSender
		return out
	}
	out.Sender = strings.ToLower(from[0].Address)
	out.SenderDisplay = from[0].String()
	if v, err := h.Text("From"); err == nil && v != "" {
		out.SenderDisplay = v
	}

	out.Headers.Subject, _ = h.Subject()
	if strings.TrimSpace(out.Headers.Subject) == "" {
		out.Headers.Subject = NoSubject
	}
	id, _ := h.MessageID()
	out.Headers.MessageID = threadid.StripID(id)
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.Headers.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		out.Headers.References = ids
	} else {
		// Some clients emit References without brackets.
		out.Headers.References = threadid.ParseReferences(h.Get("References"))
	}
	out.Headers.Date = h.Get("Date")
	if t, err := h.Date(); err == nil && !t.IsZero() {
		out.ReceivedAt = t
	} else {
		out.ReceivedAt = time.Now()
	}

	body, atts, err := readParts(r)
	if err != nil {
		out.Err = errors.Wrap(err, "reading message body")
		return out
	}
	out.Body = body
	out.Attachments = atts
	return out
}

// readParts returns the first plain text part as the body, or the
// first HTML part reduced to text.  Every other non-text part is
// described as an attachment.
func readParts(r *mail.Reader) (string, []message.Attachment, error) {
	var plain, rich string
	var havePlain, haveRich bool
	var atts []message.Attachment
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, err
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := h.ContentType()
			switch {
			case mediaType == "" || mediaType == "text/plain":
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return "", nil, err
				}
				if !havePlain {
					plain, havePlain = string(b), true
				}
			case mediaType == "text/html":
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return "", nil, err
				}
				if !haveRich {
					rich, haveRich = htmlText(string(b)), true
				}
			case !strings.HasPrefix(mediaType, "text/"):
				a, err := describe(p.Body, "", mediaType, len(atts))
				if err != nil {
					return "", nil, err
				}
				atts = append(atts, a)
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			mediaType, _, _ := h.ContentType()
			a, err := describe(p.Body, name, mediaType, len(atts))
			if err != nil {
				return "", nil, err
			}
			atts = append(atts, a)
		}
	}
	if havePlain {
		return plain, atts, nil
	}
	return rich, atts, nil
}

func describe(body io.Reader, name, mediaType string, n int) (message.Attachment, error) {
	size, err := io.Copy(io.Discard, body)
	if err != nil {
		return message.Attachment{}, err
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return message.Attachment{
		Filename:    AttachmentName(name, mediaType, n),
		ContentType: mediaType,
		Size:        size,
	}, nil
}

// AttachmentName returns a file system safe name for the n'th
// attachment (zero based) of a message.
func AttachmentName(name, mediaType string, n int) string {
	name = strings.TrimSpace(name)
	if name == "" {
		ext := mediaType[strings.LastIndexByte(mediaType, '/')+1:]
		name = fmt.Sprintf("attachment-%d.%s", n+1, ext)
	}
	b := []byte(name)
	for i, c := range b {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			b[i] = '_'
		}
	}
	if len(b) > threadid.MaxLen {
		b = b[:threadid.MaxLen]
	}
	return string(b)
}

// htmlText reduces an HTML document to its text content.
func htmlText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if tt == html.StartTagToken {
					skip++
				}
			case "br", "p", "div", "li", "tr":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if n := string(name); (n == "script" || n == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}
