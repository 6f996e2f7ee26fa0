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
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mxzinke/atlas/internal/reply"
)

// DefaultDomain names the Message-ID domain when the sender address has
// none.
const DefaultDomain = "atlas.local"

// NewMessageID returns a fresh Message-ID, without brackets, in the
// domain of address from.
func NewMessageID(from string) string {
	domain := DefaultDomain
	if at := strings.LastIndexByte(from, '@'); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "<> ")
	}
	return uuid.NewString() + "@" + domain
}

func address(s string) []*mail.Address {
	if a, err := mail.ParseAddress(s); err == nil {
		return []*mail.Address{a}
	}
	return []*mail.Address{{Address: strings.TrimSpace(s)}}
}

// Build renders d as a plain text RFC 5322 message sent by from.  It
// returns the new message's Message-ID without brackets.
func Build(d *reply.Draft, from string, at time.Time) (string, []byte, error) {
	id := NewMessageID(from)

	var h mail.Header
	h.SetDate(at)
	h.SetAddressList("From", address(from))
	h.SetAddressList("To", address(d.To))
	h.SetSubject(d.Subject)
	h.SetMessageID(id)
	if d.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{d.InReplyTo})
	}
	if len(d.References) > 0 {
		h.SetMsgIDList("References", d.References)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", nil, errors.Wrap(err, "writing message header")
	}
	if _, err := io.WriteString(w, d.Body); err != nil {
		return "", nil, errors.Wrap(err, "writing message body")
	}
	if err := w.Close(); err != nil {
		return "", nil, errors.Wrap(err, "writing message body")
	}
	return id, buf.Bytes(), nil
}
