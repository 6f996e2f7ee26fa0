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

// Package threadid derives stable conversation identifiers from message
// headers, and holds the small pure helpers that threading depends on:
// subject normalization and reference chain merging.
package threadid

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mxzinke/atlas/internal/message"
)

// MaxLen bounds the length of a conversation identifier.  Longer
// identifiers are truncated; two identifiers sharing their first MaxLen
// sanitized characters collide.
const MaxLen = 128

// ReplyPrefix is the single prefix a reply subject carries.
const ReplyPrefix = "Re: "

var now = time.Now

// Resolve maps a message's threading headers to its conversation
// identifier.  It never fails.
//
// The first References entry wins because it names the thread root and
// does not change as the thread grows.  In-Reply-To and the message's
// own ID follow.  A message without any identifier gets a key built
// from the channel name and the current time; it will not thread.
func Resolve(channel string, h message.Headers) string {
	for _, ref := range h.References {
		if id := Sanitize(ref); id != "" {
			return id
		}
	}
	if id := Sanitize(h.InReplyTo); id != "" {
		return id
	}
	if id := Sanitize(h.MessageID); id != "" {
		return id
	}
	if channel == "" {
		channel = "msg"
	}
	return fmt.Sprintf("%s-%d", channel, now().Unix())
}

// Sanitize makes a raw identifier safe for use as a storage and
// session key: surrounding angle brackets are removed, anything outside
// [A-Za-z0-9@._-] becomes '_', and the result is cut to MaxLen bytes.
func Sanitize(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), "<>")
	if raw == "" {
		return ""
	}
	b := make([]byte, 0, len(raw))
	for _, r := range raw {
		if keep(r) {
			b = append(b, byte(r))
		} else {
			b = append(b, '_')
		}
		if len(b) == MaxLen {
			break
		}
	}
	return string(b)
}

func keep(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		return true
	case r == '@' || r == '.' || r == '_' || r == '-':
		return true
	}
	return false
}

// StripID removes whitespace and surrounding angle brackets from a
// message identifier without otherwise altering it.
func StripID(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "<>")
}

// ParseReferences splits a References header value into bare
// identifiers, oldest first.
func ParseReferences(v string) []string {
	var out []string
	for _, f := range strings.Fields(v) {
		if id := StripID(f); id != "" {
			out = append(out, id)
		}
	}
	return out
}

var replyPrefixes = regexp.MustCompile(`(?i)^(\s*re\s*:\s*)+`)

// NormalizeSubject strips every leading "Re:" marker.
func NormalizeSubject(subject string) string {
	return strings.TrimSpace(replyPrefixes.ReplaceAllString(subject, ""))
}

// ReplySubject returns the subject of a reply: exactly one prefix in
// front of the normalized subject.
func ReplySubject(subject string) string {
	return ReplyPrefix + NormalizeSubject(subject)
}

// MergeChain returns the union of the existing chain, the newly declared
// references and the message's own identifier, preserving first-seen
// order and dropping duplicates.  The second result reports whether own
// was appended; it is false when own is empty or already present.
func MergeChain(existing, declared []string, own string) ([]string, bool) {
	seen := make(map[string]struct{}, len(existing)+len(declared)+1)
	out := make([]string, 0, len(existing)+len(declared)+1)
	add := func(id string) bool {
		id = StripID(id)
		if id == "" {
			return false
		}
		if _, ok := seen[id]; ok {
			return false
		}
		seen[id] = struct{}{}
		out = append(out, id)
		return true
	}
	for _, id := range existing {
		add(id)
	}
	for _, id := range declared {
		add(id)
	}
	appended := add(own)
	return out, appended
}
