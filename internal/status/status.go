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

// Package status renders the admin views of an account store.  Rows
// written by older layouts may lack fields; those render empty.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mxzinke/atlas/internal/ledger"
	"github.com/mxzinke/atlas/internal/message"
	"github.com/mxzinke/atlas/internal/persist"
)

// previewLen caps message bodies in listings.
const previewLen = 200

// clip shortens s to n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func preview(s string) string {
	if p := clip(s, previewLen); p != s {
		return p + "..."
	}
	return s
}

// ago renders t relative to now, or "-" when unknown.
func ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func arrow(d message.Direction) string {
	if d == message.Out {
		return "→"
	}
	return "←"
}

// Threads writes one line per conversation.
func Threads(w io.Writer, convs []*ledger.Snapshot, now time.Time) error {
	if len(convs) == 0 {
		_, err := fmt.Fprintln(w, "No conversations found.")
		return err
	}
	fmt.Fprintf(w, "%-40s %-30s %-25s %5s  %s\n", "Conversation", "Subject", "From", "Msgs", "Updated")
	fmt.Fprintln(w, strings.Repeat("-", 115))
	for _, c := range convs {
		if _, err := fmt.Fprintf(w, "%-40s %-30s %-25s %5s  %s\n",
			clip(c.ConversationID, 38), clip(c.Subject, 28), clip(c.LastResponder, 23),
			humanize.Comma(int64(c.MessageCount)), ago(c.UpdatedAt, now)); err != nil {
			return err
		}
	}
	return nil
}

// Thread writes the conversation as JSON followed by its messages.
func Thread(w io.Writer, c *ledger.Snapshot, msgs []*persist.Message) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\n--- Messages (%d) ---\n", len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(w, "\n%s %s (%s)\n", arrow(m.Direction), m.Sender, stamp(m.CreatedAt))
		if m.Subject != "" {
			fmt.Fprintf(w, "  Subject: %s\n", m.Subject)
		}
		if _, err := fmt.Fprintf(w, "  %s\n", preview(m.Body)); err != nil {
			return err
		}
	}
	return nil
}

// stamp renders t to the minute.
func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// Contacts writes one line per relay contact or group.
func Contacts(w io.Writer, contacts []*persist.Contact, now time.Time) error {
	if len(contacts) == 0 {
		_, err := fmt.Fprintln(w, "No contacts found.")
		return err
	}
	fmt.Fprintf(w, "%-8s %-40s %-20s %5s  %s\n", "Type", "Identifier", "Name", "Msgs", "Last Seen")
	fmt.Fprintln(w, strings.Repeat("-", 95))
	for _, c := range contacts {
		if _, err := fmt.Fprintf(w, "%-8s %-40s %-20s %5s  %s\n",
			kind(c), clip(c.ID, 38), clip(label(c, "-"), 18),
			humanize.Comma(int64(c.MessageCount)), ago(c.LastSeen, now)); err != nil {
			return err
		}
	}
	return nil
}

func kind(c *persist.Contact) string {
	if c.Kind == "" {
		return persist.KindContact
	}
	return c.Kind
}

func label(c *persist.Contact, none string) string {
	switch {
	case c.Name != "":
		return c.Name
	case c.Phone != "":
		return c.Phone
	}
	return none
}

// History writes a relay contact's header and messages.  For groups
// each line names the sender.
func History(w io.Writer, c *persist.Contact, msgs []*persist.Message, now time.Time) error {
	k := kind(c)
	fmt.Fprintf(w, "%s: %s (%s)\n", strings.ToUpper(k[:1])+k[1:], c.ID, label(c, "unknown"))
	fmt.Fprintf(w, "Messages: %s, first seen %s\n\n", humanize.Comma(int64(c.MessageCount)), ago(c.FirstSeen, now))
	for _, m := range msgs {
		hint := ""
		if k == persist.KindGroup && m.Direction == message.In && m.Sender != "" {
			hint = " [" + clip(m.Sender, 12) + "]"
		}
		if _, err := fmt.Fprintf(w, "%s%s (%s)\n  %s\n\n", arrow(m.Direction), hint, stamp(m.CreatedAt), preview(m.Body)); err != nil {
			return err
		}
	}
	return nil
}
