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

// Package ledger maintains the per conversation record needed to thread
// replies: the reference chain, the participants and who spoke last.
package ledger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mxzinke/atlas/internal/message"
	"github.com/mxzinke/atlas/internal/persist"
	"github.com/mxzinke/atlas/internal/threadid"
)

// ErrNotFound is returned by Get for unknown conversations.  Callers
// treat it as a normal outcome.
var ErrNotFound = errors.New("conversation not found")

// Snapshot is the state of a conversation after an update, or as read.
type Snapshot struct {
	ConversationID       string    `json:"conversation_id"`
	Subject              string    `json:"subject"`
	LastMessageID        string    `json:"last_message_id"`
	References           []string  `json:"references"`
	LastResponder        string    `json:"last_responder"`
	LastResponderDisplay string    `json:"last_responder_display"`
	Participants         []string  `json:"participants"`
	MessageCount         int       `json:"message_count"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func snapshotOf(c *persist.Conversation) *Snapshot {
	return &Snapshot{
		ConversationID:       c.ID,
		Subject:              c.Subject,
		LastMessageID:        c.LastMessageID,
		References:           c.References,
		LastResponder:        c.LastResponder,
		LastResponderDisplay: c.LastResponderDisplay,
		Participants:         c.Participants,
		MessageCount:         c.MessageCount,
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
}

// Update describes one message being recorded against a conversation.
type Update struct {
	ConversationID string
	Subject        string

	// The message's own identifier and the references it declares,
	// without angle brackets.  Either may be empty.
	MessageID  string
	References []string

	Direction message.Direction

	// For inbound messages the sender is the remote party.  For
	// outbound messages it is our own address and Recipient names the
	// remote party.
	Sender        string
	SenderDisplay string
	Recipient     string

	At time.Time
}

// Reader is the read side of an account store.  Both *persist.DB and
// *persist.Tx satisfy it.
type Reader interface {
	Conversation(ctx context.Context, id string) (*persist.Conversation, error)
	Conversations(ctx context.Context, limit int) ([]*persist.Conversation, error)
}

// Upsert applies u to its conversation inside tx and returns the
// resulting state.  The caller's transaction must have been started as
// a write transaction so that the read and the write below are not
// interleaved with another writer's.
func Upsert(ctx context.Context, tx *persist.Tx, u Update) (*Snapshot, error) {
	if u.ConversationID == "" {
		return nil, errors.New("ledger upsert without a conversation id")
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	c, err := tx.Conversation(ctx, u.ConversationID)
	switch {
	case err == persist.ErrNoRow:
		c = &persist.Conversation{ID: u.ConversationID, CreatedAt: u.At}
	case err != nil:
		return nil, errors.Wrapf(err, "ledger read of %q", u.ConversationID)
	}
	apply(c, u)
	if err := tx.PutConversation(ctx, c); err != nil {
		return nil, errors.Wrapf(err, "ledger write of %q", u.ConversationID)
	}
	return snapshotOf(c), nil
}

// apply folds u into c.
func apply(c *persist.Conversation, u Update) {
	if c.Subject == "" {
		c.Subject = threadid.NormalizeSubject(u.Subject)
	}

	own := threadid.StripID(u.MessageID)
	if !contains(c.References, own) {
		chain, _ := threadid.MergeChain(c.References, u.References, own)
		if len(chain) != len(c.References) {
			// The chain always ends with the last message id, even when
			// only declared references were added.
			c.LastMessageID = chain[len(chain)-1]
		}
		c.References = chain
	}
	// Rows from older layouts may have a chain but no last id.
	if c.LastMessageID == "" && len(c.References) > 0 {
		c.LastMessageID = c.References[len(c.References)-1]
	}

	switch u.Direction {
	case message.Out:
		c.Participants = addParticipant(c.Participants, u.Sender)
		c.Participants = addParticipant(c.Participants, u.Recipient)
		if c.LastResponder == "" && u.Recipient != "" {
			c.LastResponder = u.Recipient
			c.LastResponderDisplay = u.Recipient
		}
	default:
		c.Participants = addParticipant(c.Participants, u.Sender)
		if u.Sender != "" {
			c.LastResponder = u.Sender
			c.LastResponderDisplay = u.SenderDisplay
			if c.LastResponderDisplay == "" {
				c.LastResponderDisplay = u.Sender
			}
		}
	}

	c.MessageCount++
	c.UpdatedAt = u.At
}

func contains(l []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// addParticipant returns the sorted set l plus p.  Addresses compare
// case-insensitively; the first spelling seen is kept.
func addParticipant(l []string, p string) []string {
	p = strings.TrimSpace(p)
	if p == "" {
		return l
	}
	for _, v := range l {
		if strings.EqualFold(v, p) {
			return l
		}
	}
	out := append(append([]string(nil), l...), p)
	sort.Strings(out)
	return out
}

// Get returns the current state of conversation id, or ErrNotFound.
func Get(ctx context.Context, r Reader, id string) (*Snapshot, error) {
	c, err := r.Conversation(ctx, id)
	if err == persist.ErrNoRow {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "ledger read of %q", id)
	}
	return snapshotOf(c), nil
}

// List returns up to limit conversations, most recently updated first.
func List(ctx context.Context, r Reader, limit int) ([]*Snapshot, error) {
	cs, err := r.Conversations(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(cs))
	for _, c := range cs {
		out = append(out, snapshotOf(c))
	}
	return out, nil
}
