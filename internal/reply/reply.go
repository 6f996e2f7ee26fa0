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

// Package reply builds outbound messages that thread onto a known
// conversation, and records them once sent.
package reply

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/ledger"
	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/message"
	"github.com/mxzinke/atlas/internal/metrics"
	"github.com/mxzinke/atlas/internal/persist"
	"github.com/mxzinke/atlas/internal/threadid"
)

// DegradedSubject is used when replying to a conversation the ledger
// has never seen.
const DegradedSubject = "Re: Atlas Response"

// Mode says how a draft was addressed.
type Mode string

const (
	// Threaded drafts come from a ledger entry.
	Threaded Mode = "threaded"

	// Degraded drafts address the conversation id itself.
	Degraded Mode = "degraded"

	// New drafts start a conversation.
	New Mode = "new"
)

// Draft is an outbound message ready for a Sender.
type Draft struct {
	ConversationID string
	Mode           Mode

	To      string
	Subject string
	Body    string

	// Threading headers, identifiers without angle brackets.
	InReplyTo  string
	References []string
}

// ReferencesHeader renders References as a header value.
func (d *Draft) ReferencesHeader() string {
	ids := make([]string, 0, len(d.References))
	for _, id := range d.References {
		ids = append(ids, "<"+id+">")
	}
	return strings.Join(ids, " ")
}

// Sender delivers a draft and returns the identifier the transport
// assigned to the sent message.
type Sender interface {
	Send(ctx context.Context, d *Draft) (string, error)
}

// Composer composes and records replies for one account store.
type Composer struct {
	Store *persist.DB

	// Self is the account's own address, recorded as the sender of
	// outbound messages.
	Self string

	Channel string

	// Relay channels have no reply headers; the conversation id is
	// always the destination.
	AddressByConversation bool

	// ContactKind, when set, classifies the destination of each sent
	// message for the contacts table.
	ContactKind func(id string) string

	Log *logger.Logger
}

// Compose builds the reply draft for a conversation.  An unknown
// conversation yields a degraded draft, not an error.
func (c *Composer) Compose(ctx context.Context, convID, body string) (*Draft, error) {
	d := &Draft{ConversationID: convID, Body: body}
	if c.AddressByConversation {
		d.Mode = Threaded
		d.To = convID
		return d, nil
	}

	snap, err := ledger.Get(ctx, c.Store, convID)
	if err == ledger.ErrNotFound {
		d.Mode = Degraded
		d.To = convID
		d.Subject = DegradedSubject
		return d, nil
	}
	if err != nil {
		return nil, err
	}

	d.Mode = Threaded
	d.To = snap.LastResponder
	if d.To == "" {
		d.To = convID
	}
	d.Subject = threadid.ReplySubject(snap.Subject)
	d.InReplyTo = snap.LastMessageID
	d.References = append([]string(nil), snap.References...)
	return d, nil
}

// Record writes a sent draft back: the sent identifier joins the
// conversation's chain and an outbound message row is appended.
func (c *Composer) Record(ctx context.Context, d *Draft, sentID string) (*ledger.Snapshot, error) {
	sentID = threadid.StripID(sentID)
	now := time.Now()
	var snap *ledger.Snapshot
	err := c.Store.InTx(ctx, func(tx *persist.Tx) error {
		var err error
		snap, err = ledger.Upsert(ctx, tx, ledger.Update{
			ConversationID: d.ConversationID,
			Subject:        d.Subject,
			MessageID:      sentID,
			References:     d.References,
			Direction:      message.Out,
			Sender:         c.Self,
			Recipient:      d.To,
			At:             now,
		})
		if err != nil {
			return err
		}
		_, err = tx.InsertMessage(ctx, &persist.Message{
			ConversationID:    d.ConversationID,
			ExternalMessageID: sentID,
			Direction:         message.Out,
			Sender:            c.Self,
			Recipient:         d.To,
			Subject:           d.Subject,
			Body:              d.Body,
			CreatedAt:         now,
		})
		if err != nil || c.ContactKind == nil {
			return err
		}
		return tx.TouchContact(ctx, persist.Contact{ID: d.To, Kind: c.ContactKind(d.To)}, now)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "recording reply in %q", d.ConversationID)
	}
	return snap, nil
}

func (c *Composer) send(ctx context.Context, s Sender, d *Draft) (*ledger.Snapshot, error) {
	log := c.Log.With(
		zap.String("conversation_id", d.ConversationID),
		zap.String("mode", string(d.Mode)),
	)
	sentID, err := s.Send(ctx, d)
	if err != nil {
		metrics.RepliesTotal.WithLabelValues(c.Channel, string(d.Mode), "failed").Inc()
		return nil, errors.Wrapf(err, "sending to %s", d.To)
	}
	metrics.RepliesTotal.WithLabelValues(c.Channel, string(d.Mode), "sent").Inc()
	if d.ConversationID == "" {
		d.ConversationID = threadid.Sanitize(sentID)
	}
	if d.ConversationID == "" {
		d.ConversationID = threadid.Resolve(c.Channel, message.Headers{})
	}
	snap, err := c.Record(ctx, d, sentID)
	if err != nil {
		// The message is out; only our bookkeeping is behind.
		log.Error("sent but not recorded", zap.String("message_id", sentID), zap.Error(err))
		return nil, err
	}
	log.Info("sent", zap.String("to", d.To), zap.String("message_id", sentID))
	return snap, nil
}

// Reply composes, sends and records a reply on convID.
func (c *Composer) Reply(ctx context.Context, s Sender, convID, body string) (*ledger.Snapshot, *Draft, error) {
	d, err := c.Compose(ctx, convID, body)
	if err != nil {
		return nil, nil, err
	}
	snap, err := c.send(ctx, s, d)
	return snap, d, err
}

// Start sends a message that opens a new conversation.  The conversation
// id is derived from the identifier the transport assigns.
func (c *Composer) Start(ctx context.Context, s Sender, to, subject, body string) (*ledger.Snapshot, *Draft, error) {
	d := &Draft{Mode: New, To: to, Subject: subject, Body: body}
	if c.AddressByConversation {
		d.ConversationID = to
	}
	snap, err := c.send(ctx, s, d)
	return snap, d, err
}
