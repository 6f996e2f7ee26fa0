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

// Package ingest runs polling passes: fetch new items from a channel,
// record each one durably against its conversation, commit the channel
// cursor, then launch one handler per recorded item.
package ingest

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/dispatch"
	"github.com/mxzinke/atlas/internal/inbox"
	"github.com/mxzinke/atlas/internal/ledger"
	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/message"
	"github.com/mxzinke/atlas/internal/metrics"
	"github.com/mxzinke/atlas/internal/persist"
	"github.com/mxzinke/atlas/internal/threadid"
)

// DefaultFetchTimeout bounds a single Channel.Fetch call.
const DefaultFetchTimeout = 2 * time.Minute

// Classification is what a channel decides about an accepted item.
type Classification struct {
	// ConversationID owns the item.  When empty the pipeline derives
	// one from the item's headers.
	ConversationID string

	// How the item appears in the unified inbox.
	InboxSender  string
	InboxContent string

	// Relay senders and groups to record in the contacts table.
	Contacts []persist.Contact
}

// Channel adapts one transport account to the pipeline.
type Channel interface {
	// Name is the channel name used in keys, inbox rows and payloads
	// ("email", "signal").
	Name() string

	// Fetch returns the items whose sequence is greater than cursor.
	// A zero cursor asks for the provider's unread set.  Items may be
	// returned in any order and may overlap earlier results.
	Fetch(ctx context.Context, cursor uint64) ([]message.Raw, error)

	// Classify decides conversation ownership and inbox rendering.
	Classify(raw message.Raw) Classification

	// Allowed applies the account's allow-list.
	Allowed(raw message.Raw) bool
}

// Archiver stores an item's raw protocol bytes and returns where.
type Archiver interface {
	Insert(ctx context.Context, id string, raw []byte) (string, error)
}

// PositionFetcher is implemented by channels whose cursor is a mailbox
// position rather than the sequence of the newest item, such as a Gmail
// history id.  The pipeline uses it in place of Fetch and stores the
// returned position once the batch is committed.  Items at or below the
// old cursor are still skipped.
type PositionFetcher interface {
	FetchPosition(ctx context.Context, cursor uint64) ([]message.Raw, uint64, error)
}

// Acker is implemented by channels whose provider is told when items
// have been taken, such as marking mail read.  Ack runs only after the
// cursor commit, so an aborted pass leaves the provider's unread set as
// it was and the next bootstrap pass sees the same batch.
type Acker interface {
	Ack(ctx context.Context, items []message.Raw) error
}

// Toucher is the liveness marker.
type Toucher interface {
	Touch() error
}

// Firer launches dispatch units.
type Firer interface {
	Fire(ctx context.Context, units []dispatch.Unit) int
}

// PassResult summarizes one pass.
type PassResult struct {
	Processed int
	Skipped   int
	Blocked   int
	Malformed int

	// Cursor is the stored cursor after the pass.
	Cursor uint64

	// Dispatched counts successful handler launches.
	Dispatched int
}

// Pipeline ingests one channel account.
type Pipeline struct {
	Channel Channel

	// Account is the account key; with the channel name it forms the
	// cursor key.
	Account string

	Store  *persist.DB
	Inbox  inbox.Writer
	Marker Toucher
	Fanout Firer

	// Handler is the handler name put on dispatch units.
	Handler string

	// Archive is optional.
	Archive Archiver

	FetchTimeout time.Duration

	Log *logger.Logger
}

// CursorKey is the cursor store key for the pipeline's account.
func (p *Pipeline) CursorKey() string {
	return p.Channel.Name() + ":" + p.Account
}

// fetch returns the items after cursor and, for a PositionFetcher, the
// position to store.
func (p *Pipeline) fetch(ctx context.Context, cursor uint64) ([]message.Raw, uint64, bool, error) {
	timeout := p.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if pf, ok := p.Channel.(PositionFetcher); ok {
		items, pos, err := pf.FetchPosition(ctx, cursor)
		return items, pos, true, err
	}
	items, err := p.Channel.Fetch(ctx, cursor)
	return items, 0, false, err
}

// RunPass runs one polling pass.
//
// Every accepted item is recorded durably before the cursor moves, and
// the cursor moves before any handler is launched.  A crash before the
// cursor commit makes the next pass redo the batch; a crash after it
// loses the launches, which the liveness marker covers.
func (p *Pipeline) RunPass(ctx context.Context) (PassResult, error) {
	start := time.Now()
	name := p.Channel.Name()
	log := p.Log.ForAccount(name, p.Account)

	res, err := p.runPass(ctx, log)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PassesTotal.WithLabelValues(name, p.Account, result).Inc()
	metrics.PassDuration.WithLabelValues(name, p.Account).Observe(time.Since(start).Seconds())
	for outcome, n := range map[string]int{
		"processed": res.Processed,
		"skipped":   res.Skipped,
		"blocked":   res.Blocked,
		"malformed": res.Malformed,
	} {
		if n > 0 {
			metrics.ItemsTotal.WithLabelValues(name, outcome).Add(float64(n))
		}
	}
	return res, err
}

func (p *Pipeline) runPass(ctx context.Context, log *logger.Logger) (PassResult, error) {
	var res PassResult
	key := p.CursorKey()

	cursor, err := p.Store.Cursor(ctx, key)
	if err != nil {
		return res, errors.Wrap(err, "reading cursor")
	}
	res.Cursor = cursor

	items, pos, positioned, err := p.fetch(ctx, cursor)
	if err != nil {
		return res, errors.Wrapf(err, "fetch from %s", key)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Sequence < items[j].Sequence
	})
	log.Debug("fetched", zap.Uint64("cursor", cursor), zap.Int("count", len(items)))

	mark := cursor
	var (
		units []dispatch.Unit
		taken []message.Raw
	)
	for _, raw := range items {
		seq := raw.Sequence
		if seq == 0 {
			res.Malformed++
			log.Warn("skipping item without a sequence", zap.String("message_id", raw.Headers.MessageID))
			continue
		}
		if seq <= mark {
			res.Skipped++
			continue
		}
		mark = seq
		taken = append(taken, raw)
		ilog := log.With(zap.Uint64("seq", seq))

		if raw.Err != nil {
			res.Malformed++
			ilog.Warn("skipping malformed item", zap.Error(raw.Err))
			continue
		}
		if !p.Channel.Allowed(raw) {
			res.Blocked++
			ilog.Info("blocked by allow-list", zap.String("sender", raw.Sender))
			continue
		}

		unit, err := p.record(ctx, raw, ilog)
		if err != nil {
			// The cursor stays put so the batch is retried.
			return res, errors.Wrapf(err, "recording item %d", seq)
		}
		units = append(units, unit)
		res.Processed++
	}

	if positioned {
		mark = pos
	}
	if mark > cursor {
		err := p.Store.InTx(ctx, func(tx *persist.Tx) error {
			return tx.WriteCursor(ctx, key, mark)
		})
		if err != nil {
			return res, errors.Wrap(err, "committing cursor")
		}
		res.Cursor = mark
	}
	metrics.Cursor.WithLabelValues(p.Channel.Name(), p.Account).Set(float64(res.Cursor))

	if a, ok := p.Channel.(Acker); ok && len(taken) > 0 {
		// The cursor already keeps these items from coming back.
		if err := a.Ack(ctx, taken); err != nil {
			log.Warn("acknowledging items", zap.Int("count", len(taken)), zap.Error(err))
		}
	}

	if len(units) > 0 {
		res.Dispatched = p.Fanout.Fire(ctx, units)
	}
	if res.Processed+res.Blocked+res.Malformed > 0 {
		log.Info("pass complete",
			zap.Int("processed", res.Processed),
			zap.Int("skipped", res.Skipped),
			zap.Int("blocked", res.Blocked),
			zap.Int("malformed", res.Malformed),
			zap.Uint64("cursor", res.Cursor))
	}
	return res, nil
}

// record makes one accepted item durable and returns its dispatch unit.
func (p *Pipeline) record(ctx context.Context, raw message.Raw, log *logger.Logger) (dispatch.Unit, error) {
	name := p.Channel.Name()
	cls := p.Channel.Classify(raw)
	convID := cls.ConversationID
	if convID == "" {
		convID = threadid.Resolve(name, raw.Headers)
	}
	log = log.With(zap.String("conversation_id", convID))

	at := raw.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	var rawPath string
	if p.Archive != nil && len(raw.Bytes) > 0 {
		id := raw.Headers.MessageID
		if id == "" {
			id = convID + "." + strconv.FormatUint(raw.Sequence, 10)
		}
		path, err := p.Archive.Insert(ctx, id, raw.Bytes)
		if err != nil {
			log.Warn("raw archive write failed", zap.Error(err))
		} else {
			rawPath = path
		}
	}

	var msgID int64
	err := p.Store.InTx(ctx, func(tx *persist.Tx) error {
		_, err := ledger.Upsert(ctx, tx, ledger.Update{
			ConversationID: convID,
			Subject:        raw.Headers.Subject,
			MessageID:      raw.Headers.MessageID,
			References:     declaredRefs(raw.Headers),
			Direction:      message.In,
			Sender:         raw.Sender,
			SenderDisplay:  raw.SenderDisplay,
			At:             at,
		})
		if err != nil {
			return err
		}
		msgID, err = tx.InsertMessage(ctx, &persist.Message{
			ConversationID:    convID,
			ExternalMessageID: raw.Headers.MessageID,
			Direction:         message.In,
			Sender:            raw.Sender,
			Subject:           raw.Headers.Subject,
			Body:              raw.Body,
			CreatedAt:         at,
		})
		if err != nil {
			return err
		}
		for _, c := range cls.Contacts {
			if err := tx.TouchContact(ctx, c, at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return dispatch.Unit{}, err
	}

	inboxSender := cls.InboxSender
	if inboxSender == "" {
		inboxSender = raw.SenderDisplay
	}
	if inboxSender == "" {
		inboxSender = raw.Sender
	}
	content := cls.InboxContent
	if content == "" {
		content = message.Truncate(raw.Body, message.PayloadBodyLimit)
	}
	inboxID, err := p.Inbox.Insert(ctx, inbox.Entry{
		Channel: name,
		Sender:  inboxSender,
		Content: content,
		ReplyTo: convID,
	})
	if err != nil {
		return dispatch.Unit{}, errors.Wrap(err, "inbox write")
	}
	if err := p.Store.AttachInboxRef(ctx, msgID, inboxID); err != nil {
		return dispatch.Unit{}, err
	}
	if p.Marker != nil {
		if err := p.Marker.Touch(); err != nil {
			log.Warn("liveness marker not updated", zap.Error(err))
		}
	}

	payload, err := json.Marshal(buildPayload(name, convID, inboxID, raw, rawPath))
	if err != nil {
		return dispatch.Unit{}, errors.Wrap(err, "encoding payload")
	}
	log.Info("recorded", zap.Int64("inbox_message_id", inboxID), zap.String("sender", raw.Sender))
	return dispatch.Unit{
		Handler:        p.Handler,
		ConversationID: convID,
		Channel:        name,
		Payload:        payload,
	}, nil
}

// declaredRefs is the history a message declares: its References, or
// failing that its In-Reply-To.
func declaredRefs(h message.Headers) []string {
	if len(h.References) > 0 {
		return h.References
	}
	if h.InReplyTo != "" {
		return []string{h.InReplyTo}
	}
	return nil
}

func buildPayload(channel, convID string, inboxID int64, raw message.Raw, rawPath string) map[string]interface{} {
	p := map[string]interface{}{
		"channel":          channel,
		"conversation_id":  convID,
		"inbox_message_id": inboxID,
		"sender":           raw.Sender,
		"sender_name":      raw.SenderDisplay,
		"body":             message.Truncate(raw.Body, message.PayloadBodyLimit),
	}
	if raw.Headers.Subject != "" {
		p["subject"] = raw.Headers.Subject
	}
	if raw.Headers.MessageID != "" {
		p["message_id"] = raw.Headers.MessageID
	}
	if raw.Headers.Date != "" {
		p["date"] = raw.Headers.Date
	}
	if len(raw.Attachments) > 0 {
		p["attachments"] = raw.Attachments
	}
	if rawPath != "" {
		p["raw_path"] = rawPath
	}
	for k, v := range raw.Extras {
		if _, ok := p[k]; !ok {
			p[k] = v
		}
	}
	return p
}

// Loop runs passes until ctx is done, sleeping interval between them.
// A failed pass is logged and the loop goes on.
func (p *Pipeline) Loop(ctx context.Context, interval time.Duration) error {
	log := p.Log.ForAccount(p.Channel.Name(), p.Account)
	log.Info("polling", zap.Duration("interval", interval))
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if _, err := p.RunPass(ctx); err != nil {
			log.Error("pass failed", zap.Error(err))
		}
		t.Reset(interval)
	}
}
