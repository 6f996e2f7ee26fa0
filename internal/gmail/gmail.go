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

// Package gmail is an email channel and sender backed by the Gmail API.
// The channel cursor is the mailbox history ID.
package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mxzinke/atlas/internal/email"
	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/message"
	"github.com/mxzinke/atlas/internal/reply"
)

const (
	ModifyScope = gmail_api.GmailModifyScope
	SendScope   = gmail_api.GmailSendScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsMessagesModify  = 5
	quotaUnitsMessagesSend    = 100
	quotaUnitsPerGetProfile   = 1
	quotaUnitsPerHistoryList  = 2
	quotaUnitsPerMessagesList = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// BootstrapQuery selects the messages taken on the first pass.
	BootstrapQuery = "is:unread in:inbox -is:chat"
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// Service provides access to one mailbox in Gmail.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	log     *logger.Logger
}

func isChat(msg *gmail_api.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// New returns a Service using client, which must carry credentials.
func New(ctx context.Context, client *http.Client, log *logger.Logger, opts ...option.ClientOption) (*Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, limiter: l, log: log}, nil
}

// ListUnread calls handler with the id of every message matching
// BootstrapQuery.
func (s *Service) ListUnread(ctx context.Context, handler func(id string) error) error {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return err
	}
	req := s.service.Users.Messages.List("me").Q(BootstrapQuery)
	total := 0
	err := req.Pages(ctx, func(page *gmail_api.ListMessagesResponse) (err error) {
		total += len(page.Messages)
		s.log.Debug("listed page of Gmail messages",
			zap.Int("count", len(page.Messages)), zap.Int("total", total))
		for _, msg := range page.Messages {
			if err := handler(msg.Id); err != nil {
				return err
			}
		}
		if page.NextPageToken != "" {
			err = s.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return
	})
	if err != nil {
		err = errors.Wrap(err, "unable to list unread messages")
	}
	return err
}

// Profile returns the mailbox's current history ID.
func (s *Service) Profile(ctx context.Context) (uint64, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return 0, err
	}
	u, err := s.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return 0, errors.Wrap(err, "unable to get profile")
	}
	return u.HistoryId, nil
}

// ListFrom calls handler with the id of every message added to the
// inbox after historyID.  It returns the history ID the listing
// reached.
func (s *Service) ListFrom(ctx context.Context, historyID uint64, handler func(id string) error) (uint64, error) {
	wait := func() error {
		return s.limiter.WaitN(ctx, quotaUnitsPerHistoryList)
	}
	if err := wait(); err != nil {
		return 0, err
	}

	req := s.service.Users.History.List("me").Context(ctx).
		HistoryTypes("messageAdded").LabelId("INBOX").StartHistoryId(historyID)
	total := 0
	reached := historyID
	err := req.Pages(ctx, func(page *gmail_api.ListHistoryResponse) (err error) {
		total += len(page.History)
		s.log.Debug("listed page of Gmail history",
			zap.Int("count", len(page.History)), zap.Int("total", total))
		if page.HistoryId > reached {
			reached = page.HistoryId
		}
		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				if err := handler(added.Message.Id); err != nil {
					return err
				}
			}
		}
		if page.NextPageToken != "" {
			err = wait()
		}
		return
	})
	if err != nil {
		return 0, errors.Wrap(err, "unable to list history")
	}
	return reached, nil
}

// isExpired reports whether err says a start history ID is too old.
func isExpired(err error) bool {
	cause, ok := errors.Cause(err).(*googleapi.Error)
	return ok && cause.Code == http.StatusNotFound
}

func (s *Service) getMessage(ctx context.Context, call *gmail_api.UsersMessagesGetCall) (*gmail_api.Message, error) {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
			return nil, err
		}
		msg, err := call.Do()
		if err == nil && isChat(msg) {
			err = ErrMessageNotFound
		}
		if err == nil {
			return msg, nil
		}

		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			if cause.Code == http.StatusTooManyRequests {
				continue // retry
			}
			if cause.Code == http.StatusNotFound {
				for _, item := range cause.Errors {
					if item.Reason == "notFound" {
						err = ErrMessageNotFound
					}
				}
			}
		}
		return nil, err
	}
}

// GetRaw returns a message's RFC 5322 bytes and its history ID.
func (s *Service) GetRaw(ctx context.Context, id string) ([]byte, uint64, error) {
	msg, err := s.getMessage(ctx, s.service.Users.Messages.Get("me", id).
		Context(ctx).Format("raw"))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		return nil, msg.HistoryId, errors.Wrapf(err, "decoding message %v from gmail", id)
	}
	return raw, msg.HistoryId, nil
}

// MarkRead removes the UNREAD label.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	if err := s.limiter.WaitN(ctx, quotaUnitsMessagesModify); err != nil {
		return err
	}
	_, err := s.service.Users.Messages.Modify("me", id, &gmail_api.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	return err
}

// Channel polls a Gmail mailbox.
type Channel struct {
	email.Rules

	Service  *Service
	MarkRead bool
	Log      *logger.Logger
}

// Fetch is FetchPosition without the position.
func (c *Channel) Fetch(ctx context.Context, cursor uint64) ([]message.Raw, error) {
	items, _, err := c.FetchPosition(ctx, cursor)
	return items, err
}

// FetchPosition returns the messages added after history ID cursor and
// the history ID to resume from.  A zero cursor, or one Gmail no longer
// keeps history for, bootstraps from the unread inbox anchored at the
// profile's history ID.  A cursor ahead of the mailbox is an error.
// Each item's sequence is the message's own history ID.
func (c *Channel) FetchPosition(ctx context.Context, cursor uint64) ([]message.Raw, uint64, error) {
	var ids []string
	collect := func(id string) error {
		ids = append(ids, id)
		return nil
	}

	current, err := c.Service.Profile(ctx)
	if err != nil {
		return nil, 0, err
	}
	pos := current
	switch {
	case cursor == current:
		return nil, current, nil
	case cursor != 0 && cursor < current:
		pos, err = c.Service.ListFrom(ctx, cursor, collect)
		if isExpired(err) {
			c.Log.Warn("history expired, bootstrapping from unread",
				zap.Uint64("cursor", cursor), zap.Uint64("history_id", current))
			ids, pos, err = nil, current, nil
			cursor = 0
		}
		if err != nil {
			return nil, 0, err
		}
	case cursor > current:
		// The stored cursor cannot move back.
		return nil, 0, errors.Errorf("history id %d is ahead of the mailbox at %d", cursor, current)
	}
	if cursor == 0 {
		if err := c.Service.ListUnread(ctx, collect); err != nil {
			return nil, 0, err
		}
	}

	seen := make(map[string]bool, len(ids))
	var out []message.Raw
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		raw, historyID, err := c.Service.GetRaw(ctx, id)
		switch {
		case errors.Cause(err) == ErrMessageNotFound:
			// Deleted or chat; nothing to record.
			continue
		case err != nil && historyID == 0:
			return nil, 0, err
		case err != nil:
			out = append(out, message.Raw{Sequence: historyID, Handle: id, Err: err})
			continue
		}
		item := email.Parse(historyID, raw)
		item.Handle = id
		out = append(out, item)
	}
	return out, pos, nil
}

// Ack removes UNREAD from committed items when MarkRead is set.
func (c *Channel) Ack(ctx context.Context, items []message.Raw) error {
	if !c.MarkRead {
		return nil
	}
	var failed int
	for _, it := range items {
		if it.Handle == "" {
			continue
		}
		if err := c.Service.MarkRead(ctx, it.Handle); err != nil {
			c.Log.Warn("marking message read", zap.String("gmail_id", it.Handle), zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d messages not marked read", failed, len(items))
	}
	return nil
}

// Sender submits drafts through the Gmail API.  It implements
// reply.Sender.
type Sender struct {
	Service *Service

	// From is the mailbox address.
	From string
}

// Send builds d and submits it, returning its Message-ID.
func (s *Sender) Send(ctx context.Context, d *reply.Draft) (string, error) {
	id, raw, err := email.Build(d, s.From, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.Service.limiter.WaitN(ctx, quotaUnitsMessagesSend); err != nil {
		return "", err
	}
	_, err = s.Service.service.Users.Messages.Send("me", &gmail_api.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrapf(err, "sending to %s through gmail", d.To)
	}
	return id, nil
}
