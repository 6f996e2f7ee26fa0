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

// Package signal is a relay channel driven by signal-cli.  Relay
// messages carry no threading headers: a conversation is a group, or
// the remote party of a one-to-one exchange.
package signal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/ingest"
	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/message"
	"github.com/mxzinke/atlas/internal/persist"
	"github.com/mxzinke/atlas/internal/reply"
)

// ChannelName is the relay channel name.
const ChannelName = "signal"

// DefaultCommand is the signal-cli executable.
const DefaultCommand = "signal-cli"

const defaultTimeout = 30 * time.Second

// groupTagLen is how much of a group id the inbox shows.
const groupTagLen = 12

var (
	uuidPattern  = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	phonePattern = regexp.MustCompile(`^\+\d+$`)
	groupPattern = regexp.MustCompile(`^[A-Za-z0-9+/=]{16,}$`)
)

// IsGroupID guesses whether id names a group.  Account UUIDs and phone
// numbers are individuals; other base64 tokens of sixteen or more
// characters are groups.  signal-cli does not say, so this is a
// heuristic.
func IsGroupID(id string) bool {
	switch {
	case uuidPattern.MatchString(id), phonePattern.MatchString(id):
		return false
	}
	return groupPattern.MatchString(id)
}

// ContactKind is IsGroupID expressed as a contacts table kind.
func ContactKind(id string) string {
	if IsGroupID(id) {
		return persist.KindGroup
	}
	return persist.KindContact
}

// envelope is one line of `signal-cli --output=json receive`.
type envelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceNumber string `json:"sourceNumber"`
		SourceUUID   string `json:"sourceUuid"`
		SourceName   string `json:"sourceName"`
		Timestamp    int64  `json:"timestamp"`
		DataMessage  *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Extras keys set on relay items.
const (
	ExtraSenderPhone = "sender_phone"
	ExtraGroupID     = "group_id"
	ExtraTimestamp   = "timestamp"
	ExtraMessage     = "message"
)

// ParseReceive decodes receive output.  Only envelopes carrying a text
// message become items; receipts and typing notices are dropped.
//
// receive removes what it returns from the server, so every item is
// new.  Items are numbered base+1, base+2... in send order.
func ParseReceive(out []byte, base uint64) []message.Raw {
	var items []message.Raw
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e envelope
		if err := json.Unmarshal(line, &e); err != nil {
			items = append(items, message.Raw{Err: errors.Wrap(err, "decoding signal-cli output")})
			continue
		}
		env := e.Envelope
		if env.DataMessage == nil || env.DataMessage.Message == "" {
			continue
		}
		phone := env.SourceNumber
		if phone == "" {
			phone = env.Source
		}
		sender := env.SourceUUID
		if sender == "" {
			sender = phone
		}
		raw := message.Raw{
			Sender:        sender,
			SenderDisplay: env.SourceName,
			Body:          env.DataMessage.Message,
			Extras: map[string]string{
				ExtraSenderPhone: phone,
				ExtraMessage:     message.Truncate(env.DataMessage.Message, message.PayloadBodyLimit),
			},
		}
		if env.Timestamp > 0 {
			raw.ReceivedAt = time.UnixMilli(env.Timestamp)
			raw.Headers.Date = strconv.FormatInt(env.Timestamp, 10)
			raw.Extras[ExtraTimestamp] = raw.Headers.Date
		}
		if g := env.DataMessage.GroupInfo; g != nil && g.GroupID != "" {
			raw.Extras[ExtraGroupID] = g.GroupID
		}
		if sender == "" {
			raw.Err = errors.New("signal envelope without a sender")
		}
		items = append(items, raw)
	}
	if err := sc.Err(); err != nil {
		items = append(items, message.Raw{Err: errors.Wrap(err, "reading signal-cli output")})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ReceivedAt.Before(items[j].ReceivedAt)
	})
	for i := range items {
		items[i].Sequence = base + uint64(i) + 1
	}
	return items
}

// Channel receives for one signal-cli account.
type Channel struct {
	// Number is the account's phone number.
	Number string

	Command string
	Timeout time.Duration

	// Allow matches the sender id, the sender phone or the group id.
	Allow ingest.AllowList

	Log *logger.Logger
}

func (c *Channel) Name() string { return ChannelName }

func (c *Channel) command() string {
	if c.Command != "" {
		return c.Command
	}
	return DefaultCommand
}

func (c *Channel) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

// Fetch runs one receive.  The cursor only numbers the new items.
func (c *Channel) Fetch(ctx context.Context, cursor uint64) ([]message.Raw, error) {
	if c.Number == "" {
		return nil, errors.New("signal: no account number configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.command(), "-a", c.Number, "--output=json", "receive")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil && ctx.Err() == nil {
		return nil, errors.Wrapf(err, "%s receive: %s", c.command(), strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		// A receive that ran out of time still returns what it got.
		c.Log.Debug("signal receive timed out", zap.Int("bytes", stdout.Len()))
	}
	return ParseReceive(stdout.Bytes(), cursor), nil
}

func (c *Channel) Allowed(raw message.Raw) bool {
	return c.Allow.Match(raw.Sender, raw.Extras[ExtraSenderPhone], raw.Extras[ExtraGroupID])
}

// Classify files group messages under the group and direct messages
// under the sender.  The sender of a group message is still recorded
// as a contact.
func (c *Channel) Classify(raw message.Raw) ingest.Classification {
	phone := raw.Extras[ExtraSenderPhone]
	sender := persist.Contact{ID: raw.Sender, Kind: persist.KindContact, Name: raw.SenderDisplay, Phone: phone}
	display := raw.SenderDisplay
	if display == "" {
		display = raw.Sender
	}
	cls := ingest.Classification{
		ConversationID: raw.Sender,
		InboxSender:    display,
		InboxContent:   raw.Body,
		Contacts:       []persist.Contact{sender},
	}
	if gid := raw.Extras[ExtraGroupID]; gid != "" {
		tag := gid
		if len(tag) > groupTagLen {
			tag = tag[:groupTagLen]
		}
		cls.ConversationID = gid
		cls.InboxSender = display + " (group:" + tag + ")"
		cls.Contacts = []persist.Contact{{ID: gid, Kind: persist.KindGroup}, sender}
	}
	return cls
}

// Sender sends through signal-cli.  It implements reply.Sender.
type Sender struct {
	Number  string
	Command string
	Timeout time.Duration
}

// Send delivers d.Body to d.To, a group id or an individual.  It
// returns the sent message's timestamp as printed by signal-cli.
func (s *Sender) Send(ctx context.Context, d *reply.Draft) (string, error) {
	if s.Number == "" {
		return "", errors.New("signal: no account number configured")
	}
	command := s.Command
	if command == "" {
		command = DefaultCommand
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-a", s.Number, "send"}
	if IsGroupID(d.To) {
		args = append(args, "-g", d.To, "-m", d.Body)
	} else {
		args = append(args, "-m", d.Body, d.To)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "%s send: %s", command, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
