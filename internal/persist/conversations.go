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

package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/mxzinke/atlas/internal/message"
)

// Conversation is one row of the conversations table.
type Conversation struct {
	ID                   string
	Subject              string
	LastMessageID        string
	References           []string
	LastResponder        string
	LastResponderDisplay string
	Participants         []string
	MessageCount         int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

const conversationColumns = `conversation_id, subject, last_message_id,
reference_chain, last_responder, last_responder_display, participants,
message_count, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation tolerates NULLs and malformed JSON, which rows
// written by older layouts may carry.
func scanConversation(s scanner) (*Conversation, error) {
	var (
		id                                       string
		subject, last, chain, resp, disp, people sql.NullString
		count                                    sql.NullInt64
		created, updated                         sql.NullString
	)
	if err := s.Scan(&id, &subject, &last, &chain, &resp, &disp, &people,
		&count, &created, &updated); err != nil {
		return nil, err
	}
	c := &Conversation{
		ID:                   id,
		Subject:              subject.String,
		LastMessageID:        last.String,
		References:           decodeList(chain.String),
		LastResponder:        resp.String,
		LastResponderDisplay: disp.String,
		Participants:         decodeList(people.String),
		MessageCount:         int(count.Int64),
		CreatedAt:            parseTime(created.String),
		UpdatedAt:            parseTime(updated.String),
	}
	return c, nil
}

func decodeList(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func encodeList(l []string) string {
	if l == nil {
		l = []string{}
	}
	b, _ := json.Marshal(l)
	return string(b)
}

// Conversation returns the row for id, or ErrNoRow.
func (q reads) Conversation(ctx context.Context, id string) (*Conversation, error) {
	sql := `SELECT ` + conversationColumns + ` FROM conversations WHERE conversation_id = $1`
	c, err := scanConversation(q.r.QueryRowContext(ctx, sql, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNoRow
		}
		return nil, errors.Wrapf(err, "reading conversation %q", id)
	}
	return c, nil
}

// Conversations lists conversations, most recently updated first.  A
// limit of zero or less lists all of them.
func (q reads) Conversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	sql := `SELECT ` + conversationColumns + ` FROM conversations
ORDER BY updated_at DESC, conversation_id LIMIT $1`
	rows, err := q.r.QueryContext(ctx, sql, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing conversations")
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in Conversations")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "listing conversations")
}

// PutConversation inserts or fully replaces the row for c.ID.
func (tx *Tx) PutConversation(ctx context.Context, c *Conversation) error {
	const sql = `
INSERT INTO conversations (conversation_id, subject, last_message_id,
reference_chain, last_responder, last_responder_display, participants,
message_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (conversation_id) DO UPDATE SET
subject = excluded.subject,
last_message_id = excluded.last_message_id,
reference_chain = excluded.reference_chain,
last_responder = excluded.last_responder,
last_responder_display = excluded.last_responder_display,
participants = excluded.participants,
message_count = excluded.message_count,
updated_at = excluded.updated_at`
	_, err := tx.tx.ExecContext(ctx, sql, c.ID, c.Subject, c.LastMessageID,
		encodeList(c.References), c.LastResponder, c.LastResponderDisplay,
		encodeList(c.Participants), c.MessageCount,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return errors.Wrapf(err, "db upsert failed for conversation %q", c.ID)
	}
	return nil
}

// InsertConversationIfAbsent inserts c unless a row with the same id
// exists.  It reports whether a row was written.
func (tx *Tx) InsertConversationIfAbsent(ctx context.Context, c *Conversation) (bool, error) {
	const sql = `
INSERT OR IGNORE INTO conversations (conversation_id, subject, last_message_id,
reference_chain, last_responder, last_responder_display, participants,
message_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	res, err := tx.tx.ExecContext(ctx, sql, c.ID, c.Subject, c.LastMessageID,
		encodeList(c.References), c.LastResponder, c.LastResponderDisplay,
		encodeList(c.Participants), c.MessageCount,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return false, errors.Wrapf(err, "db insert failed for conversation %q", c.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "db insert failed")
	}
	return n > 0, nil
}

// Message is one row of the messages table.
type Message struct {
	ID                int64
	ConversationID    string
	ExternalMessageID string
	Direction         message.Direction
	Sender            string
	Recipient         string
	Subject           string
	Body              string
	InboxRef          *int64
	CreatedAt         time.Time
}

// InsertMessage appends m and returns its row id.  The body is capped at
// message.StoredBodyLimit.
func (tx *Tx) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	const sql = `
INSERT INTO messages (conversation_id, external_message_id, direction,
sender, recipient, subject, body, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	dir := m.Direction
	if dir == "" {
		dir = message.In
	}
	res, err := tx.tx.ExecContext(ctx, sql, m.ConversationID, m.ExternalMessageID,
		string(dir), m.Sender, m.Recipient, m.Subject,
		message.Truncate(m.Body, message.StoredBodyLimit), formatTime(m.CreatedAt))
	if err != nil {
		return 0, errors.Wrapf(err, "db insert failed for message in %q", m.ConversationID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "db insert failed")
	}
	return id, nil
}

// AttachInboxRef records the unified inbox id for message id.
func (db *DB) AttachInboxRef(ctx context.Context, id, ref int64) error {
	const sql = `UPDATE messages SET inbox_ref = $1 WHERE id = $2`
	if _, err := db.db.ExecContext(ctx, sql, ref, id); err != nil {
		return errors.Wrapf(err, "attaching inbox ref to message %d", id)
	}
	return nil
}

// Messages lists the messages of a conversation, oldest first.  A limit
// of zero or less lists all of them; otherwise the newest limit
// messages are returned.
func (q reads) Messages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1
	}
	const query = `
SELECT id, conversation_id, external_message_id, direction, sender,
recipient, subject, body, inbox_ref, created_at FROM (
  SELECT * FROM messages WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2
) ORDER BY id`
	rows, err := q.r.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "listing messages of %q", conversationID)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m                                 Message
			ext, dir, from, to, subject, body sql.NullString
			ref                               sql.NullInt64
			created                           sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &ext, &dir, &from, &to,
			&subject, &body, &ref, &created); err != nil {
			return nil, errors.Wrap(err, "db scan failed in Messages")
		}
		m.ExternalMessageID = ext.String
		m.Direction = message.Direction(dir.String)
		m.Sender = from.String
		m.Recipient = to.String
		m.Subject = subject.String
		m.Body = body.String
		if ref.Valid {
			v := ref.Int64
			m.InboxRef = &v
		}
		m.CreatedAt = parseTime(created.String)
		out = append(out, &m)
	}
	return out, errors.Wrap(rows.Err(), "listing messages")
}

// CountMessages returns the number of message rows for a conversation.
func (q reads) CountMessages(ctx context.Context, conversationID string) (int, error) {
	const sql = `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`
	var n int
	if err := q.r.QueryRowContext(ctx, sql, conversationID).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "counting messages of %q", conversationID)
	}
	return n, nil
}
