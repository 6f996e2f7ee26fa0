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

// Package inbox writes accepted inbound messages to the unified inbox
// shared by every channel.
package inbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/mxzinke/atlas/internal/persist"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
)

var createTableSql = []string{
	// The column set is shared with the consumers of the inbox.
	// channel is open text so new channels need no migration.
	`
CREATE TABLE IF NOT EXISTS messages (
id INTEGER PRIMARY KEY AUTOINCREMENT,
channel TEXT NOT NULL,
sender TEXT,
content TEXT NOT NULL,
reply_to TEXT,
status TEXT DEFAULT 'pending' CHECK(status IN ('pending','processing','done')),
response_summary TEXT,
created_at TEXT DEFAULT (datetime('now')),
processed_at TEXT
);`,
}

// Entry is one unified inbox row.  ReplyTo carries the conversation id.
type Entry struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	ReplyTo   string    `json:"reply_to"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Writer is the narrow interface the ingestion pipeline needs.
type Writer interface {
	Insert(ctx context.Context, e Entry) (int64, error)
}

// Store is the unified inbox database.
type Store struct {
	db *sql.DB
}

// Open opens, creating if needed, the inbox database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := persist.OpenSQL(ctx, path, createTableSql)
	if err != nil {
		return nil, errors.Wrap(err, "opening inbox")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends e as a pending entry and returns its id.
func (s *Store) Insert(ctx context.Context, e Entry) (int64, error) {
	const query = `INSERT INTO messages (channel, sender, content, reply_to) VALUES ($1, $2, $3, $4)`
	res, err := s.db.ExecContext(ctx, query, e.Channel, e.Sender, e.Content, nullIfEmpty(e.ReplyTo))
	if err != nil {
		return 0, errors.Wrapf(err, "inbox insert for %s message from %q", e.Channel, e.Sender)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "inbox insert")
	}
	return id, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Pending lists entries still waiting for a consumer, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	const query = `
SELECT id, channel, sender, content, reply_to, status, created_at
FROM messages WHERE status = 'pending' ORDER BY id ASC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing pending inbox entries")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                                Entry
			sender, replyTo, status, created sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Channel, &sender, &e.Content, &replyTo, &status, &created); err != nil {
			return nil, errors.Wrap(err, "db scan failed in Pending")
		}
		e.Sender = sender.String
		e.ReplyTo = replyTo.String
		e.Status = status.String
		e.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created.String)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "listing pending inbox entries")
}

// CountByStatus returns the number of entries per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	const query = `SELECT COALESCE(status, ''), COUNT(*) FROM messages GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "counting inbox entries")
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "db scan failed in CountByStatus")
		}
		out[status] = n
	}
	return out, errors.Wrap(rows.Err(), "counting inbox entries")
}
