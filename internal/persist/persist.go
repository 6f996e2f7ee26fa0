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

// Package persist is the per account store: transport cursors,
// conversation records, the append-only message log, relay contacts and
// a small key/value state table, all in one SQLite file.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/logger"
)

var (
	// ErrCursorDecrease is returned when a cursor write would move a
	// cursor backwards.
	ErrCursorDecrease = errors.New("attempt to decrease a cursor")

	// ErrNoRow is returned by single row lookups that match nothing.
	ErrNoRow = errors.New("no such row")
)

var (
	createTableSql = []string{
		// The cursors table holds the highest transport sequence
		// processed per channel account.
		//
		// Field: last_sequence
		//
		//   The uint64 sequence mapped onto the signed INTEGER range
		//   with orderedToSigned, so SQL ordering matches unsigned
		//   ordering.
		`
CREATE TABLE IF NOT EXISTS cursors (
cursor_key TEXT NOT NULL PRIMARY KEY,
last_sequence INTEGER NOT NULL
);`,
		// The conversations table holds one row per conversation.
		//
		// Field: reference_chain
		//
		//   JSON array of message identifiers, oldest first, no
		//   duplicates.  The last entry is last_message_id once any
		//   identifier has been recorded.
		//
		// Field: participants
		//
		//   JSON array of every distinct address seen, sorted.
		//
		// Rows migrated from older layouts may have empty fields.
		`
CREATE TABLE IF NOT EXISTS conversations (
conversation_id TEXT NOT NULL PRIMARY KEY,
subject TEXT NOT NULL DEFAULT '',
last_message_id TEXT NOT NULL DEFAULT '',
reference_chain TEXT NOT NULL DEFAULT '[]',
last_responder TEXT NOT NULL DEFAULT '',
last_responder_display TEXT NOT NULL DEFAULT '',
participants TEXT NOT NULL DEFAULT '[]',
message_count INTEGER NOT NULL DEFAULT 0,
created_at TEXT NOT NULL DEFAULT '',
updated_at TEXT NOT NULL DEFAULT ''
);`,
		// The messages table is append-only.  The only mutation is
		// attaching inbox_ref after the unified inbox write.
		`
CREATE TABLE IF NOT EXISTS messages (
id INTEGER PRIMARY KEY AUTOINCREMENT,
conversation_id TEXT NOT NULL,
external_message_id TEXT NOT NULL DEFAULT '',
direction TEXT NOT NULL DEFAULT 'in',
sender TEXT NOT NULL DEFAULT '',
recipient TEXT NOT NULL DEFAULT '',
subject TEXT NOT NULL DEFAULT '',
body TEXT NOT NULL DEFAULT '',
inbox_ref INTEGER,
created_at TEXT NOT NULL DEFAULT ''
);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_direction ON messages(direction);`,
		// The contacts table tracks relay senders and groups.
		//
		// Field: kind
		//
		//   "contact" or "group".
		`
CREATE TABLE IF NOT EXISTS contacts (
contact_id TEXT NOT NULL PRIMARY KEY,
kind TEXT NOT NULL DEFAULT 'contact',
name TEXT NOT NULL DEFAULT '',
phone TEXT NOT NULL DEFAULT '',
message_count INTEGER NOT NULL DEFAULT 0,
first_seen TEXT NOT NULL DEFAULT '',
last_seen TEXT NOT NULL DEFAULT ''
);`,
		`
CREATE TABLE IF NOT EXISTS state (
key TEXT NOT NULL PRIMARY KEY,
value TEXT NOT NULL DEFAULT ''
);`,
	}
)

// runner is satisfied by both *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// reads holds the queries available both inside and outside a
// transaction.
type reads struct {
	r runner
}

type DB struct {
	reads
	db   *sql.DB
	path string
}

type Tx struct {
	reads
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// BusyTimeout is how long a writer polls for the SQLite write lock
// before giving up.  Pollers, the reply path and admin commands share
// each store.
const BusyTimeout = 30 * time.Second

// DSN returns the go-sqlite3 data source name used for every store.
// Transactions begin IMMEDIATE so a read-modify-write never races
// another writer between its read and its write.
func DSN(path string) (string, error) {
	busyTimeout := int(BusyTimeout / time.Millisecond)
	return dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_txlock":       {"immediate"},
	})
}

// OpenSQL opens the SQLite file at path and applies schema.
func OpenSQL(ctx context.Context, path string, schema []string) (*sql.DB, error) {
	dsn, err := DSN(path)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	logger.Global().Debug("opening database", zap.String("dsn", dsn))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}
	return db, nil
}

// Open opens, creating if needed, the account store at path.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := OpenSQL(ctx, path, createTableSql)
	if err != nil {
		return nil, err
	}
	return &DB{reads: reads{db}, db: db, path: path}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Path returns the file the store was opened from.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{reads: reads{tx}, tx: tx}, nil
}

// InTx runs fn inside a transaction, committing if fn returns nil.
func (db *DB) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

// Rollback aborts the transaction.  It is safe to call after Commit.
func (tx *Tx) Rollback() error {
	err := tx.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func initSchema(ctx context.Context, db *sql.DB, schema []string) error {
	for _, sql := range schema {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

// Cursor returns the last processed sequence for key, or zero when none
// has been recorded.
func (q reads) Cursor(ctx context.Context, key string) (uint64, error) {
	const sql = `SELECT last_sequence FROM cursors WHERE cursor_key = $1`
	var seq int64
	if err := q.r.QueryRowContext(ctx, sql, key).Scan(&seq); err != nil {
		if isNoRows(err) {
			return 0, nil // a non-error
		}
		return 0, errors.Wrapf(err, "reading cursor %q", key)
	}
	return orderedToUnsigned(seq), nil
}

// WriteCursor records seq as the last processed sequence for key.
// Writing the current value is a no-op; writing a lower one fails with
// ErrCursorDecrease.
func (tx *Tx) WriteCursor(ctx context.Context, key string, seq uint64) error {
	latest, err := tx.Cursor(ctx, key)
	if err != nil {
		return err
	}
	if seq < latest {
		return errors.Wrapf(ErrCursorDecrease, "cursor %q: %d < %d", key, seq, latest)
	}
	if seq == latest {
		return nil
	}

	const sql = `
INSERT INTO cursors (cursor_key, last_sequence) VALUES ($1, $2)
ON CONFLICT (cursor_key) DO UPDATE SET last_sequence = excluded.last_sequence`
	if _, err := tx.tx.ExecContext(ctx, sql, key, orderedToSigned(seq)); err != nil {
		return errors.Wrap(err, "db cursor upsert failed")
	}
	return nil
}

// State returns the value stored under key.  The second result is false
// when the key is absent.
func (q reads) State(ctx context.Context, key string) (string, bool, error) {
	const sql = `SELECT value FROM state WHERE key = $1`
	var v string
	if err := q.r.QueryRowContext(ctx, sql, key).Scan(&v); err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "reading state %q", key)
	}
	return v, true, nil
}

func (tx *Tx) SetState(ctx context.Context, key, value string) error {
	const sql = `INSERT OR REPLACE INTO state (key, value) VALUES ($1, $2)`
	if _, err := tx.tx.ExecContext(ctx, sql, key, value); err != nil {
		return errors.Wrapf(err, "writing state %q", key)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Cause(err) == sql.ErrNoRows
}

// Timestamps are stored as fixed width RFC 3339 text in UTC so that
// text ordering is time ordering.  Unparseable values, which older
// layouts may contain, read back as the zero time.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
