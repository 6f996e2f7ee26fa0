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
	"time"

	"github.com/pkg/errors"
)

const (
	KindContact = "contact"
	KindGroup   = "group"
)

// Contact is one row of the contacts table.
type Contact struct {
	ID           string
	Kind         string
	Name         string
	Phone        string
	MessageCount int
	FirstSeen    time.Time
	LastSeen     time.Time
}

// TouchContact records one message from c at time at.  The row is
// created on first sight; afterwards the count grows, last_seen moves
// and non-empty name and phone values replace stored ones.
func (tx *Tx) TouchContact(ctx context.Context, c Contact, at time.Time) error {
	const query = `
INSERT INTO contacts (contact_id, kind, name, phone, message_count, first_seen, last_seen)
VALUES ($1, $2, $3, $4, 1, $5, $5)
ON CONFLICT (contact_id) DO UPDATE SET
name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
phone = CASE WHEN excluded.phone != '' THEN excluded.phone ELSE contacts.phone END,
message_count = contacts.message_count + 1,
last_seen = excluded.last_seen`
	kind := c.Kind
	if kind == "" {
		kind = KindContact
	}
	if _, err := tx.tx.ExecContext(ctx, query, c.ID, kind, c.Name, c.Phone, formatTime(at)); err != nil {
		return errors.Wrapf(err, "db upsert failed for contact %q", c.ID)
	}
	return nil
}

const contactColumns = `contact_id, kind, name, phone, message_count, first_seen, last_seen`

func scanContact(s scanner) (*Contact, error) {
	var (
		c                 Contact
		kind, name, phone sql.NullString
		count             sql.NullInt64
		first, last       sql.NullString
	)
	if err := s.Scan(&c.ID, &kind, &name, &phone, &count, &first, &last); err != nil {
		return nil, err
	}
	c.Kind = kind.String
	c.Name = name.String
	c.Phone = phone.String
	c.MessageCount = int(count.Int64)
	c.FirstSeen = parseTime(first.String)
	c.LastSeen = parseTime(last.String)
	return &c, nil
}

// Contact returns the contact or group id, or ErrNoRow.
func (q reads) Contact(ctx context.Context, id string) (*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE contact_id = $1`
	c, err := scanContact(q.r.QueryRowContext(ctx, query, id))
	if isNoRows(err) {
		return nil, ErrNoRow
	}
	if err != nil {
		return nil, errors.Wrapf(err, "db read failed for contact %q", id)
	}
	return c, nil
}

// Contacts lists every contact and group, most recently seen first.
func (q reads) Contacts(ctx context.Context) ([]*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts ORDER BY last_seen DESC, contact_id`
	rows, err := q.r.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "listing contacts")
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in Contacts")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "listing contacts")
}
