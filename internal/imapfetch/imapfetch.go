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

// Package imapfetch is an email channel that polls an IMAP folder,
// using message UIDs as the cursor.
package imapfetch

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mxzinke/atlas/internal/email"
	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/message"
)

// Channel fetches from one IMAP account.
type Channel struct {
	email.Rules

	Host     string
	Port     int
	Username string
	Password string
	Folder   string

	// MarkRead sets \Seen on fetched messages.
	MarkRead bool

	// Insecure dials without TLS.  Only for local test servers.
	Insecure  bool
	TLSConfig *tls.Config

	Log *logger.Logger
}

func (c *Channel) dial() (*client.Client, error) {
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	if c.Insecure {
		return client.Dial(addr)
	}
	cfg := c.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: c.Host}
	}
	return client.DialTLS(addr, cfg)
}

// session connects, logs in and selects the folder.  The returned
// function logs out; a cancelled ctx drops the connection earlier.
func (c *Channel) session(ctx context.Context) (*client.Client, func(), error) {
	cl, err := c.dial()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "connecting to %s", c.Host)
	}
	// go-imap has no context support; a cancelled context drops the
	// connection, which fails whatever command is in flight.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cl.Terminate()
		case <-stop:
		}
	}()
	done := func() {
		cl.Logout()
		close(stop)
	}

	if err := cl.Login(c.Username, c.Password); err != nil {
		done()
		return nil, nil, errors.Wrap(err, "imap login")
	}
	if _, err := cl.Select(c.folder(), false); err != nil {
		done()
		return nil, nil, errors.Wrapf(err, "selecting %s", c.folder())
	}
	return cl, done, nil
}

func (c *Channel) folder() string {
	if c.Folder == "" {
		return "INBOX"
	}
	return c.Folder
}

// Fetch returns the messages with a UID above cursor, or the unseen
// messages when cursor is zero.  Bodies are peeked; \Seen is only set
// by Ack.
//
// UIDVALIDITY changes are not tracked: a folder rebuilt with lower UIDs
// is not fetched until its UIDs pass the stored cursor.
func (c *Channel) Fetch(ctx context.Context, cursor uint64) ([]message.Raw, error) {
	cl, done, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	criteria := imap.NewSearchCriteria()
	if cursor > 0 {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(uint32(cursor)+1, 0)
	} else {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	uids, err := cl.UidSearch(criteria)
	if err != nil {
		return nil, errors.Wrap(err, "imap search")
	}
	// "n:*" always matches the highest UID, even below n.
	var want []uint32
	for _, uid := range uids {
		if uint64(uid) > cursor {
			want = append(want, uid)
		}
	}
	if len(want) == 0 {
		return nil, nil
	}
	c.Log.Debug("imap search", zap.String("folder", c.folder()), zap.Int("count", len(want)))

	seqset := new(imap.SeqSet)
	seqset.AddNum(want...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	var out []message.Raw
	msgs := make(chan *imap.Message, 16)
	g := new(errgroup.Group)
	g.Go(func() error {
		return cl.UidFetch(seqset, items, msgs)
	})
	for m := range msgs {
		r := m.GetBody(section)
		if r == nil {
			out = append(out, message.Raw{
				Sequence: uint64(m.Uid),
				Err:      errors.Errorf("server returned no body for UID %d", m.Uid),
			})
			continue
		}
		b, err := io.ReadAll(r)
		if err != nil {
			out = append(out, message.Raw{Sequence: uint64(m.Uid), Err: err})
			continue
		}
		out = append(out, email.Parse(uint64(m.Uid), b))
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "imap fetch")
	}
	return out, nil
}

// Ack sets \Seen on items once the pipeline has committed them.
func (c *Channel) Ack(ctx context.Context, items []message.Raw) error {
	if !c.MarkRead || len(items) == 0 {
		return nil
	}
	seqset := new(imap.SeqSet)
	for _, it := range items {
		seqset.AddNum(uint32(it.Sequence))
	}
	cl, done, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer done()
	op := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := cl.UidStore(seqset, op, []interface{}{imap.SeenFlag}, nil); err != nil {
		return errors.Wrap(err, "marking messages read")
	}
	return nil
}
