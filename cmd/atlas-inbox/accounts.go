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

package main

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/archive"
	"github.com/mxzinke/atlas/internal/config"
	"github.com/mxzinke/atlas/internal/dispatch"
	"github.com/mxzinke/atlas/internal/email"
	"github.com/mxzinke/atlas/internal/gmail"
	"github.com/mxzinke/atlas/internal/gmailhttp"
	"github.com/mxzinke/atlas/internal/imapfetch"
	"github.com/mxzinke/atlas/internal/inbox"
	"github.com/mxzinke/atlas/internal/ingest"
	"github.com/mxzinke/atlas/internal/liveness"
	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/migrate"
	"github.com/mxzinke/atlas/internal/persist"
	"github.com/mxzinke/atlas/internal/reply"
	"github.com/mxzinke/atlas/internal/signal"
	"github.com/mxzinke/atlas/internal/tracehttp"
)

// account is one configured channel account with its store.
type account struct {
	name     string
	db       *persist.DB
	pipeline *ingest.Pipeline
	composer *reply.Composer
	sender   reply.Sender
	interval config.Interval

	// migration is the legacy import result, when one ran.
	migration *migrate.Result
}

// env holds what the commands share.
type env struct {
	cfg *config.Config
	log *logger.Logger

	inbox    *inbox.Store
	marker   *liveness.Marker
	fanout   *dispatch.Fanout
	closers  []func() error
	accounts []*account
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.log.Warn("close failed", zap.Error(err))
		}
	}
}

// open builds every enabled account.  When only is non-empty, other
// channels are skipped.  Handlers are launched only when live is set.
func open(ctx context.Context, cfg *config.Config, log *logger.Logger, only string, live bool) (*env, error) {
	e := &env{cfg: cfg, log: log, marker: liveness.New(cfg.WakeFile)}

	in, err := inbox.Open(ctx, cfg.InboxDB)
	if err != nil {
		return nil, err
	}
	e.inbox = in
	e.closers = append(e.closers, in.Close)

	var ds dispatch.Multi
	if live && cfg.Dispatch.Trigger != "" {
		ds = append(ds, &dispatch.Exec{
			Program:    cfg.Dispatch.Trigger,
			Timeout:    cfg.Dispatch.Timeout.Duration(),
			MaxRunning: cfg.Dispatch.MaxRunning,
			Log:        log,
		})
	}
	if live && cfg.Dispatch.NATSURL != "" {
		n, err := dispatch.ConnectNATS(cfg.Dispatch.NATSURL, cfg.Dispatch.NATSPrefix, log)
		if err != nil {
			e.Close()
			return nil, err
		}
		ds = append(ds, n)
		e.closers = append(e.closers, n.Close)
	}
	e.fanout = dispatch.NewFanout(ds, log)

	if cfg.Email.Enabled() && (only == "" || only == email.ChannelName) {
		a, err := e.emailAccount(ctx)
		if err != nil {
			e.Close()
			return nil, errors.Wrap(err, "email account")
		}
		e.accounts = append(e.accounts, a)
	}
	if cfg.Signal.Enabled() && (only == "" || only == signal.ChannelName) {
		a, err := e.signalAccount(ctx)
		if err != nil {
			e.Close()
			return nil, errors.Wrap(err, "signal account")
		}
		e.accounts = append(e.accounts, a)
	}
	if len(e.accounts) == 0 {
		e.Close()
		if only != "" {
			return nil, errors.Errorf("no %s account configured", only)
		}
		return nil, errors.New("no account configured; set the email or signal section in " + config.Path())
	}
	return e, nil
}

// account returns the account for channel, or the only one.
func (e *env) account(channel string) (*account, error) {
	if channel == "" && len(e.accounts) == 1 {
		return e.accounts[0], nil
	}
	if channel == "" {
		channel = email.ChannelName
	}
	for _, a := range e.accounts {
		if a.name == channel {
			return a, nil
		}
	}
	return nil, errors.Errorf("no %s account configured", channel)
}

func (e *env) openStore(ctx context.Context, channel, acct string) (*persist.DB, error) {
	db, err := persist.Open(ctx, e.cfg.AccountDB(channel, acct))
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, db.Close)
	return db, nil
}

func (e *env) pipeline(ch ingest.Channel, acct, handler string, db *persist.DB) *ingest.Pipeline {
	return &ingest.Pipeline{
		Channel: ch,
		Account: acct,
		Store:   db,
		Inbox:   e.inbox,
		Marker:  e.marker,
		Fanout:  e.fanout,
		Handler: handler,
		Log:     e.log,
	}
}

func (e *env) emailAccount(ctx context.Context) (*account, error) {
	c := e.cfg.Email
	log := e.log.ForAccount(email.ChannelName, c.Username)
	db, err := e.openStore(ctx, email.ChannelName, c.Username)
	if err != nil {
		return nil, err
	}
	rules := email.Rules{Allow: ingest.AllowList(c.Whitelist)}
	var tlsConfig *tls.Config
	if c.SkipVerify {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var (
		ch     ingest.Channel
		sender reply.Sender
	)
	switch c.Provider {
	case config.ProviderGmail:
		var base http.RoundTripper
		if *flagTrace {
			base = tracehttp.Wrap(nil, log)
		}
		client, err := gmailhttp.New(gmailhttp.Config{
			TokenCommand: c.Gmail.TokenCommand,
			User:         c.Username,
			Scopes:       []string{gmail.ModifyScope, gmail.SendScope},
			APIKey:       c.Gmail.APIKey,
		}, base)
		if err != nil {
			return nil, err
		}
		svc, err := gmail.New(ctx, client, log)
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize Gmail")
		}
		ch = &gmail.Channel{Rules: rules, Service: svc, MarkRead: c.ShouldMarkRead(), Log: log}
		sender = &gmail.Sender{Service: svc, From: c.From}
	default:
		ch = &imapfetch.Channel{
			Rules:     rules,
			Host:      c.IMAPHost,
			Port:      c.IMAPPort,
			Username:  c.Username,
			Password:  c.Password,
			Folder:    c.Folder,
			MarkRead:  c.ShouldMarkRead(),
			Insecure:  c.IMAPPlaintext,
			TLSConfig: tlsConfig,
			Log:       log,
		}
		sender = &email.SMTPSender{
			Host:      c.SMTPHost,
			Port:      c.SMTPPort,
			Security:  email.Security(c.SMTPSecurity),
			Username:  c.Username,
			Password:  c.Password,
			From:      c.From,
			TLSConfig: tlsConfig,
		}
	}

	p := e.pipeline(ch, c.Username, c.Handler, db)
	arch, err := archive.New(e.cfg.ArchiveDir, email.ChannelName+"-"+c.Username)
	if err != nil {
		log.Warn("raw archive disabled", zap.Error(err))
	} else {
		p.Archive = arch
	}

	// Legacy state carries IMAP UIDs, which mean nothing to Gmail.
	var migration *migrate.Result
	if c.Provider == config.ProviderIMAP {
		src := migrate.Source{ThreadsDir: e.cfg.Legacy.ThreadsDir, LastUIDFile: e.cfg.Legacy.LastUIDFile}
		res, err := migrate.Run(ctx, db, src, p.CursorKey(), log)
		if err != nil {
			return nil, err
		}
		migration = &res
	}

	return &account{
		name:      email.ChannelName,
		db:        db,
		pipeline:  p,
		composer:  &reply.Composer{Store: db, Self: c.From, Channel: email.ChannelName, Log: log},
		sender:    sender,
		interval:  c.PollInterval,
		migration: migration,
	}, nil
}

func (e *env) signalAccount(ctx context.Context) (*account, error) {
	c := e.cfg.Signal
	log := e.log.ForAccount(signal.ChannelName, c.Number)
	db, err := e.openStore(ctx, signal.ChannelName, c.Number)
	if err != nil {
		return nil, err
	}
	ch := &signal.Channel{
		Number:  c.Number,
		Command: c.Command,
		Allow:   ingest.AllowList(c.Whitelist),
		Log:     log,
	}
	return &account{
		name:     signal.ChannelName,
		db:       db,
		pipeline: e.pipeline(ch, c.Number, c.Handler, db),
		composer: &reply.Composer{
			Store:                 db,
			Self:                  c.Number,
			Channel:               signal.ChannelName,
			AddressByConversation: true,
			ContactKind:           signal.ContactKind,
			Log:                   log,
		},
		sender:   &signal.Sender{Number: c.Number, Command: c.Command},
		interval: c.PollInterval,
	}, nil
}
