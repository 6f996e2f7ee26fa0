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
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mxzinke/atlas/internal/config"
	"github.com/mxzinke/atlas/internal/httpapi"
	"github.com/mxzinke/atlas/internal/ledger"
	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/persist"
	"github.com/mxzinke/atlas/internal/status"
)

// flags parses a subcommand's arguments and checks the positional
// count.
func flags(name string, args []string, nargs int, usage string, setup func(*flag.FlagSet)) (*flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if setup != nil {
		setup(fs)
	}
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s %s\n", name, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != nargs {
		fs.Usage()
		return nil, errors.Errorf("%s takes %d arguments", name, nargs)
	}
	return fs, nil
}

func cmdPoll(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	var once bool
	var channel string
	if _, err := flags("poll", args, 0, "[-once] [-channel c]", func(fs *flag.FlagSet) {
		fs.BoolVar(&once, "once", false, "run one pass per account and exit")
		fs.StringVar(&channel, "channel", "", "poll only this channel")
	}); err != nil {
		return err
	}
	e, err := open(ctx, cfg, log, channel, true)
	if err != nil {
		return err
	}
	defer e.Close()

	if once {
		for _, a := range e.accounts {
			res, err := a.pipeline.RunPass(ctx)
			if err != nil {
				return errors.Wrapf(err, "%s pass", a.name)
			}
			fmt.Printf("%s: %d processed, %d skipped, %d blocked, %d malformed, cursor %d\n",
				a.name, res.Processed, res.Skipped, res.Blocked, res.Malformed, res.Cursor)
		}
		return nil
	}
	return e.loop(ctx, nil)
}

// loop polls every account until ctx is done.  extra, when set, runs
// alongside and its failure stops the loops.
func (e *env) loop(ctx context.Context, extra func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range e.accounts {
		a := a
		g.Go(func() error {
			return a.pipeline.Loop(ctx, a.interval.Duration())
		})
	}
	if extra != nil {
		g.Go(func() error { return extra(ctx) })
	}
	return g.Wait()
}

func cmdServe(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	var channel string
	if _, err := flags("serve", args, 0, "[-channel c]", func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "", "poll only this channel")
	}); err != nil {
		return err
	}
	e, err := open(ctx, cfg, log, channel, true)
	if err != nil {
		return err
	}
	defer e.Close()

	api := &httpapi.Server{Stores: map[string]httpapi.Store{}, Inbox: e.inbox, Marker: e.marker, Log: log}
	for _, a := range e.accounts {
		api.Stores[a.name] = a.db
	}
	srv := &http.Server{Addr: cfg.Listen, Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}

	return e.loop(ctx, func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() {
			log.Info("serving admin API", zap.String("addr", cfg.Listen))
			errc <- srv.ListenAndServe()
		}()
		select {
		case err := <-errc:
			return errors.Wrap(err, "admin API")
		case <-ctx.Done():
		}
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
}

func cmdSend(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	var channel, subject string
	fs, err := flags("send", args, 2, "[-channel c] [-subject s] <to> <body>", func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "", "channel to send on")
		fs.StringVar(&subject, "subject", "", "subject line")
	})
	if err != nil {
		return err
	}
	text, err := body(fs.Arg(1))
	if err != nil {
		return err
	}
	e, err := open(ctx, cfg, log, channel, false)
	if err != nil {
		return err
	}
	defer e.Close()
	a, err := e.account(channel)
	if err != nil {
		return err
	}

	snap, _, err := a.composer.Start(ctx, a.sender, fs.Arg(0), subject, text)
	if err != nil {
		return err
	}
	fmt.Printf("Sent to %s (conversation=%s)\n", fs.Arg(0), snap.ConversationID)
	return nil
}

func cmdReply(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	var channel string
	fs, err := flags("reply", args, 2, "[-channel c] <conversation> <body>", func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "", "channel of the conversation")
	})
	if err != nil {
		return err
	}
	text, err := body(fs.Arg(1))
	if err != nil {
		return err
	}
	e, err := open(ctx, cfg, log, channel, false)
	if err != nil {
		return err
	}
	defer e.Close()
	a, err := e.account(channel)
	if err != nil {
		return err
	}

	_, d, err := a.composer.Reply(ctx, a.sender, fs.Arg(0), text)
	if err != nil {
		return err
	}
	inReplyTo := d.InReplyTo
	if inReplyTo == "" {
		inReplyTo = "none"
	}
	fmt.Printf("Reply sent to %s (conversation=%s, mode=%s, In-Reply-To=%s)\n", d.To, d.ConversationID, d.Mode, inReplyTo)
	return nil
}

// store opens the account store for a read-only command.
func store(ctx context.Context, cfg *config.Config, log *logger.Logger, channel string) (*env, *account, error) {
	e, err := open(ctx, cfg, log, channel, false)
	if err != nil {
		return nil, nil, err
	}
	a, err := e.account(channel)
	if err != nil {
		e.Close()
		return nil, nil, err
	}
	return e, a, nil
}

func cmdThreads(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	var channel string
	var limit int
	if _, err := flags("threads", args, 0, "[-channel c] [-limit n]", func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "", "channel to list")
		fs.IntVar(&limit, "limit", 20, "maximum number of conversations")
	}); err != nil {
		return err
	}
	e, a, err := store(ctx, cfg, log, channel)
	if err != nil {
		return err
	}
	defer e.Close()

	convs, err := ledger.List(ctx, a.db, limit)
	if err != nil {
		return err
	}
	return status.Threads(os.Stdout, convs, time.Now())
}

func cmdThread(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	var channel string
	fs, err := flags("thread", args, 1, "[-channel c] <conversation>", func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "", "channel of the conversation")
	})
	if err != nil {
		return err
	}
	e, a, err := store(ctx, cfg, log, channel)
	if err != nil {
		return err
	}
	defer e.Close()

	id := fs.Arg(0)
	snap, err := ledger.Get(ctx, a.db, id)
	if err == ledger.ErrNotFound {
		return errors.Errorf("conversation %s not found", id)
	}
	if err != nil {
		return err
	}
	msgs, err := a.db.Messages(ctx, id, 0)
	if err != nil {
		return err
	}
	return status.Thread(os.Stdout, snap, msgs)
}

func cmdContacts(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	var channel string
	var limit int
	if _, err := flags("contacts", args, 0, "[-channel c] [-limit n]", func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "signal", "channel to list")
		fs.IntVar(&limit, "limit", 20, "maximum number of contacts")
	}); err != nil {
		return err
	}
	e, a, err := store(ctx, cfg, log, channel)
	if err != nil {
		return err
	}
	defer e.Close()

	contacts, err := a.db.Contacts(ctx)
	if err != nil {
		return err
	}
	if limit > 0 && len(contacts) > limit {
		contacts = contacts[:limit]
	}
	return status.Contacts(os.Stdout, contacts, time.Now())
}

func cmdHistory(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	var channel string
	var limit int
	fs, err := flags("history", args, 1, "[-channel c] [-limit n] <contact>", func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "signal", "channel of the contact")
		fs.IntVar(&limit, "limit", 20, "maximum number of messages")
	})
	if err != nil {
		return err
	}
	e, a, err := store(ctx, cfg, log, channel)
	if err != nil {
		return err
	}
	defer e.Close()

	id := fs.Arg(0)
	c, err := a.db.Contact(ctx, id)
	if err == persist.ErrNoRow {
		return errors.Errorf("contact or group %s not found", id)
	}
	if err != nil {
		return err
	}
	msgs, err := a.db.Messages(ctx, id, limit)
	if err != nil {
		return err
	}
	return status.History(os.Stdout, c, msgs, time.Now())
}

// cmdWatch is the fallback consumer: it prints the pending inbox each
// time a pass records something.
func cmdWatch(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	var limit int
	if _, err := flags("watch", args, 0, "[-limit n]", func(fs *flag.FlagSet) {
		fs.IntVar(&limit, "limit", 20, "maximum number of entries shown")
	}); err != nil {
		return err
	}
	e, err := open(ctx, cfg, log, "", false)
	if err != nil {
		return err
	}
	defer e.Close()

	show := func(at time.Time) {
		pending, err := e.inbox.Pending(ctx, limit)
		if err != nil {
			log.Warn("reading pending inbox", zap.Error(err))
			return
		}
		fmt.Printf("[%s] %d pending\n", at.Local().Format(time.RFC3339), len(pending))
		for _, p := range pending {
			fmt.Printf("  #%d %s %s\n", p.ID, p.Channel, p.Sender)
		}
	}
	if last, err := e.marker.Last(); err == nil && !last.IsZero() {
		show(last)
	}
	return e.marker.Watch(ctx, log, show)
}

func cmdMigrate(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	if _, err := flags("migrate", args, 0, "", nil); err != nil {
		return err
	}
	e, a, err := store(ctx, cfg, log, "email")
	if err != nil {
		return err
	}
	defer e.Close()

	res := a.migration
	switch {
	case res == nil:
		fmt.Println("Nothing to migrate for this email provider.")
	case res.Done:
		fmt.Println("Already migrated.")
	default:
		fmt.Printf("Imported %d conversations (%d already present, %d invalid files), cursor %d\n",
			res.Imported, res.Existing, res.Invalid, res.Cursor)
	}
	return nil
}
