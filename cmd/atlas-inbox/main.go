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

// The atlas-inbox command polls the configured email and relay
// accounts, threads what arrives into per-account stores, hands each
// message to the unified inbox and a handler, and sends replies.
//
// Usage:
//
//	atlas-inbox [flags] <command> [arguments]
//
// The commands are:
//
//	poll [-once] [-channel c]          poll accounts until interrupted
//	serve [-channel c]                 poll and serve the admin HTTP API
//	send [-channel c] [-subject s] <to> <body>
//	reply [-channel c] <conversation> <body>
//	threads [-channel c] [-limit n]    list conversations
//	thread [-channel c] <conversation> show a conversation
//	contacts [-channel c]              list relay contacts and groups
//	history [-channel c] [-limit n] <contact>
//	watch                              report pending inbox entries on each ingest
//	migrate                            import legacy email state
//
// A body of "-" is read from standard input.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/mxzinke/atlas/internal/config"
	"github.com/mxzinke/atlas/internal/logger"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagConfig  = flag.String("config", config.Path(), "configuration file")
	flagEnvFile = flag.String("env", ".env", "optional dotenv file")
	flagTrace   = flag.Bool("T", false, "log Gmail API traffic")
	flagVerbose = flag.Bool("v", false, "debug logging")
)

// command runs one subcommand with its own arguments.
type command func(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error

var commands = map[string]command{
	"poll":     cmdPoll,
	"serve":    cmdServe,
	"send":     cmdSend,
	"reply":    cmdReply,
	"threads":  cmdThreads,
	"thread":   cmdThread,
	"contacts": cmdContacts,
	"history":  cmdHistory,
	"watch":    cmdWatch,
	"migrate":  cmdMigrate,
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <command> [arguments]\n\n", os.Args[0])
	fmt.Fprintln(flag.CommandLine.Output(), "commands: poll serve send reply threads thread contacts history watch migrate")
	flag.PrintDefaults()
}

func run(ctx context.Context) error {
	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errors.New("no command given")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage()
		return errors.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.Load(*flagConfig, *flagEnvFile)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}
	level := cfg.LogLevel
	if *flagVerbose {
		level = "debug"
	}
	log, err := logger.New(level)
	if err != nil {
		return errors.Wrap(err, "unable to initialize logging")
	}
	defer log.Sync()
	logger.SetGlobal(log)

	return cmd(ctx, cfg, log, args[1:])
}

func main() {
	flag.Usage = usage
	flag.Parse()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// body returns s, or standard input when s is "-".
func body(s string) (string, error) {
	if s != "-" {
		return s, nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", errors.Wrap(err, "reading body from stdin")
	}
	return string(b), nil
}
