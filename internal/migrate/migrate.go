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

// Package migrate imports the email state kept before account stores
// existed: one JSON file per thread and a file holding the last IMAP
// UID.  It runs once per store.
package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/persist"
)

// StateKey marks a store as migrated.
const StateKey = "legacy_migrated"

const threadSchemaURL = "legacy-thread.json"

const threadSchema = `{
  "type": "object",
  "properties": {
    "thread_id":        {"type": "string"},
    "subject":          {"type": "string"},
    "last_message_id":  {"type": "string"},
    "references":       {"type": "array", "items": {"type": "string"}},
    "last_sender":      {"type": "string"},
    "last_sender_full": {"type": "string"},
    "participants":     {"type": "array", "items": {"type": "string"}},
    "updated_at":       {"type": "string"}
  }
}`

// thread is one legacy thread file.
type thread struct {
	ThreadID       string   `json:"thread_id"`
	Subject        string   `json:"subject"`
	LastMessageID  string   `json:"last_message_id"`
	References     []string `json:"references"`
	LastSender     string   `json:"last_sender"`
	LastSenderFull string   `json:"last_sender_full"`
	Participants   []string `json:"participants"`
	UpdatedAt      string   `json:"updated_at"`
}

// Source locates the legacy files.  Either may be missing.
type Source struct {
	ThreadsDir  string
	LastUIDFile string
}

// Result summarizes a run.
type Result struct {
	// Done is true when the store had already been migrated.
	Done bool

	Imported int
	Existing int
	Invalid  int

	// Cursor is the stored cursor after the run.
	Cursor uint64
}

var compiled *jsonschema.Schema

func schema() (*jsonschema.Schema, error) {
	if compiled != nil {
		return compiled, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(threadSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(threadSchemaURL, doc); err != nil {
		return nil, err
	}
	s, err := c.Compile(threadSchemaURL)
	if err != nil {
		return nil, err
	}
	compiled = s
	return s, nil
}

// Run imports src into db unless db is already marked.  Thread files
// that fail to parse or validate are skipped.  Existing conversations
// are never overwritten, and the cursor under cursorKey only moves
// forward.
func Run(ctx context.Context, db *persist.DB, src Source, cursorKey string, log *logger.Logger) (Result, error) {
	var res Result
	if _, done, err := db.State(ctx, StateKey); err != nil {
		return res, err
	} else if done {
		res.Done = true
		return res, nil
	}

	sch, err := schema()
	if err != nil {
		return res, errors.Wrap(err, "compiling legacy thread schema")
	}
	threads, invalid := readThreads(src.ThreadsDir, sch, log)
	res.Invalid = invalid

	uid, err := readLastUID(src.LastUIDFile)
	if err != nil {
		log.Warn("ignoring legacy uid file", zap.String("path", src.LastUIDFile), zap.Error(err))
	}

	err = db.InTx(ctx, func(tx *persist.Tx) error {
		for _, th := range threads {
			at := parseUpdated(th.UpdatedAt)
			ok, err := tx.InsertConversationIfAbsent(ctx, &persist.Conversation{
				ID:                   th.ThreadID,
				Subject:              th.Subject,
				LastMessageID:        th.LastMessageID,
				References:           th.References,
				LastResponder:        th.LastSender,
				LastResponderDisplay: th.LastSenderFull,
				Participants:         sorted(th.Participants),
				CreatedAt:            at,
				UpdatedAt:            at,
			})
			if err != nil {
				return err
			}
			if ok {
				res.Imported++
			} else {
				res.Existing++
			}
		}

		cur, err := tx.Cursor(ctx, cursorKey)
		if err != nil {
			return err
		}
		if uid > cur {
			if err := tx.WriteCursor(ctx, cursorKey, uid); err != nil {
				return err
			}
			cur = uid
		}
		res.Cursor = cur
		return tx.SetState(ctx, StateKey, "1")
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "legacy migration")
	}
	log.Info("legacy migration complete",
		zap.Int("imported", res.Imported),
		zap.Int("existing", res.Existing),
		zap.Int("invalid", res.Invalid),
		zap.Uint64("cursor", res.Cursor))
	return res, nil
}

// readThreads loads *.json under dir in name order.
func readThreads(dir string, sch *jsonschema.Schema, log *logger.Logger) ([]thread, int) {
	if dir == "" {
		return nil, 0
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, 0
	}
	sort.Strings(paths)

	var out []thread
	invalid := 0
	for _, p := range paths {
		th, err := readThread(p, sch)
		if err != nil {
			log.Warn("skipping legacy thread file", zap.String("path", p), zap.Error(err))
			invalid++
			continue
		}
		out = append(out, th)
	}
	return out, invalid
}

func readThread(path string, sch *jsonschema.Schema) (thread, error) {
	var th thread
	b, err := os.ReadFile(path)
	if err != nil {
		return th, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return th, err
	}
	if err := sch.Validate(inst); err != nil {
		return th, err
	}
	if err := json.Unmarshal(b, &th); err != nil {
		return th, err
	}
	if th.ThreadID == "" {
		th.ThreadID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return th, nil
}

func readLastUID(path string) (uint64, error) {
	if path == "" {
		return 0, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// parseUpdated reads the loosely formatted legacy timestamps.  Anything
// unreadable becomes now.
func parseUpdated(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now()
}

// sorted returns l sorted and without duplicates.
func sorted(l []string) []string {
	if len(l) == 0 {
		return nil
	}
	out := append([]string(nil), l...)
	sort.Strings(out)
	n := 1
	for _, s := range out[1:] {
		if s != out[n-1] {
			out[n] = s
			n++
		}
	}
	return out[:n]
}
