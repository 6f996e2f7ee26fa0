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

// Package liveness maintains the marker file that tells consumers new
// inbox entries exist, independently of whether a handler was launched.
package liveness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/logger"
)

// Marker is a liveness marker file.  The file's content is the RFC 3339
// time of the most recent touch.
type Marker struct {
	Path string

	now func() time.Time
}

func New(path string) *Marker {
	return &Marker{Path: path, now: time.Now}
}

// Touch records the current time in the marker, creating its directory
// if needed.  The write goes through a rename so readers never see a
// partial timestamp.
func (m *Marker) Touch() error {
	if err := os.MkdirAll(filepath.Dir(m.Path), 0755); err != nil {
		return errors.Wrap(err, "liveness directory")
	}
	// Each touch has its own temporary file; account loops touch
	// concurrently.
	f, err := os.CreateTemp(filepath.Dir(m.Path), "."+filepath.Base(m.Path)+".*")
	if err != nil {
		return errors.Wrap(err, "writing liveness marker")
	}
	tmp := f.Name()
	stamp := m.now().UTC().Format(time.RFC3339) + "\n"
	_, err = f.WriteString(stamp)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0644)
	}
	if err == nil {
		err = os.Rename(tmp, m.Path)
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "writing liveness marker")
	}
	return nil
}

// Last returns the time recorded in the marker.  A missing marker
// yields the zero time and no error.  A marker written by an older
// writer may be empty; its modification time is used instead.
func (m *Marker) Last() (time.Time, error) {
	b, err := os.ReadFile(m.Path)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "reading liveness marker")
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(b))); err == nil {
		return t, nil
	}
	fi, err := os.Stat(m.Path)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "reading liveness marker")
	}
	return fi.ModTime(), nil
}

// Watch calls fn each time the marker is touched, until ctx is done.
// The parent directory is watched rather than the file so that the
// rename in Touch is observed.
func (m *Marker) Watch(ctx context.Context, log *logger.Logger, fn func(time.Time)) error {
	dir := filepath.Dir(m.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "liveness directory")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating liveness watcher")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}

	want := filepath.Clean(m.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			t, err := m.Last()
			if err != nil {
				log.Warn("liveness marker unreadable", zap.Error(err))
				continue
			}
			fn(t)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("liveness watcher", zap.Error(err))
		}
	}
}
