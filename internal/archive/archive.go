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

// Package archive keeps the raw bytes of ingested messages in a
// directory farm, one file per message.
package archive

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	pathFarm16 = "abcdefghijklmnop"

	// farmDepth is the number of directory levels under the scope.
	farmDepth = 2
)

// Archive writes under root/<scope>/x/y/.
type Archive struct {
	path  string
	scope string
}

type path struct {
	root string
	dirs []string
	base string
}

func (p path) Join() string {
	parts := make([]string, 1, len(p.dirs)+2)
	parts[0] = p.root
	parts = append(parts, p.dirs...)
	parts = append(parts, p.base)
	return filepath.Join(parts...)
}

// New prepares the farm for scope, typically a channel and account
// such as "email-me@example.com".
func New(root, scope string) (*Archive, error) {
	if root == "" {
		return nil, errors.New("archive: no root directory")
	}
	if scope == "" {
		return nil, errors.New("archive: no scope")
	}
	a := &Archive{path: filepath.Join(root, escape(scope)), scope: scope}
	if err := os.MkdirAll(root, dirFileMode); err != nil {
		return nil, errors.Wrap(err, "creating archive root")
	}
	if err := mkdirfarm(a.path, farmDepth); err != nil {
		return nil, errors.Wrap(err, "creating archive farm")
	}
	return a, nil
}

// Has reports whether id was archived.
func (a *Archive) Has(id string) bool {
	_, err := os.Stat(a.makePath(id).Join())
	return err == nil
}

// Insert stores raw under id and returns the file path.  Line endings
// are normalized to \n.  An id that is already archived keeps its
// first copy.
func (a *Archive) Insert(ctx context.Context, id string, raw []byte) (string, error) {
	if id == "" {
		return "", errors.New("message has no ID")
	}
	if len(raw) == 0 {
		return "", errors.New("message has no content")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := a.makePath(id).Join()
	if a.Has(id) {
		return p, nil
	}

	// Write to a sibling and rename so readers never see a partial file.
	tmp := p + ".tmp"
	data := []byte(strings.ReplaceAll(string(raw), "\r\n", "\n"))
	if err := os.WriteFile(tmp, data, messageFileMode); err != nil {
		return "", errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, "renaming %s", tmp)
	}
	return p, nil
}

// basename holds the fields encoded into an archived file's name.
type basename struct {
	// scope is the account under which id is unique.
	scope string

	// id is the message's protocol id, e.g. its Message-ID.
	id string
}

// escape hex encodes every byte outside the portable filename set.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// shouldEscape reports whether c falls outside the alphanumeric subset
// of the POSIX portable filename character set.
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' {
		return false
	}
	return true
}

// encode returns "atlas-1-<scope>-<id>" with both fields escaped.
// The 1 is the encoding version.
func (b basename) encode() string {
	var sb strings.Builder
	const prefix = "atlas-1-"
	sb.Grow(len(prefix) + len(b.scope) + len(b.id) + 1)
	sb.WriteString(prefix)
	sb.WriteString(escape(b.scope))
	sb.WriteRune('-')
	sb.WriteString(escape(b.id))
	return sb.String()
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func mkdirfarm(path string, depth int) error {
	if err := mkdir(path); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}

	for i := 0; i < len(pathFarm16); i++ {
		path := filepath.Join(path, pathFarm16[i:i+1])
		if err := mkdirfarm(path, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func fingerprint(b []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(b)
	return hash.Sum32()
}

func pathParts(id string) []string {
	fp := fingerprint([]byte(id))
	nibble1 := fp & 0xf
	nibble2 := (fp >> 4) & 0xf
	return []string{pathFarm16[nibble1 : nibble1+1], pathFarm16[nibble2 : nibble2+1]}
}

func (a *Archive) makePath(id string) path {
	return path{
		root: a.path,
		dirs: pathParts(id),
		base: basename{scope: a.scope, id: id}.encode(),
	}
}
