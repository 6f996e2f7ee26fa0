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

package ingest

import "strings"

// AllowList is an optional sender filter.  An empty list accepts
// everyone.
//
// Entries compare case-insensitively.  An entry containing '@' matches
// that address only.  Any other entry matches an identifier equal to
// it, or an address in that domain or one of its subdomains.  A
// candidate is accepted as soon as one entry matches it, so listing a
// user and its domain together is the same as listing the domain.
type AllowList []string

// Match reports whether any of the candidate identifiers (address,
// phone number, group id) is accepted.
func (l AllowList) Match(candidates ...string) bool {
	if len(l) == 0 {
		return true
	}
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		for _, e := range l {
			if matchEntry(strings.ToLower(strings.TrimSpace(e)), c) {
				return true
			}
		}
	}
	return false
}

func matchEntry(entry, c string) bool {
	entry = strings.TrimPrefix(entry, "@")
	switch {
	case entry == "":
		return false
	case c == entry:
		return true
	case strings.Contains(entry, "@"):
		return false
	}
	at := strings.LastIndexByte(c, '@')
	if at < 0 {
		return false
	}
	domain := c[at+1:]
	return domain == entry || strings.HasSuffix(domain, "."+entry)
}
