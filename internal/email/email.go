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

// Package email holds what every mail transport shares: decoding
// fetched messages, the ingest rules for mail, and building and
// submitting outbound messages.
package email

import (
	"fmt"
	"strings"

	"github.com/mxzinke/atlas/internal/ingest"
	"github.com/mxzinke/atlas/internal/message"
	"github.com/mxzinke/atlas/internal/threadid"
)

// ChannelName is the channel name of all mail transports.
const ChannelName = "email"

// Rules implements the transport independent half of ingest.Channel
// for mail.  Transports embed it and add Fetch.
type Rules struct {
	Allow ingest.AllowList
}

func (Rules) Name() string { return ChannelName }

// Allowed matches the sender address against the allow-list.
func (r Rules) Allowed(raw message.Raw) bool {
	return r.Allow.Match(raw.Sender)
}

// Classify threads mail by its headers.
func (r Rules) Classify(raw message.Raw) ingest.Classification {
	sender := raw.SenderDisplay
	if sender == "" {
		sender = raw.Sender
	}
	return ingest.Classification{
		ConversationID: threadid.Resolve(ChannelName, raw.Headers),
		InboxSender:    sender,
		InboxContent:   InboxContent(sender, raw),
	}
}

// InboxContent renders a message for the unified inbox.
func InboxContent(sender string, raw message.Raw) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\nSubject: %s\n\n%s", sender, raw.Headers.Subject,
		message.Truncate(raw.Body, message.PayloadBodyLimit))
	if len(raw.Attachments) > 0 {
		b.WriteString("\n\nAttachments:")
		for _, a := range raw.Attachments {
			fmt.Fprintf(&b, "\n  - %s (%s, %d bytes)", a.Filename, a.ContentType, a.Size)
		}
	}
	return b.String()
}
