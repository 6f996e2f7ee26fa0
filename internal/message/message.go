package message

// This file provides the common data objects used by the rest of the
// program.

import "time"

// Direction records whether a message was received or sent.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// Body size caps.  Stored copies keep more than what is handed to the
// inbox and to dispatch payloads.
const (
	StoredBodyLimit  = 8000
	PayloadBodyLimit = 4000
)

// Headers holds the protocol metadata needed for threading.  All
// identifiers are kept without angle brackets.
type Headers struct {
	// The message's own unique identifier (RFC 5322 Message-ID).
	MessageID string

	// The identifier of the message this one replies to.
	InReplyTo string

	// The declared thread history, oldest first.
	References []string

	// Free-form header values kept for payloads (Date, Subject...).
	Subject string
	Date    string
}

// Attachment describes an attachment found in an inbound message.  The
// content itself is not extracted.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Raw is one item returned by a channel fetch.
type Raw struct {
	// Transport assigned, monotonically increasing identifier
	// (IMAP UID, Gmail history ID, relay receive order).  Zero
	// means the transport gave no usable sequence; such items are
	// treated as malformed.
	Sequence uint64

	// Handle is the transport's own id for the item, used to
	// acknowledge it (the Gmail message id).  May be empty.
	Handle string

	Headers Headers

	// Sender address or relay identifier, normalized.
	Sender string

	// The full sender as displayed ("Alice <alice@x.com>").  May be
	// empty.
	SenderDisplay string

	Body string

	// Raw protocol bytes, when the transport delivers them.
	Bytes []byte

	Attachments []Attachment

	// Channel specific values copied verbatim into dispatch
	// payloads (group_id, sender_phone...).
	Extras map[string]string

	ReceivedAt time.Time

	// Set when the transport delivered something that could not be
	// decoded.  Such items are skipped but still advance the cursor.
	Err error
}

// Truncate caps s at n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
