package model

import (
	"bufio"
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
)

// Flag constants used by the local message cache. The IMAP system flags
// keep their wire spelling so they can be pushed to the server as-is.
const (
	FlagSeen    = `\Seen`
	FlagDeleted = `\Deleted`

	// FlagE3 marks a locally cached message as E3 encrypted. It is a
	// local-only flag and is never sent to the server.
	FlagE3 = "$E3"

	// FlagKeyApplied marks a key email whose keys were already added or
	// deleted. Like FlagE3 it stays local.
	FlagKeyApplied = "$E3KeyApplied"
)

// IsLocalFlag reports whether flag exists only in the local cache.
func IsLocalFlag(flag string) bool {
	return flag == FlagE3 || flag == FlagKeyApplied
}

// LocalUIDPrefix marks messages that exist only in the local cache and
// have not yet been assigned a server UID.
const LocalUIDPrefix = "local:"

// Message is a raw RFC 5322 message held in the local cache.
type Message struct {
	// AccountID is the owning account identifier.
	AccountID string `json:"account_id" db:"account_id"`

	// Folder is the server-side mailbox name (e.g., INBOX, Trash).
	Folder string `json:"folder" db:"folder"`

	// UID is the server UID, or a LocalUIDPrefix id for local-only copies.
	UID string `json:"uid" db:"uid"`

	// Raw holds the full message: header block, blank line, body.
	Raw []byte `json:"-" db:"raw"`

	// Flags holds IMAP and local flags currently set on the message.
	Flags []string `json:"flags" db:"-"`

	// InternalDate is when the server (or local cache) received the message.
	InternalDate time.Time `json:"internal_date" db:"internal_date"`
}

// IsLocal reports whether the message has not been uploaded yet.
func (m *Message) IsLocal() bool {
	return strings.HasPrefix(m.UID, LocalUIDPrefix)
}

// HasFlag reports whether flag is set on the message.
func (m *Message) HasFlag(flag string) bool {
	return slices.Contains(m.Flags, flag)
}

// SetFlag adds or removes a flag, keeping the flag list free of duplicates.
func (m *Message) SetFlag(flag string, state bool) {
	idx := slices.Index(m.Flags, flag)
	switch {
	case state && idx < 0:
		m.Flags = append(m.Flags, flag)
	case !state && idx >= 0:
		m.Flags = slices.Delete(m.Flags, idx, idx+1)
	}
}

// Header parses the header block of the raw message.
func (m *Message) Header() (textproto.Header, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(m.Raw)))
	if err != nil {
		return textproto.Header{}, fmt.Errorf("reading header of message %s: %w", m.UID, err)
	}
	return h, nil
}

// HasHeader reports whether the message carries a header field with the
// given name. Unparsable messages report false.
func (m *Message) HasHeader(name string) bool {
	h, err := m.Header()
	if err != nil {
		return false
	}
	return h.Has(name)
}

// Subject returns the Subject header, or an empty string.
func (m *Message) Subject() string {
	h, err := m.Header()
	if err != nil {
		return ""
	}
	return h.Get("Subject")
}
