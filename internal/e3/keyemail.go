package e3

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// MalformedHeaderError reports an E3 header value that could not be
// decoded. It never fails a parse; the offending value is dropped.
type MalformedHeaderError struct {
	Header string
	Value  string
	Err    error
}

func (e *MalformedHeaderError) Error() string {
	return fmt.Sprintf("malformed %s header %q: %v", e.Header, truncate(e.Value, 32), e.Err)
}

func (e *MalformedHeaderError) Unwrap() error {
	return e.Err
}

// IsMalformedHeader reports whether err (or any error in its chain) is a
// MalformedHeaderError.
func IsMalformedHeader(err error) bool {
	var malformed *MalformedHeaderError
	return errors.As(err, &malformed)
}

// KeyEmail is the structural decoding of a message's E3 headers. It is
// immutable once parsed and carries no trust judgment.
type KeyEmail struct {
	// PublicKeys are the decoded X-E3-KEYS payloads, deduplicated, in
	// header order.
	PublicKeys [][]byte

	// DeletedKeyIDs are the decoded X-E3-DELETE revocations.
	DeletedKeyIDs []KeyID

	// CanonicalHeaders is the signing payload, see Canonicalize.
	CanonicalHeaders string

	// Signature is the decoded detached signature, nil when absent.
	Signature []byte

	Name         string
	UID          string
	Timestamp    string
	Verification string
	Digest       string
	ResponseTo   []string

	// Present holds the upper-case names of every E3 header found.
	Present map[string]bool

	// Malformed lists values that were dropped during decoding.
	Malformed []*MalformedHeaderError
}

// Has reports whether the named E3 header was present.
func (k *KeyEmail) Has(name string) bool {
	return k.Present[strings.ToUpper(name)]
}

// IsEmpty reports whether the message carried no E3 headers at all.
func (k *KeyEmail) IsEmpty() bool {
	return len(k.Present) == 0
}

// IsDelete reports whether this is a device delete (revocation) message.
func (k *KeyEmail) IsDelete() bool {
	return k.Has(HeaderDelete)
}

// CreatedAt parses the TIMESTAMP header (epoch milliseconds).
func (k *KeyEmail) CreatedAt() (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(k.Timestamp), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s %q: %w", HeaderTimestamp, k.Timestamp, err)
	}
	return time.UnixMilli(ms), nil
}

// Equal reports whether two parsed key emails carry identical content.
func (k *KeyEmail) Equal(other *KeyEmail) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.CanonicalHeaders == other.CanonicalHeaders &&
		bytes.Equal(k.Signature, other.Signature) &&
		slices.Equal(k.DeletedKeyIDs, other.DeletedKeyIDs) &&
		slices.EqualFunc(k.PublicKeys, other.PublicKeys, bytes.Equal)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
