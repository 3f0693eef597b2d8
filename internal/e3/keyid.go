package e3

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyID is a 64-bit OpenPGP key id. It is the only revocation identity
// carried by X-E3-DELETE headers; on the wire it is written as 16
// lowercase hex digits.
type KeyID uint64

// String returns the wire form of the key id.
func (id KeyID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// ParseKeyID parses the wire form of a key id. Exactly 16 hex digits are
// accepted, with an optional 0x prefix; case is ignored.
func ParseKeyID(s string) (KeyID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 16 {
		return 0, fmt.Errorf("key id %q: want 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("key id %q: %w", s, err)
	}
	return KeyID(v), nil
}
