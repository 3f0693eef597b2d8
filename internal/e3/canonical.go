package e3

import (
	"sort"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Canonicalize returns the signing payload of an E3 header set.
//
// Every field named with the X-E3- prefix (case-insensitive) except
// X-E3-SIGNATURE is selected. Field names are sorted by their upper-case
// form and, for each name, all values are appended in the order the
// message exposes them, without separators. Values are taken from the raw
// field: folds are undone by dropping the line break before the
// continuation whitespace, leading whitespace after the colon is dropped,
// and every other byte is kept. Message-level field order never matters.
func Canonicalize(h textproto.Header) string {
	values := make(map[string][]string)

	fields := h.Fields()
	for fields.Next() {
		name := strings.ToUpper(fields.Key())
		if !strings.HasPrefix(name, HeaderPrefix) || name == HeaderSignature {
			continue
		}
		values[name] = append(values[name], rawValue(fields))
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		// go-message iterates fields top to bottom, matching arrival
		// order within a repeated name.
		for _, v := range values[name] {
			b.WriteString(v)
		}
	}

	return b.String()
}

var unfolder = strings.NewReplacer("\r\n ", " ", "\r\n\t", "\t", "\n ", " ", "\n\t", "\t")

// rawValue returns the unfolded value of the current field as it appears
// on the wire.
func rawValue(fields textproto.HeaderFields) string {
	raw, err := fields.Raw()
	if err != nil {
		return fields.Value()
	}
	v := string(raw)
	if i := strings.IndexByte(v, ':'); i >= 0 {
		v = v[i+1:]
	}
	v = strings.TrimSuffix(v, "\n")
	v = strings.TrimSuffix(v, "\r")
	return strings.TrimLeft(unfolder.Replace(v), " \t")
}
