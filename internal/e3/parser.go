package e3

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Parse reads the header block of a raw message and decodes its E3
// headers. It fails only when the header block itself is unreadable; a
// message without E3 headers parses to an empty KeyEmail.
func Parse(r io.Reader) (*KeyEmail, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	return ParseHeader(h), nil
}

// ParseHeader decodes the E3 headers of an already parsed header block.
func ParseHeader(h textproto.Header) *KeyEmail {
	k := &KeyEmail{
		Present:          presentE3Headers(h),
		CanonicalHeaders: Canonicalize(h),
	}

	k.Name = firstValue(h, HeaderName)
	k.UID = firstValue(h, HeaderUID)
	k.Timestamp = firstValue(h, HeaderTimestamp)
	k.Verification = firstValue(h, HeaderVerification)
	k.Digest = firstValue(h, HeaderDigest)

	if rt := firstValue(h, HeaderResponseTo); rt != "" {
		for _, d := range strings.Split(rt, DigestDelimiter) {
			if d = strings.TrimSpace(d); d != "" {
				k.ResponseTo = append(k.ResponseTo, d)
			}
		}
	}

	for _, v := range h.Values(HeaderKeys) {
		key, err := UnfoldBase64(v)
		if err != nil {
			k.Malformed = append(k.Malformed, &MalformedHeaderError{
				Header: HeaderKeys, Value: v, Err: err,
			})
			continue
		}
		if !containsBytes(k.PublicKeys, key) {
			k.PublicKeys = append(k.PublicKeys, key)
		}
	}

	for _, v := range h.Values(HeaderDelete) {
		id, err := ParseKeyID(v)
		if err != nil {
			k.Malformed = append(k.Malformed, &MalformedHeaderError{
				Header: HeaderDelete, Value: v, Err: err,
			})
			continue
		}
		if !slices.Contains(k.DeletedKeyIDs, id) {
			k.DeletedKeyIDs = append(k.DeletedKeyIDs, id)
		}
	}

	if h.Has(HeaderSignature) {
		v := h.Get(HeaderSignature)
		sig, err := UnfoldBase64(v)
		if err != nil || len(sig) == 0 {
			if err == nil {
				err = fmt.Errorf("empty signature")
			}
			k.Malformed = append(k.Malformed, &MalformedHeaderError{
				Header: HeaderSignature, Value: v, Err: err,
			})
		} else {
			k.Signature = sig
		}
	}

	return k
}

// presentE3Headers collects the upper-case names of all E3 headers.
func presentE3Headers(h textproto.Header) map[string]bool {
	present := make(map[string]bool)
	fields := h.Fields()
	for fields.Next() {
		name := strings.ToUpper(fields.Key())
		if strings.HasPrefix(name, HeaderPrefix) {
			present[name] = true
		}
	}
	return present
}

func firstValue(h textproto.Header, name string) string {
	values := h.Values(name)
	if len(values) == 0 {
		return ""
	}
	return unfoldValue(values[0])
}

// unfoldValue collapses folding and whitespace runs in a parsed header
// value and trims its ends.
func unfoldValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func containsBytes(list [][]byte, b []byte) bool {
	return slices.ContainsFunc(list, func(item []byte) bool {
		return bytes.Equal(item, b)
	})
}
