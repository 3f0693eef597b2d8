package e3

import (
	"bufio"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readHeader(t *testing.T, lines ...string) textproto.Header {
	t.Helper()
	raw := strings.Join(lines, "\r\n") + "\r\n\r\nbody\r\n"
	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	return h
}

func TestCanonicalizeIgnoresFieldOrder(t *testing.T) {
	a := readHeader(t,
		"Subject: hello",
		"X-E3-NAME: Phone",
		"X-E3-TIMESTAMP: 1700000000000",
		"X-E3-KEYS: first",
		"X-E3-UID: acc-1",
		"X-E3-KEYS: second",
	)
	b := readHeader(t,
		"X-E3-UID: acc-1",
		"X-E3-KEYS: first",
		"x-e3-timestamp: 1700000000000",
		"X-E3-KEYS: second",
		"From: someone@example.com",
		"X-E3-Name: Phone",
	)

	assert.Equal(t, Canonicalize(a), Canonicalize(b))
	assert.Equal(t, "firstsecondPhone1700000000000acc-1", Canonicalize(a))
}

func TestCanonicalizePreservesValueOrderWithinName(t *testing.T) {
	a := readHeader(t, "X-E3-KEYS: first", "X-E3-KEYS: second")
	b := readHeader(t, "X-E3-KEYS: second", "X-E3-KEYS: first")

	assert.NotEqual(t, Canonicalize(a), Canonicalize(b))
}

func TestCanonicalizeExcludesSignatureAndForeignHeaders(t *testing.T) {
	withSig := readHeader(t,
		"X-E3-NAME: Phone",
		"X-E3-SIGNATURE: c2ln",
		"X-Other: ignored",
	)
	without := readHeader(t, "X-E3-NAME: Phone")

	assert.Equal(t, Canonicalize(without), Canonicalize(withSig))
	assert.Equal(t, "Phone", Canonicalize(withSig))
}

func TestCanonicalizeUnfoldsContinuationLines(t *testing.T) {
	folded := readHeader(t,
		"X-E3-KEYS: AAAA",
		" BBBB",
		"\tCCCC",
	)
	flat := readHeader(t, "X-E3-KEYS: AAAA BBBB\tCCCC")

	assert.Equal(t, "AAAA BBBB\tCCCC", Canonicalize(folded))
	assert.Equal(t, Canonicalize(flat), Canonicalize(folded))
}

func TestCanonicalizeKeepsInteriorWhitespace(t *testing.T) {
	h := readHeader(t,
		"X-E3-VERIFICATION: alpha\tbravo",
		"X-E3-NAME: Alice  Smith ",
	)

	assert.Equal(t, "Alice  Smith alpha\tbravo", Canonicalize(h))
	assert.NotEqual(t, Canonicalize(readHeader(t, "X-E3-NAME: Alice Smith")), Canonicalize(h))
}

func TestCanonicalizeMatchesAfterWrite(t *testing.T) {
	var h textproto.Header
	h.Set(HeaderName, "Alice  Smith")
	h.Set(HeaderKeys, FoldBase64([]byte(strings.Repeat("public key material ", 20))))
	before := Canonicalize(h)

	var buf strings.Builder
	require.NoError(t, textproto.WriteHeader(&buf, h))
	parsed, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(buf.String())))
	require.NoError(t, err)

	assert.Equal(t, before, Canonicalize(parsed))
}

func TestFoldRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("public key material ", 20))

	folded := FoldBase64(payload)
	for _, chunk := range strings.Fields(folded) {
		assert.LessOrEqual(t, len(chunk), headerLineLength)
	}

	got, err := UnfoldBase64("\r\n " + strings.ReplaceAll(folded, " ", "\r\n "))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestParseKeyID(t *testing.T) {
	id, err := ParseKeyID("0x00000000DEADBEEF")
	require.NoError(t, err)
	assert.Equal(t, KeyID(0xdeadbeef), id)
	assert.Equal(t, "00000000deadbeef", id.String())

	_, err = ParseKeyID("3735928559")
	assert.Error(t, err)
}

func TestParseMessageWithoutE3Headers(t *testing.T) {
	raw := "From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

	k, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)
	assert.True(t, k.IsEmpty())
	assert.Empty(t, k.PublicKeys)
	assert.Empty(t, k.DeletedKeyIDs)
	assert.Nil(t, k.Signature)
	assert.Equal(t, "", k.CanonicalHeaders)
}

func TestParseKeyEmail(t *testing.T) {
	key1 := FoldBase64([]byte("key-one"))
	key2 := FoldBase64([]byte("key-two"))
	sig := FoldBase64([]byte("-----BEGIN PGP SIGNATURE-----"))

	raw := strings.Join([]string{
		"X-E3-NAME: Laptop",
		"X-E3-UID: acc-2",
		"X-E3-TIMESTAMP: 1700000000000",
		"X-E3-VERIFICATION: apple banana cherry",
		"X-E3-DIGEST: ABCD 1234",
		"X-E3-RESPONSE-TO: d1, d2",
		"X-E3-KEYS: " + key1,
		"X-E3-KEYS: " + key2,
		"X-E3-KEYS: " + key1,
		"X-E3-SIGNATURE: " + sig,
		"",
		"body",
	}, "\r\n")

	k, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, [][]byte{[]byte("key-one"), []byte("key-two")}, k.PublicKeys)
	assert.Equal(t, []byte("-----BEGIN PGP SIGNATURE-----"), k.Signature)
	assert.Equal(t, "Laptop", k.Name)
	assert.Equal(t, "acc-2", k.UID)
	assert.Equal(t, []string{"d1", "d2"}, k.ResponseTo)
	assert.True(t, k.Has("x-e3-verification"))
	assert.False(t, k.IsDelete())
	assert.NotContains(t, k.CanonicalHeaders, sig)
	assert.Empty(t, k.Malformed)

	again, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)
	assert.True(t, k.Equal(again))
	assert.Equal(t, k.CanonicalHeaders, again.CanonicalHeaders)
}

func TestParseDropsMalformedValues(t *testing.T) {
	raw := strings.Join([]string{
		"X-E3-NAME: Laptop",
		"X-E3-DELETE: 00000000000000ff",
		"X-E3-DELETE: 255",
		"X-E3-KEYS: !!!not base64!!!",
		"X-E3-SIGNATURE: ###",
		"",
		"",
	}, "\r\n")

	k, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, []KeyID{0xff}, k.DeletedKeyIDs)
	assert.Empty(t, k.PublicKeys)
	assert.Nil(t, k.Signature)
	assert.True(t, k.IsDelete())
	require.Len(t, k.Malformed, 3)
	for _, m := range k.Malformed {
		assert.True(t, IsMalformedHeader(m))
	}
}

func TestCreatedAt(t *testing.T) {
	k := &KeyEmail{Timestamp: "1700000000123"}
	ts, err := k.CreatedAt()
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), ts.UnixMilli())

	_, err = (&KeyEmail{Timestamp: "yesterday"}).CreatedAt()
	assert.Error(t, err)
}
