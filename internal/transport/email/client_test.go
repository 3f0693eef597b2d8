package email

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUIDsSkipsLocalIDs(t *testing.T) {
	uids, err := parseUIDs([]string{"7", "local:abc", "42"})
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{7, 42}, uids)
}

func TestParseUIDsRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "0", "x1", "-3", "4294967296"} {
		_, err := parseUIDs([]string{in})
		assert.Error(t, err, in)
	}
}

func TestFormatUIDs(t *testing.T) {
	assert.Equal(t, []string{"1", "4294967295"}, formatUIDs([]imap.UID{1, 4294967295}))
	assert.Empty(t, formatUIDs(nil))
}

func TestAuthErrorUnwraps(t *testing.T) {
	err := error(&AuthError{Username: "me@example.com", Err: assert.AnError})
	assert.True(t, IsAuthError(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "me@example.com")
}
