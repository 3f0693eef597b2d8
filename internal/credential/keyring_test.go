package credential_test

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/e3mail/internal/credential"
	"github.com/nhle/e3mail/internal/e3"
)

func TestKeyringRoundTrip(t *testing.T) {
	k := credential.NewKeyringFrom(keyring.NewArrayKeyring(nil))

	_, err := k.Get(credential.IMAPKey("work"))
	assert.ErrorIs(t, err, credential.ErrNotFound)

	require.NoError(t, k.Set(credential.IMAPKey("work"), "hunter2"))
	got, err := k.Get("imap-work")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	require.NoError(t, k.Delete("imap-work"))
	_, err = k.Get("imap-work")
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestPassphrases(t *testing.T) {
	k := credential.NewKeyringFrom(keyring.NewArrayKeyring(nil))
	id := e3.KeyID(0x1a2b3c4d5e6f7081)
	require.NoError(t, k.Set(credential.PassphraseKey(id), "secret"))

	lookup := credential.Passphrases(k)
	pass, err := lookup(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pass)

	pass, err = lookup(e3.KeyID(1))
	require.NoError(t, err)
	assert.Nil(t, pass)
}

type brokenStore struct{}

func (brokenStore) Get(string) (string, error) { return "", errors.New("keychain locked") }
func (brokenStore) Set(string, string) error   { return nil }
func (brokenStore) Delete(string) error        { return nil }

func TestPassphrasesPropagatesFailures(t *testing.T) {
	_, err := credential.Passphrases(brokenStore{})(e3.KeyID(1))
	assert.EqualError(t, err, "keychain locked")
}
