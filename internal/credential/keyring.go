package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/nhle/e3mail/internal/e3"
)

const serviceName = "e3mail"

// ErrNotFound is returned when no credential is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes secrets by key.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// IMAPKey is the keyring item holding an account's IMAP password.
func IMAPKey(accountID string) string { return "imap-" + accountID }

// PassphraseKey is the keyring item holding the passphrase of an E3 key.
func PassphraseKey(keyID e3.KeyID) string { return "pgp-" + keyID.String() }

// Keyring stores credentials in the system keyring.
type Keyring struct {
	config keyring.Config
	ring   keyring.Keyring
}

// NewKeyring returns a Keyring backed by the platform keychain, falling
// back to an encrypted file under dir.
func NewKeyring(dir string) *Keyring {
	return &Keyring{config: keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("e3mail-file-key"),
		KeychainTrustApplication: true,
	}}
}

// NewKeyringFrom wraps an already opened keyring.
func NewKeyringFrom(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

// openKeyring returns a configured keyring instance.
func (k *Keyring) openKeyring() (keyring.Keyring, error) {
	if k.ring != nil {
		return k.ring, nil
	}
	ring, err := keyring.Open(k.config)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func (k *Keyring) Get(key string) (string, error) {
	ring, err := k.openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func (k *Keyring) Set(key string, value string) error {
	ring, err := k.openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func (k *Keyring) Delete(key string) error {
	ring, err := k.openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// Passphrases returns a lookup for E3 key passphrases held in s. A key
// without a stored passphrase is treated as unprotected.
func Passphrases(s Store) func(e3.KeyID) ([]byte, error) {
	return func(id e3.KeyID) ([]byte, error) {
		pass, err := s.Get(PassphraseKey(id))
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []byte(pass), nil
	}
}
