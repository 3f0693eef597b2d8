// Package oracle defines the signing/decryption oracle: the external
// capability that performs every private-key operation on behalf of the
// E3 protocol.
package oracle

import (
	"context"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/model"
)

// Confidence is the oracle's three-way signature verdict.
type Confidence int

const (
	// ConfidenceInvalid means the signature did not verify against any
	// known key.
	ConfidenceInvalid Confidence = iota

	// ConfidenceUnconfirmed means the signature is valid but the signing
	// key was never confirmed by verification phrase.
	ConfidenceUnconfirmed

	// ConfidenceConfirmed means the signature is valid and the signing
	// key is confirmed.
	ConfidenceConfirmed
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceConfirmed:
		return "confirmed"
	case ConfidenceUnconfirmed:
		return "unconfirmed"
	default:
		return "invalid"
	}
}

// KeyInfo identifies an encrypt-on-receipt key known to the oracle.
type KeyInfo struct {
	ID   e3.KeyID
	Name string
}

// Fingerprint is the printable fingerprint of a key.
type Fingerprint struct {
	Hex string
}

// KeyResult is the ephemeral bundle returned by GetKey. It is consumed
// immediately to build outgoing key or delete messages.
type KeyResult struct {
	KeyID       e3.KeyID
	Key         []byte
	Identity    string
	Fingerprint *Fingerprint
}

// Oracle is the capability interface of the signing/decryption oracle.
type Oracle interface {
	// Sign produces an ASCII armored detached signature over data.
	Sign(ctx context.Context, keyID e3.KeyID, data []byte) ([]byte, error)

	// Verify checks a detached signature over data.
	Verify(ctx context.Context, data, signature []byte) (Confidence, error)

	// Decrypt returns the plaintext replacement of an E3 encrypted
	// message. identityHint is the receiving account address.
	Decrypt(ctx context.Context, msg *model.Message, identityHint string) (*model.Message, error)

	// GetKey exports a key, optionally armored and with its fingerprint.
	GetKey(ctx context.Context, keyID e3.KeyID, armored, fingerprint bool) (*KeyResult, error)

	// AddKey registers an encrypt-on-receipt public key.
	AddKey(ctx context.Context, blob []byte) error

	// DeleteKey removes an encrypt-on-receipt public key.
	DeleteKey(ctx context.Context, keyID e3.KeyID) error

	// ListKnownKeys enumerates the encrypt-on-receipt keys.
	ListKnownKeys(ctx context.Context) ([]KeyInfo, error)
}

// Binder connects to an oracle. A failed bind is reported as a
// ConnectionError, never folded into crypto errors.
type Binder func(ctx context.Context) (Oracle, error)

// Static returns a Binder that always yields o.
func Static(o Oracle) Binder {
	return func(context.Context) (Oracle, error) {
		return o, nil
	}
}
