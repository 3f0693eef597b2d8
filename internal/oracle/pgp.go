package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/store"
)

// KeyStore persists the keys used by PGPOracle.
type KeyStore interface {
	PutKey(ctx context.Context, key model.E3Key) error
	GetKey(ctx context.Context, keyID string) (*model.E3Key, error)
	ListKeys(ctx context.Context, private *bool) ([]model.E3Key, error)
	DeleteKey(ctx context.Context, keyID string) error
	ConfirmKey(ctx context.Context, keyID string) error
}

// PassphraseFunc returns the passphrase unlocking a private key. The
// oracle wipes the returned slice once the key is unlocked.
type PassphraseFunc func(keyID e3.KeyID) ([]byte, error)

// PGPOracle is an in-process Oracle built on gopenpgp. Public keys of other
// devices and this device's locked private key live in a KeyStore.
type PGPOracle struct {
	keys       KeyStore
	passphrase PassphraseFunc
	logger     zerolog.Logger
}

var _ Oracle = (*PGPOracle)(nil)

// NewPGPOracle creates a PGPOracle. passphrase may be nil when the private
// key is stored unlocked.
func NewPGPOracle(keys KeyStore, passphrase PassphraseFunc, logger zerolog.Logger) *PGPOracle {
	return &PGPOracle{keys: keys, passphrase: passphrase, logger: logger}
}

// Binder returns a Binder that checks the key store is reachable before
// handing out the oracle.
func (o *PGPOracle) Binder() Binder {
	return func(ctx context.Context) (Oracle, error) {
		private := true
		if _, err := o.keys.ListKeys(ctx, &private); err != nil {
			return nil, &ConnectionError{Provider: "gopenpgp", Err: err}
		}
		return o, nil
	}
}

// GenerateDeviceKey creates this device's E3 key pair and stores it,
// locked with passphrase when one is given.
func (o *PGPOracle) GenerateDeviceKey(ctx context.Context, name, email string, passphrase []byte) (e3.KeyID, error) {
	key, err := crypto.GenerateKey(name, email, "x25519", 0)
	if err != nil {
		return 0, &OpError{Op: "generate", Status: StatusError, Err: err}
	}
	if len(passphrase) > 0 {
		if key, err = key.Lock(passphrase); err != nil {
			return 0, &OpError{Op: "generate", Status: StatusError, Err: err}
		}
	}

	armored, err := key.Armor()
	if err != nil {
		return 0, &OpError{Op: "generate", Status: StatusError, Err: err}
	}

	id := e3.KeyID(key.GetKeyID())
	err = o.keys.PutKey(ctx, model.E3Key{
		KeyID:       id.String(),
		Fingerprint: key.GetFingerprint(),
		Name:        identityOf(key),
		Armored:     armored,
		Private:     true,
		Confirmed:   true,
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Sign produces an armored detached signature with the private key keyID.
func (o *PGPOracle) Sign(ctx context.Context, keyID e3.KeyID, data []byte) ([]byte, error) {
	kr, err := o.privateKeyRing(ctx, keyID)
	if err != nil {
		return nil, err
	}
	defer kr.ClearPrivateParams()

	sig, err := kr.SignDetached(crypto.NewPlainMessage(data))
	if err != nil {
		return nil, &OpError{Op: "sign", Status: StatusError, Err: err}
	}
	armored, err := sig.GetArmored()
	if err != nil {
		return nil, &OpError{Op: "sign", Status: StatusError, Err: err}
	}
	return []byte(armored), nil
}

// Verify checks signature against every stored key. This device's own key
// and confirmed keys yield ConfidenceConfirmed.
func (o *PGPOracle) Verify(ctx context.Context, data, signature []byte) (Confidence, error) {
	sig, err := parseSignature(signature)
	if err != nil {
		o.logger.Debug().Err(err).Msg("unparsable signature")
		return ConfidenceInvalid, nil
	}

	recs, err := o.keys.ListKeys(ctx, nil)
	if err != nil {
		return ConfidenceInvalid, &OpError{Op: "verify", Status: StatusError, Err: err}
	}

	msg := crypto.NewPlainMessage(data)
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return ConfidenceInvalid, err
		}
		kr, err := publicKeyRing(rec.Armored)
		if err != nil {
			o.logger.Warn().Err(err).Str("key_id", rec.KeyID).Msg("skipping unreadable key")
			continue
		}
		if err := kr.VerifyDetached(msg, sig, crypto.GetUnixTime()); err != nil {
			continue
		}
		if rec.Private || rec.Confirmed {
			return ConfidenceConfirmed, nil
		}
		return ConfidenceUnconfirmed, nil
	}
	return ConfidenceInvalid, nil
}

// GetKey exports a stored key's public part.
func (o *PGPOracle) GetKey(ctx context.Context, keyID e3.KeyID, armored, fingerprint bool) (*KeyResult, error) {
	rec, err := o.lookup(ctx, "get_key", keyID)
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewKeyFromArmored(rec.Armored)
	if err != nil {
		return nil, &OpError{Op: "get_key", Status: StatusError, Err: err}
	}

	res := &KeyResult{KeyID: keyID, Identity: rec.Name}
	if armored {
		pub, err := key.GetArmoredPublicKey()
		if err != nil {
			return nil, &OpError{Op: "get_key", Status: StatusError, Err: err}
		}
		res.Key = []byte(pub)
	} else {
		if res.Key, err = key.GetPublicKey(); err != nil {
			return nil, &OpError{Op: "get_key", Status: StatusError, Err: err}
		}
	}
	if fingerprint {
		res.Fingerprint = &Fingerprint{Hex: strings.ToUpper(key.GetFingerprint())}
	}
	return res, nil
}

// AddKey stores the public part of an armored or binary key.
func (o *PGPOracle) AddKey(ctx context.Context, blob []byte) error {
	key, err := parseKey(blob)
	if err != nil {
		return &OpError{Op: "add_key", Status: StatusError, Err: err}
	}
	if key.IsPrivate() {
		if key, err = key.ToPublic(); err != nil {
			return &OpError{Op: "add_key", Status: StatusError, Err: err}
		}
	}

	armored, err := key.GetArmoredPublicKey()
	if err != nil {
		return &OpError{Op: "add_key", Status: StatusError, Err: err}
	}

	id := e3.KeyID(key.GetKeyID())
	if existing, err := o.keys.GetKey(ctx, id.String()); err == nil && existing.Private {
		return nil
	}
	return o.keys.PutKey(ctx, model.E3Key{
		KeyID:       id.String(),
		Fingerprint: key.GetFingerprint(),
		Name:        identityOf(key),
		Armored:     armored,
	})
}

// DeleteKey removes a public key. This device's own key is never deleted.
func (o *PGPOracle) DeleteKey(ctx context.Context, keyID e3.KeyID) error {
	rec, err := o.lookup(ctx, "delete_key", keyID)
	if err != nil {
		return err
	}
	if rec.Private {
		return &OpError{Op: "delete_key", Status: StatusError,
			Err: fmt.Errorf("key %s is this device's own key", keyID)}
	}
	return o.keys.DeleteKey(ctx, rec.KeyID)
}

// ListKnownKeys lists the public keys of other devices.
func (o *PGPOracle) ListKnownKeys(ctx context.Context) ([]KeyInfo, error) {
	private := false
	recs, err := o.keys.ListKeys(ctx, &private)
	if err != nil {
		return nil, &OpError{Op: "list_keys", Status: StatusError, Err: err}
	}

	infos := make([]KeyInfo, 0, len(recs))
	for _, rec := range recs {
		id, err := e3.ParseKeyID(rec.KeyID)
		if err != nil {
			o.logger.Warn().Err(err).Str("key_id", rec.KeyID).Msg("skipping key with bad id")
			continue
		}
		infos = append(infos, KeyInfo{ID: id, Name: rec.Name})
	}
	return infos, nil
}

// ConfirmKey records that a key's verification phrase was checked.
func (o *PGPOracle) ConfirmKey(ctx context.Context, keyID e3.KeyID) error {
	return o.keys.ConfirmKey(ctx, keyID.String())
}

func (o *PGPOracle) lookup(ctx context.Context, op string, keyID e3.KeyID) (*model.E3Key, error) {
	rec, err := o.keys.GetKey(ctx, keyID.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, &OpError{Op: op, Status: StatusKeyNotFound, Err: err}
	}
	if err != nil {
		return nil, &OpError{Op: op, Status: StatusError, Err: err}
	}
	return rec, nil
}

// privateKeyRing loads and unlocks the private key keyID.
func (o *PGPOracle) privateKeyRing(ctx context.Context, keyID e3.KeyID) (*crypto.KeyRing, error) {
	rec, err := o.lookup(ctx, "sign", keyID)
	if err != nil {
		return nil, err
	}
	if !rec.Private {
		return nil, &OpError{Op: "sign", Status: StatusKeyNotFound,
			Err: fmt.Errorf("no private key for %s", keyID)}
	}
	key, err := o.unlock(rec)
	if err != nil {
		return nil, err
	}
	kr, err := crypto.NewKeyRing(key)
	if err != nil {
		return nil, &OpError{Op: "sign", Status: StatusError, Err: err}
	}
	return kr, nil
}

func (o *PGPOracle) unlock(rec *model.E3Key) (*crypto.Key, error) {
	key, err := crypto.NewKeyFromArmored(rec.Armored)
	if err != nil {
		return nil, &OpError{Op: "unlock", Status: StatusError, Err: err}
	}
	locked, err := key.IsLocked()
	if err != nil {
		return nil, &OpError{Op: "unlock", Status: StatusError, Err: err}
	}
	if !locked {
		return key, nil
	}

	if o.passphrase == nil {
		return nil, &OpError{Op: "unlock", Status: StatusUserInteractionRequired,
			Err: fmt.Errorf("key %s is locked", rec.KeyID)}
	}
	id, err := e3.ParseKeyID(rec.KeyID)
	if err != nil {
		return nil, &OpError{Op: "unlock", Status: StatusError, Err: err}
	}
	pass, err := o.passphrase(id)
	if err != nil {
		return nil, &OpError{Op: "unlock", Status: StatusUserInteractionRequired, Err: err}
	}
	defer memguard.WipeBytes(pass)
	unlocked, err := key.Unlock(pass)
	if err != nil {
		return nil, &OpError{Op: "unlock", Status: StatusUserInteractionRequired, Err: err}
	}
	return unlocked, nil
}

func publicKeyRing(armored string) (*crypto.KeyRing, error) {
	key, err := crypto.NewKeyFromArmored(armored)
	if err != nil {
		return nil, err
	}
	if key.IsPrivate() {
		if key, err = key.ToPublic(); err != nil {
			return nil, err
		}
	}
	return crypto.NewKeyRing(key)
}

func parseSignature(signature []byte) (*crypto.PGPSignature, error) {
	if len(signature) == 0 {
		return nil, fmt.Errorf("empty signature")
	}
	if strings.HasPrefix(strings.TrimSpace(string(signature)), "-----BEGIN") {
		return crypto.NewPGPSignatureFromArmored(string(signature))
	}
	return crypto.NewPGPSignature(signature), nil
}

// KeyIDOf returns the key id of an armored or binary OpenPGP key.
func KeyIDOf(blob []byte) (e3.KeyID, error) {
	key, err := parseKey(blob)
	if err != nil {
		return 0, err
	}
	return e3.KeyID(key.GetKeyID()), nil
}

func parseKey(blob []byte) (*crypto.Key, error) {
	key, err := crypto.NewKeyFromArmored(string(blob))
	if err == nil {
		return key, nil
	}
	return crypto.NewKey(blob)
}

// identityOf returns the primary user id of key.
func identityOf(key *crypto.Key) string {
	entity := key.GetEntity()
	if entity == nil {
		return ""
	}
	if id := entity.PrimaryIdentity(); id != nil {
		return id.Name
	}
	return ""
}
