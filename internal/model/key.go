package model

import "time"

// E3Key is a key held by the local key store. Public-only entries are
// encrypt-on-receipt keys of other devices; the private entry is this
// device's own E3 key.
type E3Key struct {
	// KeyID is the 16 hex digit OpenPGP key id.
	KeyID string `json:"key_id" db:"key_id"`

	// Fingerprint is the full hex fingerprint of the primary key.
	Fingerprint string `json:"fingerprint" db:"fingerprint"`

	// Name is the primary user id of the key (display identity).
	Name string `json:"name" db:"name"`

	// Armored is the ASCII armored key; private keys are stored locked.
	Armored string `json:"-" db:"armored"`

	// Private marks this device's own key.
	Private bool `json:"private" db:"private"`

	// Confirmed is set once the key's verification phrase was checked
	// out of band.
	Confirmed bool `json:"confirmed" db:"confirmed"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
