// Package e3 implements the encrypt-on-receipt (E3) header namespace:
// canonicalization of the signed header subset and structural parsing
// of key emails.
package e3

// Header names of the E3 namespace. Names are matched case-insensitively
// on read; these spellings are what this implementation writes.
const (
	HeaderPrefix       = "X-E3-"
	HeaderName         = "X-E3-NAME"
	HeaderUID          = "X-E3-UID"
	HeaderTimestamp    = "X-E3-TIMESTAMP"
	HeaderVerification = "X-E3-VERIFICATION"
	HeaderDigest       = "X-E3-DIGEST"
	HeaderKeys         = "X-E3-KEYS"
	HeaderDelete       = "X-E3-DELETE"
	HeaderResponseTo   = "X-E3-RESPONSE-TO"
	HeaderSignature    = "X-E3-SIGNATURE"

	// HeaderEncrypted marks a message body that was E3 encrypted on
	// receipt. Its value is the receiving account's address.
	HeaderEncrypted = "X-E3-ENCRYPTED"
)

// ContentTypePGPKeys is the media type of the key attachment.
const ContentTypePGPKeys = "application/pgp-keys"

// DigestDelimiter separates digests in the RESPONSE-TO header.
const DigestDelimiter = ","

// Verification phrase shape written by key upload messages.
const (
	VerificationPhraseWords     = 3
	VerificationPhraseDelimiter = " "
)
