// Package signer signs and verifies the canonical E3 header string.
package signer

import (
	"context"
	"fmt"

	"github.com/emersion/go-message/textproto"
	"github.com/rs/zerolog"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/oracle"
)

// Policy controls how signature confidence maps to trust.
type Policy struct {
	// AcceptUnconfirmed trusts valid signatures from keys that were never
	// confirmed by verification phrase.
	AcceptUnconfirmed bool
}

// DefaultPolicy accepts unconfirmed keys.
func DefaultPolicy() Policy {
	return Policy{AcceptUnconfirmed: true}
}

// Reason explains an Outcome.
type Reason string

const (
	ReasonConfirmed               Reason = "confirmed"
	ReasonUnconfirmedAccepted     Reason = "unconfirmed_accepted"
	ReasonUnconfirmedRejected     Reason = "unconfirmed_rejected"
	ReasonNoSignature             Reason = "no_signature"
	ReasonInvalidSignature        Reason = "invalid_signature"
	ReasonVerificationUnavailable Reason = "verification_unavailable"
)

// Outcome is the result of verifying a key email's signature.
type Outcome struct {
	Trusted    bool
	Confidence oracle.Confidence
	Reason     Reason

	// Err is a *oracle.VerificationUnavailableError when the oracle could
	// not run the check.
	Err error
}

// Signer signs canonical header strings and verifies key emails.
type Signer struct {
	Oracle oracle.Oracle
	Policy Policy
	Logger zerolog.Logger
}

// New creates a Signer.
func New(o oracle.Oracle, policy Policy, logger zerolog.Logger) *Signer {
	return &Signer{Oracle: o, Policy: policy, Logger: logger}
}

// Sign returns an armored detached signature over canonical made with
// keyID. Every oracle failure becomes a *oracle.SigningUnavailableError.
func (s *Signer) Sign(ctx context.Context, keyID e3.KeyID, canonical string) ([]byte, error) {
	sig, err := s.Oracle.Sign(ctx, keyID, []byte(canonical))
	if err == nil && len(sig) == 0 {
		err = fmt.Errorf("oracle returned an empty signature")
	}
	if err != nil {
		return nil, &oracle.SigningUnavailableError{
			KeyID:  keyID,
			Status: oracle.StatusOf(err),
			Err:    err,
		}
	}
	return sig, nil
}

// SignMessageHeader canonicalizes h, signs it and stores the folded
// signature in the X-E3-SIGNATURE field, replacing any previous one.
func (s *Signer) SignMessageHeader(ctx context.Context, keyID e3.KeyID, h *textproto.Header) error {
	sig, err := s.Sign(ctx, keyID, e3.Canonicalize(*h))
	if err != nil {
		return err
	}
	h.Del(e3.HeaderSignature)
	h.Set(e3.HeaderSignature, e3.FoldBase64(sig))
	return nil
}

// Verify decides whether k's signature makes it trusted. It never fails:
// problems are reported as an untrusted Outcome.
func (s *Signer) Verify(ctx context.Context, k *e3.KeyEmail) Outcome {
	if len(k.Signature) == 0 {
		return Outcome{Reason: ReasonNoSignature}
	}

	conf, err := s.Oracle.Verify(ctx, []byte(k.CanonicalHeaders), k.Signature)
	if err != nil {
		verr := &oracle.VerificationUnavailableError{Status: oracle.StatusOf(err), Err: err}
		s.Logger.Warn().Err(verr).Str("category", "verification_unavailable").
			Msg("could not verify key email signature")
		return Outcome{Reason: ReasonVerificationUnavailable, Err: verr}
	}

	switch conf {
	case oracle.ConfidenceConfirmed:
		return Outcome{Trusted: true, Confidence: conf, Reason: ReasonConfirmed}
	case oracle.ConfidenceUnconfirmed:
		if s.Policy.AcceptUnconfirmed {
			s.Logger.Warn().Str("category", "unconfirmed_key").Str("name", k.Name).
				Msg("accepting key email signed by an unconfirmed key")
			return Outcome{Trusted: true, Confidence: conf, Reason: ReasonUnconfirmedAccepted}
		}
		s.Logger.Warn().Str("category", "unconfirmed_key").Str("name", k.Name).
			Msg("rejecting key email signed by an unconfirmed key")
		return Outcome{Confidence: conf, Reason: ReasonUnconfirmedRejected}
	default:
		return Outcome{Confidence: conf, Reason: ReasonInvalidSignature}
	}
}
