// Package trust gates incoming key emails before their keys are applied.
package trust

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/signer"
)

// DefaultSkewTolerance bounds how far in the future a key email timestamp
// may lie.
const DefaultSkewTolerance = 60 * time.Second

// Kind is the type of key email, derived from its headers.
type Kind int

const (
	KindKeyUpload Kind = iota
	KindDelete
)

func (k Kind) String() string {
	if k == KindDelete {
		return "delete"
	}
	return "key_upload"
}

// KindOf classifies a key email: any DELETE header makes it a delete
// message.
func KindOf(k *e3.KeyEmail) Kind {
	if k.Has(e3.HeaderDelete) {
		return KindDelete
	}
	return KindKeyUpload
}

var requiredHeaders = map[Kind][]string{
	KindKeyUpload: {e3.HeaderName, e3.HeaderVerification, e3.HeaderTimestamp, e3.HeaderUID},
	KindDelete:    {e3.HeaderName, e3.HeaderDigest, e3.HeaderTimestamp, e3.HeaderUID, e3.HeaderDelete},
}

// Check names a step of the predicate.
type Check string

const (
	CheckCompleteness Check = "completeness"
	CheckFreshness    Check = "freshness"
	CheckSelf         Check = "self_exclusion"
	CheckAuthenticity Check = "authenticity"
)

// Verdict is the result of evaluating a key email. A verdict that is not
// Actionable names the first failed check.
type Verdict struct {
	Actionable bool
	Kind       Kind
	Failed     Check
	Detail     string
	Outcome    signer.Outcome
}

// Verifier checks the signature of a key email.
type Verifier interface {
	Verify(ctx context.Context, k *e3.KeyEmail) signer.Outcome
}

// Predicate decides whether a key email may be acted upon. It keeps no
// state between calls.
type Predicate struct {
	// LocalAccountID is compared against the UID header.
	LocalAccountID string

	SkewTolerance time.Duration
	Verifier      Verifier
	Logger        zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// New creates a Predicate with the default skew tolerance.
func New(localAccountID string, v Verifier, logger zerolog.Logger) *Predicate {
	return &Predicate{
		LocalAccountID: localAccountID,
		SkewTolerance:  DefaultSkewTolerance,
		Verifier:       v,
		Logger:         logger,
	}
}

// IsWellFormed reports whether every mandatory header for the message's
// kind is present.
func (p *Predicate) IsWellFormed(k *e3.KeyEmail) bool {
	_, ok := missingHeader(k)
	return ok
}

// IsFresh reports whether k's timestamp parses and is not beyond the skew
// tolerance in the future.
func (p *Predicate) IsFresh(k *e3.KeyEmail) bool {
	_, ok := p.fresh(k)
	return ok
}

// IsSelf reports whether k was sent by the local device.
func (p *Predicate) IsSelf(k *e3.KeyEmail) bool {
	return strings.EqualFold(strings.TrimSpace(k.UID), strings.TrimSpace(p.LocalAccountID))
}

func (p *Predicate) fresh(k *e3.KeyEmail) (string, bool) {
	created, err := k.CreatedAt()
	if err != nil {
		return err.Error(), false
	}
	if limit := p.now().Add(p.SkewTolerance); created.After(limit) {
		return "timestamp " + k.Timestamp + " is in the future", false
	}
	return "", true
}

// IsActionable runs every check in order and reports whether all passed.
func (p *Predicate) IsActionable(ctx context.Context, k *e3.KeyEmail) bool {
	return p.Evaluate(ctx, k).Actionable
}

// Evaluate runs completeness, freshness, self-exclusion and authenticity
// checks in that order, stopping at the first failure.
func (p *Predicate) Evaluate(ctx context.Context, k *e3.KeyEmail) Verdict {
	v := Verdict{Kind: KindOf(k)}

	if name, ok := missingHeader(k); !ok {
		return p.reject(v, CheckCompleteness, "missing "+name)
	}

	if detail, ok := p.fresh(k); !ok {
		return p.reject(v, CheckFreshness, detail)
	}

	if p.IsSelf(k) {
		return p.reject(v, CheckSelf, "sent by this account")
	}

	if p.Verifier == nil {
		return p.reject(v, CheckAuthenticity, "no verifier")
	}
	v.Outcome = p.Verifier.Verify(ctx, k)
	if !v.Outcome.Trusted {
		return p.reject(v, CheckAuthenticity, string(v.Outcome.Reason))
	}

	v.Actionable = true
	return v
}

func (p *Predicate) reject(v Verdict, check Check, detail string) Verdict {
	v.Failed = check
	v.Detail = detail
	p.Logger.Debug().
		Str("category", "untrusted_key_email").
		Str("check", string(check)).
		Str("kind", v.Kind.String()).
		Msg(detail)
	return v
}

func (p *Predicate) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// missingHeader returns the first mandatory header k lacks.
func missingHeader(k *e3.KeyEmail) (string, bool) {
	for _, name := range requiredHeaders[KindOf(k)] {
		if !k.Has(name) {
			return name, false
		}
	}
	return "", true
}
