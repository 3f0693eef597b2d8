// Package keyscan discovers key emails in a mailbox and applies the
// trusted ones to the key store.
package keyscan

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/rs/zerolog"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/keymail"
	"github.com/nhle/e3mail/internal/keymanager"
	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/oracle"
	"github.com/nhle/e3mail/internal/store"
	"github.com/nhle/e3mail/internal/trust"
	"github.com/nhle/e3mail/internal/undo"
)

// ErrNoMatchingUpload is returned by Verify when no cached key upload
// carries the given phrase.
var ErrNoMatchingUpload = errors.New("no key upload matches the verification phrase")

// MailStore is the local message cache.
type MailStore interface {
	MissingUIDs(ctx context.Context, accountID, folder string, uids []string) ([]string, error)
	AppendMessages(ctx context.Context, msgs []model.Message) error
	GetMessage(ctx context.Context, accountID, folder, uid string) (*model.Message, error)
	GetMessages(ctx context.Context, filter store.MessageFilter) ([]model.Message, error)
	SetMessageFlag(ctx context.Context, accountID, folder, uid, flag string, state bool) error
}

// Confirmer records that a key passed phrase verification.
type Confirmer interface {
	ConfirmKey(ctx context.Context, keyID e3.KeyID) error
}

// Request names the mailbox to scan.
type Request struct {
	AccountID string
	Folder    string

	// DeviceID is compared against X-E3-UID to skip this device's own key
	// emails; AccountID is used when empty.
	DeviceID string
}

func (r Request) selfID() string {
	return cmp.Or(r.DeviceID, r.AccountID)
}

// Ignored is a key email that failed the trust predicate.
type Ignored struct {
	UID    string
	Kind   trust.Kind
	Check  trust.Check
	Detail string
}

// Candidate is a key upload from another device whose key is not known
// yet. It becomes trusted once the user verifies its phrase.
type Candidate struct {
	UID          string
	Name         string
	Verification string
	Digest       string
}

// Report summarizes one scan.
type Report struct {
	AccountID string
	Folder    string

	// Found is the number of messages carrying E3 headers.
	Found int

	// Applied counts key emails acted upon in this scan; AlreadyApplied
	// counts those handled by an earlier one.
	Applied        int
	AlreadyApplied int

	KeysAdded   int
	KeysFailed  int
	KeysDeleted int

	Ignored   []Ignored
	Malformed int

	AwaitingVerification []Candidate
}

// Scanner finds key emails and applies the actionable ones.
type Scanner struct {
	Backend   undo.Backend
	Store     MailStore
	Settings  undo.SearchSettings
	Verifier  trust.Verifier
	Keys      *keymanager.Manager
	Confirmer Confirmer
	Logger    zerolog.Logger

	// SkewTolerance defaults to trust.DefaultSkewTolerance.
	SkewTolerance time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

type keyEmail struct {
	msg     *model.Message
	parsed  *e3.KeyEmail
	created time.Time
}

func (s *Scanner) predicate(selfID string) *trust.Predicate {
	p := trust.New(selfID, s.Verifier, s.Logger)
	if s.SkewTolerance > 0 {
		p.SkewTolerance = s.SkewTolerance
	}
	p.Now = s.Now
	return p
}

// Scan searches req.Folder for key emails, caches them and applies every
// actionable one in timestamp order.
func (s *Scanner) Scan(ctx context.Context, req Request) (*Report, error) {
	logger := s.Logger.With().Str("account", req.AccountID).Str("folder", req.Folder).Logger()
	rep := &Report{AccountID: req.AccountID, Folder: req.Folder}

	uids, err := s.search(ctx, req)
	if err != nil {
		return rep, err
	}
	if len(uids) == 0 {
		return rep, nil
	}

	emails, err := s.load(ctx, req, uids, rep, logger)
	if err != nil {
		return rep, err
	}

	pred := s.predicate(req.selfID())
	for _, ke := range emails {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if ke.msg.HasFlag(model.FlagKeyApplied) {
			rep.AlreadyApplied++
			continue
		}

		v := pred.Evaluate(ctx, ke.parsed)
		if !v.Actionable {
			rep.Ignored = append(rep.Ignored, Ignored{
				UID: ke.msg.UID, Kind: v.Kind, Check: v.Failed, Detail: v.Detail,
			})
			if v.Kind == trust.KindKeyUpload && v.Failed == trust.CheckAuthenticity {
				rep.AwaitingVerification = append(rep.AwaitingVerification, Candidate{
					UID:          ke.msg.UID,
					Name:         ke.parsed.Name,
					Verification: ke.parsed.Verification,
					Digest:       ke.parsed.Digest,
				})
			}
			continue
		}

		switch v.Kind {
		case trust.KindDelete:
			rep.KeysDeleted += s.Keys.DeleteKeys(ctx, ke.parsed)
		default:
			added := s.Keys.AddKeys(ctx, ke.parsed)
			rep.KeysAdded += added.Added
			rep.KeysFailed += added.Failed
		}
		rep.Applied++

		if err := s.Store.SetMessageFlag(ctx, req.AccountID, req.Folder, ke.msg.UID, model.FlagKeyApplied, true); err != nil {
			return rep, fmt.Errorf("marking key email %s applied: %w", ke.msg.UID, err)
		}
		logger.Info().
			Str("uid", ke.msg.UID).
			Str("kind", v.Kind.String()).
			Str("name", ke.parsed.Name).
			Msg("applied key email")
	}

	logger.Info().
		Int("found", rep.Found).
		Int("applied", rep.Applied).
		Int("ignored", len(rep.Ignored)).
		Int("malformed", rep.Malformed).
		Msg("key scan finished")
	return rep, nil
}

// search runs the header search with remote search forced on.
func (s *Scanner) search(ctx context.Context, req Request) (_ []string, err error) {
	release, err := undo.AcquireRemoteSearch(ctx, s.Settings, req.AccountID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	uids, err := s.Backend.SearchHeader(ctx, req.AccountID, req.Folder, e3.HeaderName)
	if err != nil {
		return nil, fmt.Errorf("searching key emails: %w", err)
	}
	return uids, nil
}

// load caches missing messages and parses every listed one, oldest
// first.
func (s *Scanner) load(
	ctx context.Context,
	req Request,
	uids []string,
	rep *Report,
	logger zerolog.Logger,
) ([]keyEmail, error) {
	missing, err := s.Store.MissingUIDs(ctx, req.AccountID, req.Folder, uids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		fetched, err := s.Backend.FetchMessages(ctx, req.AccountID, req.Folder, missing)
		if err != nil {
			return nil, fmt.Errorf("fetching key emails: %w", err)
		}
		if err := s.Store.AppendMessages(ctx, fetched); err != nil {
			return nil, err
		}
	}

	emails := make([]keyEmail, 0, len(uids))
	for _, uid := range uids {
		msg, err := s.Store.GetMessage(ctx, req.AccountID, req.Folder, uid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		parsed, err := e3.Parse(bytes.NewReader(msg.Raw))
		if err != nil {
			rep.Malformed++
			logger.Warn().Err(err).Str("uid", uid).Msg("unreadable key email")
			continue
		}
		if parsed.IsEmpty() {
			continue
		}
		rep.Found++
		if len(parsed.Malformed) > 0 {
			rep.Malformed++
			for _, m := range parsed.Malformed {
				logger.Warn().Err(m).Str("uid", uid).Msg("dropped malformed E3 header value")
			}
		}

		created, _ := parsed.CreatedAt()
		emails = append(emails, keyEmail{msg: msg, parsed: parsed, created: created})
	}

	slices.SortStableFunc(emails, func(a, b keyEmail) int {
		return a.created.Compare(b.created)
	})
	return emails, nil
}

// Verification is the result of a successful phrase verification.
type Verification struct {
	UID       string
	Name      string
	KeysAdded int

	// SenderKeyID is the confirmed key of the uploading device; zero when
	// no offered key matched the upload's digest.
	SenderKeyID e3.KeyID
}

// Verify adds the keys of the cached upload whose verification phrase
// matches phrase, and confirms the sending device's key. Uploads that were
// already applied or fail the freshness or self checks are not considered.
func (s *Scanner) Verify(ctx context.Context, req Request, phrase string) (*Verification, error) {
	msgs, err := s.Store.GetMessages(ctx, store.MessageFilter{AccountID: req.AccountID, Folder: req.Folder})
	if err != nil {
		return nil, err
	}

	pred := s.predicate(req.selfID())
	want := normalizePhrase(phrase)
	for i := range msgs {
		msg := &msgs[i]
		if msg.HasFlag(model.FlagKeyApplied) {
			continue
		}
		parsed, err := e3.Parse(bytes.NewReader(msg.Raw))
		if err != nil || trust.KindOf(parsed) != trust.KindKeyUpload || !pred.IsWellFormed(parsed) {
			continue
		}
		if !pred.IsFresh(parsed) || pred.IsSelf(parsed) {
			continue
		}
		if normalizePhrase(parsed.Verification) != want {
			continue
		}
		return s.applyVerified(ctx, req, msg, parsed)
	}
	return nil, ErrNoMatchingUpload
}

func (s *Scanner) applyVerified(
	ctx context.Context,
	req Request,
	msg *model.Message,
	parsed *e3.KeyEmail,
) (*Verification, error) {
	keys := slices.Clone(parsed.PublicKeys)
	for _, k := range attachedKeys(msg.Raw) {
		if !slices.ContainsFunc(keys, func(b []byte) bool { return bytes.Equal(b, k) }) {
			keys = append(keys, k)
		}
	}

	added := s.Keys.AddKeys(ctx, &e3.KeyEmail{PublicKeys: keys})
	res := &Verification{UID: msg.UID, Name: parsed.Name, KeysAdded: added.Added}

	for _, k := range keys {
		if !digestMatches(k, parsed.Digest) {
			continue
		}
		id, err := oracle.KeyIDOf(k)
		if err != nil {
			break
		}
		res.SenderKeyID = id
		if s.Confirmer != nil {
			if err := s.Confirmer.ConfirmKey(ctx, id); err != nil {
				return res, fmt.Errorf("confirming key %s: %w", id, err)
			}
		}
		break
	}

	if err := s.Store.SetMessageFlag(ctx, req.AccountID, req.Folder, msg.UID, model.FlagKeyApplied, true); err != nil {
		return res, fmt.Errorf("marking key email %s applied: %w", msg.UID, err)
	}
	s.Logger.Info().
		Str("account", req.AccountID).
		Str("uid", msg.UID).
		Str("name", parsed.Name).
		Int("keys", added.Added).
		Msg("verified key upload")
	return res, nil
}

// attachedKeys returns the bodies of every application/pgp-keys part.
func attachedKeys(raw []byte) [][]byte {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil
	}

	var keys [][]byte
	_ = entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			return nil
		}
		ct, _, _ := part.Header.ContentType()
		if !strings.EqualFold(ct, e3.ContentTypePGPKeys) {
			return nil
		}
		data, err := io.ReadAll(part.Body)
		if err == nil && len(data) > 0 {
			keys = append(keys, data)
		}
		return nil
	})
	return keys
}

func digestMatches(key []byte, digest string) bool {
	compact := func(s string) string {
		return strings.ToUpper(strings.Join(strings.Fields(s), ""))
	}
	return digest != "" && compact(keymail.Digest(key)) == compact(digest)
}

func normalizePhrase(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), e3.VerificationPhraseDelimiter))
}
