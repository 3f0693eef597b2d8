// Package keymail builds and publishes the self-addressed key emails:
// key uploads that announce this device's encrypt-on-receipt key and
// device delete requests that revoke other devices' keys.
package keymail

import (
	"bytes"
	"cmp"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/keymanager"
	"github.com/nhle/e3mail/internal/oracle"
	"github.com/nhle/e3mail/internal/signer"
)

// KeyAttachmentName is the filename of the armored key attachment.
const KeyAttachmentName = "e3_key.asc"

// Built is an outgoing key email.
type Built struct {
	Raw  []byte
	Date time.Time

	// Digest is the DIGEST header value of the sending key.
	Digest string

	// Verification is the phrase the user compares on the other device.
	// It is empty for delete requests.
	Verification string
}

// UploadRequest describes a key upload from this device.
type UploadRequest struct {
	AccountID string
	Email     string
	KeyID     e3.KeyID

	// DeviceID is written to X-E3-UID; AccountID is used when empty.
	DeviceID string

	// ResponseTo lists digests of uploads this one answers.
	ResponseTo []string
}

// DeleteRequest describes a device delete request from this device.
type DeleteRequest struct {
	AccountID string
	Email     string
	KeyID     e3.KeyID
	DeviceID  string

	// Revoke lists the key ids of the devices to delete.
	Revoke []oracle.KeyInfo
}

// Builder assembles signed key emails.
type Builder struct {
	Signer *signer.Signer
	Keys   *keymanager.Manager
	Now    func() time.Time
	Rand   io.Reader
}

// NewBuilder creates a Builder using the wall clock and crypto/rand.
func NewBuilder(s *signer.Signer, keys *keymanager.Manager) *Builder {
	return &Builder{Signer: s, Keys: keys, Now: time.Now, Rand: rand.Reader}
}

// Digest returns the upper-case SHA-256 hex of an armored key, grouped
// by four characters.
func Digest(armored []byte) string {
	sum := sha256.Sum256(armored)
	return groupHex(strings.ToUpper(hex.EncodeToString(sum[:])))
}

func groupHex(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s[i:min(i+4, len(s))])
	}
	return b.String()
}

// deviceName is the NAME header value for a key.
func deviceName(key *oracle.KeyResult) string {
	if key.Identity == "" {
		return key.KeyID.String()
	}
	return fmt.Sprintf("%s (%s)", key.Identity, key.KeyID)
}

// BuildKeyUpload creates a signed key upload carrying this device's key
// and every known encrypt-on-receipt key.
func (b *Builder) BuildKeyUpload(ctx context.Context, req UploadRequest) (*Built, error) {
	own, err := b.Keys.Oracle.GetKey(ctx, req.KeyID, true, true)
	if err != nil {
		return nil, fmt.Errorf("exporting key %s: %w", req.KeyID, err)
	}

	phrase, err := VerificationPhrase(b.Rand, e3.VerificationPhraseWords)
	if err != nil {
		return nil, err
	}

	now := b.Now()
	digest := Digest(own.Key)
	name := deviceName(own)

	h := newHeader(req.Email, "E3 key upload", now)
	h.Set(e3.HeaderName, name)
	h.Set(e3.HeaderDigest, digest)
	h.Set(e3.HeaderVerification, phrase)
	h.Set(e3.HeaderTimestamp, strconv.FormatInt(now.UnixMilli(), 10))
	h.Set(e3.HeaderUID, cmp.Or(req.DeviceID, req.AccountID))

	h.Add(e3.HeaderKeys, e3.FoldBase64(own.Key))
	var others []e3.KeyID
	for _, k := range b.Keys.ListKnownKeys(ctx) {
		if k.ID != req.KeyID {
			others = append(others, k.ID)
		}
	}
	for _, k := range b.Keys.ExportKeys(ctx, others) {
		h.Add(e3.HeaderKeys, e3.FoldBase64(k.Key))
	}

	if len(req.ResponseTo) > 0 {
		h.Set(e3.HeaderResponseTo, strings.Join(req.ResponseTo, e3.DigestDelimiter))
	}

	if err := b.Signer.SignMessageHeader(ctx, req.KeyID, &h.Header.Header); err != nil {
		return nil, err
	}

	fingerprint := ""
	if own.Fingerprint != nil {
		fingerprint = groupHex(own.Fingerprint.Hex)
	}
	body := fmt.Sprintf(
		"A device wants to receive your encrypted mail.\r\n\r\n"+
			"Verification phrase: %s\r\n"+
			"Device: %s\r\n"+
			"Fingerprint: %s\r\n"+
			"Key digest: %s\r\n\r\n"+
			"Compare the verification phrase with the one shown on the sending device.\r\n",
		phrase, name, fingerprint, digest,
	)

	raw, err := render(h, body, own.Key)
	if err != nil {
		return nil, err
	}
	return &Built{Raw: raw, Date: now, Digest: digest, Verification: phrase}, nil
}

// BuildDelete creates a signed device delete request revoking req.Revoke.
func (b *Builder) BuildDelete(ctx context.Context, req DeleteRequest) (*Built, error) {
	if len(req.Revoke) == 0 {
		return nil, fmt.Errorf("delete request names no keys")
	}

	own, err := b.Keys.Oracle.GetKey(ctx, req.KeyID, true, false)
	if err != nil {
		return nil, fmt.Errorf("exporting key %s: %w", req.KeyID, err)
	}

	now := b.Now()
	digest := Digest(own.Key)
	name := deviceName(own)

	h := newHeader(req.Email, "E3 device delete", now)
	h.Set(e3.HeaderName, name)
	h.Set(e3.HeaderDigest, digest)
	h.Set(e3.HeaderTimestamp, strconv.FormatInt(now.UnixMilli(), 10))
	h.Set(e3.HeaderUID, cmp.Or(req.DeviceID, req.AccountID))

	revoked := make([]string, 0, len(req.Revoke))
	for _, k := range req.Revoke {
		h.Add(e3.HeaderDelete, k.ID.String())
		label := k.Name
		if label == "" {
			label = k.ID.String()
		}
		revoked = append(revoked, label)
	}

	if err := b.Signer.SignMessageHeader(ctx, req.KeyID, &h.Header.Header); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(
		"%s requested that these devices stop receiving your encrypted mail:\r\n\r\n%s\r\n",
		name, strings.Join(revoked, ", "),
	)

	raw, err := render(h, body, nil)
	if err != nil {
		return nil, err
	}
	return &Built{Raw: raw, Date: now, Digest: digest}, nil
}

func newHeader(email, subject string, now time.Time) mail.Header {
	var h mail.Header
	addr := []*mail.Address{{Address: email}}
	h.SetAddressList("From", addr)
	h.SetAddressList("To", addr)
	h.SetSubject(subject)
	h.SetDate(now)
	_ = h.GenerateMessageID()
	return h
}

// render writes the message with a plain text body and, when key is not
// nil, the armored key as an attachment.
func render(h mail.Header, body string, key []byte) ([]byte, error) {
	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(tw, body); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing text part: %w", err)
	}

	if key != nil {
		var ah mail.AttachmentHeader
		ah.SetContentType(e3.ContentTypePGPKeys, nil)
		ah.SetFilename(KeyAttachmentName)
		ah.Set("Content-Transfer-Encoding", "7bit")
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("creating key attachment: %w", err)
		}
		if _, err := aw.Write(key); err != nil {
			return nil, fmt.Errorf("writing key attachment: %w", err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("closing key attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing message: %w", err)
	}
	return buf.Bytes(), nil
}
