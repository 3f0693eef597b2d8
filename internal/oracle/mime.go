package oracle

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/model"
)

// contentHeaders are the fields that describe a message body and move
// between the outer message and the encrypted entity.
var contentHeaders = []string{
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
}

// Decrypt decrypts a PGP/MIME E3 message with this device's private keys.
// The replacement carries the original header block minus the E3 marker,
// the decrypted entity's content headers and its body.
func (o *PGPOracle) Decrypt(ctx context.Context, msg *model.Message, identityHint string) (*model.Message, error) {
	payload, err := encryptedPayload(msg.Raw)
	if err != nil {
		return nil, &OpError{Op: "decrypt", Status: StatusError, Err: err}
	}

	pgpMsg, err := crypto.NewPGPMessageFromArmored(string(payload))
	if err != nil {
		pgpMsg = crypto.NewPGPMessage(payload)
	}

	kr, err := o.decryptionKeyRing(ctx, identityHint)
	if err != nil {
		return nil, err
	}
	defer kr.ClearPrivateParams()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plain, err := kr.Decrypt(pgpMsg, nil, 0)
	if err != nil {
		return nil, &OpError{Op: "decrypt", Status: StatusError, Err: err}
	}

	raw, err := replaceBody(msg.Raw, plain.GetBinary())
	if err != nil {
		return nil, &OpError{Op: "decrypt", Status: StatusError, Err: err}
	}

	out := &model.Message{
		AccountID:    msg.AccountID,
		Folder:       msg.Folder,
		Raw:          raw,
		Flags:        slices.Clone(msg.Flags),
		InternalDate: msg.InternalDate,
	}
	out.SetFlag(model.FlagE3, false)
	return out, nil
}

// Encrypt wraps msg's body into a PGP/MIME entity encrypted to this
// device's own keys and marks it with the E3 header for email.
func (o *PGPOracle) Encrypt(ctx context.Context, msg *model.Message, email string) (*model.Message, error) {
	br := bufio.NewReader(bytes.NewReader(msg.Raw))
	orig, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("reading header of message %s: %w", msg.UID, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("reading body of message %s: %w", msg.UID, err)
	}

	var inner textproto.Header
	for _, name := range contentHeaders {
		if v := orig.Get(name); v != "" {
			inner.Set(name, v)
		}
	}
	if !inner.Has("Content-Type") {
		inner.Set("Content-Type", "text/plain; charset=utf-8")
	}
	var entity bytes.Buffer
	if err := textproto.WriteHeader(&entity, inner); err != nil {
		return nil, err
	}
	entity.Write(body)

	private := true
	recs, err := o.keys.ListKeys(ctx, &private)
	if err != nil {
		return nil, &OpError{Op: "encrypt", Status: StatusError, Err: err}
	}
	if len(recs) == 0 {
		return nil, &OpError{Op: "encrypt", Status: StatusKeyNotFound, Err: fmt.Errorf("no device key")}
	}
	kr, err := crypto.NewKeyRing(nil)
	if err != nil {
		return nil, &OpError{Op: "encrypt", Status: StatusError, Err: err}
	}
	for _, rec := range recs {
		pub, err := publicKeyRing(rec.Armored)
		if err != nil {
			return nil, &OpError{Op: "encrypt", Status: StatusError, Err: err}
		}
		for _, k := range pub.GetKeys() {
			if err := kr.AddKey(k); err != nil {
				return nil, &OpError{Op: "encrypt", Status: StatusError, Err: err}
			}
		}
	}

	enc, err := kr.Encrypt(crypto.NewPlainMessage(entity.Bytes()), nil)
	if err != nil {
		return nil, &OpError{Op: "encrypt", Status: StatusError, Err: err}
	}
	armored, err := enc.GetArmored()
	if err != nil {
		return nil, &OpError{Op: "encrypt", Status: StatusError, Err: err}
	}

	outer := message.Header{Header: orig.Copy()}
	for _, name := range contentHeaders {
		outer.Del(name)
	}
	outer.Set(e3.HeaderEncrypted, email)
	outer.SetContentType("multipart/encrypted", map[string]string{
		"protocol": "application/pgp-encrypted",
	})

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, outer)
	if err != nil {
		return nil, fmt.Errorf("creating multipart writer: %w", err)
	}
	if err := writePart(w, "application/pgp-encrypted", nil, "Version: 1\r\n"); err != nil {
		return nil, err
	}
	if err := writePart(w, "application/octet-stream", map[string]string{"name": "encrypted.asc"}, armored); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	out := &model.Message{
		AccountID:    msg.AccountID,
		Folder:       msg.Folder,
		UID:          msg.UID,
		Raw:          buf.Bytes(),
		Flags:        slices.Clone(msg.Flags),
		InternalDate: msg.InternalDate,
	}
	out.SetFlag(model.FlagE3, true)
	return out, nil
}

func writePart(w *message.Writer, contentType string, params map[string]string, body string) error {
	var h message.Header
	h.SetContentType(contentType, params)
	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("writing %s part: %w", contentType, err)
	}
	return pw.Close()
}

// decryptionKeyRing unlocks the private keys matching identityHint, or all
// private keys when none match.
func (o *PGPOracle) decryptionKeyRing(ctx context.Context, identityHint string) (*crypto.KeyRing, error) {
	private := true
	recs, err := o.keys.ListKeys(ctx, &private)
	if err != nil {
		return nil, &OpError{Op: "decrypt", Status: StatusError, Err: err}
	}
	if len(recs) == 0 {
		return nil, &OpError{Op: "decrypt", Status: StatusKeyNotFound, Err: fmt.Errorf("no device key")}
	}

	if hint := strings.ToLower(identityHint); hint != "" {
		matching := slices.DeleteFunc(slices.Clone(recs), func(r model.E3Key) bool {
			return !strings.Contains(strings.ToLower(r.Name), hint)
		})
		if len(matching) > 0 {
			recs = matching
		}
	}

	kr, err := crypto.NewKeyRing(nil)
	if err != nil {
		return nil, &OpError{Op: "decrypt", Status: StatusError, Err: err}
	}
	for i := range recs {
		key, err := o.unlock(&recs[i])
		if err != nil {
			return nil, err
		}
		if err := kr.AddKey(key); err != nil {
			return nil, &OpError{Op: "decrypt", Status: StatusError, Err: err}
		}
	}
	return kr, nil
}

// encryptedPayload returns the second part of a multipart/encrypted
// message.
func encryptedPayload(raw []byte) ([]byte, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	mediaType, _, err := entity.Header.ContentType()
	if err != nil || mediaType != "multipart/encrypted" {
		return nil, fmt.Errorf("not a multipart/encrypted message (%q)", mediaType)
	}

	mr := entity.MultipartReader()
	if mr == nil {
		return nil, fmt.Errorf("multipart/encrypted message has no parts")
	}
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("multipart/encrypted message has %d parts", i)
		}
		if err != nil {
			return nil, fmt.Errorf("reading part %d: %w", i, err)
		}
		if i == 1 {
			return io.ReadAll(part.Body)
		}
	}
}

// replaceBody rebuilds raw with the decrypted entity as its body.
func replaceBody(raw, decrypted []byte) ([]byte, error) {
	orig, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("reading original header: %w", err)
	}

	dr := bufio.NewReader(bytes.NewReader(decrypted))
	inner, err := textproto.ReadHeader(dr)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted header: %w", err)
	}
	body, err := io.ReadAll(dr)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted body: %w", err)
	}

	out := orig.Copy()
	out.Del(e3.HeaderEncrypted)
	for _, name := range contentHeaders {
		out.Del(name)
		if v := inner.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	if !out.Has("Content-Type") {
		out.Set("Content-Type", "text/plain; charset=utf-8")
	}

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, out); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	buf.Write(body)
	return buf.Bytes(), nil
}
