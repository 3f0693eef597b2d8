package keyscan_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/keymail"
	"github.com/nhle/e3mail/internal/keymanager"
	"github.com/nhle/e3mail/internal/keyscan"
	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/oracle"
	"github.com/nhle/e3mail/internal/signer"
	"github.com/nhle/e3mail/internal/store"
	"github.com/nhle/e3mail/internal/trust"
	"github.com/nhle/e3mail/tests/testutil"
)

var now = time.UnixMilli(1_700_000_000_000)

type fakeBackend struct {
	msgs    map[string][]byte
	order   []string
	fetches int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{msgs: make(map[string][]byte)}
}

func (b *fakeBackend) add(uid string, raw []byte) {
	b.msgs[uid] = raw
	b.order = append(b.order, uid)
}

func (b *fakeBackend) SearchHeader(_ context.Context, _, _, header string) ([]string, error) {
	var out []string
	for _, uid := range b.order {
		if bytes.Contains(bytes.ToUpper(b.msgs[uid]), bytes.ToUpper([]byte(header+":"))) {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (b *fakeBackend) FetchMessages(_ context.Context, account, folder string, uids []string) ([]model.Message, error) {
	b.fetches++
	var out []model.Message
	for _, uid := range uids {
		if raw, ok := b.msgs[uid]; ok {
			out = append(out, model.Message{AccountID: account, Folder: folder, UID: uid, Raw: raw, InternalDate: now})
		}
	}
	return out, nil
}

func rawKeyEmail(t *testing.T, s *signer.Signer, fields ...string) []byte {
	t.Helper()
	var h textproto.Header
	for i := 0; i+1 < len(fields); i += 2 {
		h.Add(fields[i], fields[i+1])
	}
	h.Add("Subject", "key email")
	if s != nil {
		require.NoError(t, s.SignMessageHeader(context.Background(), 1, &h))
	}

	var buf bytes.Buffer
	require.NoError(t, textproto.WriteHeader(&buf, h))
	buf.WriteString("body\r\n")
	return buf.Bytes()
}

func ts(d time.Duration) string {
	return strconv.FormatInt(now.Add(d).UnixMilli(), 10)
}

func uploadFields(uid, stamp, key string) []string {
	return []string{
		e3.HeaderName, "Laptop",
		e3.HeaderVerification, "apple banjo cobra",
		e3.HeaderTimestamp, stamp,
		e3.HeaderUID, uid,
		e3.HeaderKeys, e3.FoldBase64([]byte(key)),
	}
}

type env struct {
	scanner *keyscan.Scanner
	backend *fakeBackend
	store   *store.SQLiteStore
	oracle  *testutil.FakeOracle
	signer  *signer.Signer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fake := testutil.NewFakeOracle()
	s := signer.New(fake, signer.DefaultPolicy(), zerolog.Nop())
	st := testutil.NewTestStore(t)
	b := newFakeBackend()
	return &env{
		scanner: &keyscan.Scanner{
			Backend:  b,
			Store:    st,
			Settings: st,
			Verifier: s,
			Keys:     keymanager.New(fake, zerolog.Nop()),
			Logger:   zerolog.Nop(),
			Now:      func() time.Time { return now },
		},
		backend: b,
		store:   st,
		oracle:  fake,
		signer:  s,
	}
}

var req = keyscan.Request{AccountID: "phone", Folder: "INBOX"}

func TestScanAppliesTrustedUploadOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.backend.add("1", rawKeyEmail(t, e.signer, uploadFields("laptop", ts(0), "KEY-A")...))
	e.backend.add("2", []byte("Subject: unrelated\r\n\r\nhi"))

	rep, err := e.scanner.Scan(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Found)
	assert.Equal(t, 1, rep.Applied)
	assert.Equal(t, 1, rep.KeysAdded)
	assert.Equal(t, [][]byte{[]byte("KEY-A")}, e.oracle.Added)

	msg, err := e.store.GetMessage(ctx, "phone", "INBOX", "1")
	require.NoError(t, err)
	assert.True(t, msg.HasFlag(model.FlagKeyApplied))

	rep, err = e.scanner.Scan(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Applied)
	assert.Equal(t, 1, rep.AlreadyApplied)
	assert.Len(t, e.oracle.Added, 1)
	assert.Equal(t, 1, e.backend.fetches)
}

func TestScanIgnoresUntrustedEmails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.backend.add("1", rawKeyEmail(t, e.signer, uploadFields("phone", ts(0), "OWN")...))
	e.backend.add("2", rawKeyEmail(t, e.signer, uploadFields("laptop", ts(time.Hour), "FUTURE")...))
	e.backend.add("3", rawKeyEmail(t, e.signer, e3.HeaderName, "Tablet", e3.HeaderUID, "tablet"))
	e.backend.add("4", rawKeyEmail(t, nil, uploadFields("desktop", ts(-time.Minute), "UNSIGNED")...))

	rep, err := e.scanner.Scan(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Found)
	assert.Equal(t, 0, rep.Applied)
	assert.Empty(t, e.oracle.Added)

	checks := make(map[string]trust.Check)
	for _, ig := range rep.Ignored {
		checks[ig.UID] = ig.Check
	}
	assert.Equal(t, map[string]trust.Check{
		"1": trust.CheckSelf,
		"2": trust.CheckFreshness,
		"3": trust.CheckCompleteness,
		"4": trust.CheckAuthenticity,
	}, checks)

	require.Len(t, rep.AwaitingVerification, 1)
	assert.Equal(t, "4", rep.AwaitingVerification[0].UID)
	assert.Equal(t, "apple banjo cobra", rep.AwaitingVerification[0].Verification)
}

func TestScanAppliesDeleteAfterOlderUpload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.backend.add("5", rawKeyEmail(t, e.signer,
		e3.HeaderName, "Laptop",
		e3.HeaderDigest, "AAAA",
		e3.HeaderTimestamp, ts(0),
		e3.HeaderUID, "laptop",
		e3.HeaderDelete, e3.KeyID(0xabc).String(),
	))
	e.backend.add("6", rawKeyEmail(t, e.signer, uploadFields("tablet", ts(-time.Hour), "OLD")...))
	e.backend.add("7", []byte("X-E3-NAME: x\r\nX-E3-KEYS: !!notbase64!!\r\n\r\n"))

	rep, err := e.scanner.Scan(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Applied)
	assert.Equal(t, 1, rep.KeysDeleted)
	assert.Equal(t, 1, rep.Malformed)
	assert.Equal(t, []e3.KeyID{0xabc}, e.oracle.Deleted)
	assert.Equal(t, [][]byte{[]byte("OLD")}, e.oracle.Added)
}

func TestScanRestoresRemoteSearch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	rep, err := e.scanner.Scan(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, rep.Found)

	enabled, err := e.store.RemoteSearchEnabled(ctx, "phone")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestVerifyNoMatch(t *testing.T) {
	e := newEnv(t)
	_, err := e.scanner.Verify(context.Background(), req, "apple banjo cobra")
	assert.ErrorIs(t, err, keyscan.ErrNoMatchingUpload)
}

func TestVerifySkipsAppliedAndFutureUploads(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	cached := func(uid string, raw []byte, flags ...string) model.Message {
		return model.Message{AccountID: "phone", Folder: "INBOX", UID: uid, Raw: raw, Flags: flags}
	}
	require.NoError(t, e.store.AppendMessages(ctx, []model.Message{
		cached("1", rawKeyEmail(t, e.signer, uploadFields("laptop", ts(time.Hour), "FUTURE")...)),
		cached("2", rawKeyEmail(t, e.signer, uploadFields("laptop", ts(-time.Minute), "DONE")...), model.FlagKeyApplied),
		cached("3", rawKeyEmail(t, e.signer, uploadFields("phone", ts(-time.Minute), "OWN")...)),
	}))

	_, err := e.scanner.Verify(ctx, req, "apple banjo cobra")
	require.ErrorIs(t, err, keyscan.ErrNoMatchingUpload)
	assert.Empty(t, e.oracle.Added)

	require.NoError(t, e.store.AppendMessages(ctx, []model.Message{
		cached("4", rawKeyEmail(t, e.signer, uploadFields("laptop", ts(-time.Minute), "FRESH")...)),
	}))

	res, err := e.scanner.Verify(ctx, req, "apple banjo cobra")
	require.NoError(t, err)
	assert.Equal(t, "4", res.UID)
	assert.Equal(t, [][]byte{[]byte("FRESH")}, e.oracle.Added)
}

type device struct {
	oracle *oracle.PGPOracle
	keyID  e3.KeyID
	signer *signer.Signer
	keys   *keymanager.Manager
	store  *store.SQLiteStore
}

func newDevice(t *testing.T, name string) *device {
	t.Helper()
	st := testutil.NewTestStore(t)
	o := oracle.NewPGPOracle(st, nil, zerolog.Nop())
	id, err := o.GenerateDeviceKey(context.Background(), name, "me@example.com", nil)
	require.NoError(t, err)
	return &device{
		oracle: o,
		keyID:  id,
		signer: signer.New(o, signer.Policy{}, zerolog.Nop()),
		keys:   keymanager.New(o, zerolog.Nop()),
		store:  st,
	}
}

func TestVerifyConfirmsUploadingDevice(t *testing.T) {
	ctx := context.Background()
	phone := newDevice(t, "Phone")
	laptop := newDevice(t, "Laptop")

	b := keymail.NewBuilder(laptop.signer, laptop.keys)
	b.Now = func() time.Time { return now }
	built, err := b.BuildKeyUpload(ctx, keymail.UploadRequest{
		AccountID: "laptop", Email: "me@example.com", KeyID: laptop.keyID,
	})
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.add("10", built.Raw)
	scanner := &keyscan.Scanner{
		Backend:   backend,
		Store:     phone.store,
		Settings:  phone.store,
		Verifier:  phone.signer,
		Keys:      phone.keys,
		Confirmer: phone.oracle,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return now },
	}

	rep, err := scanner.Scan(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, rep.Applied)
	require.Len(t, rep.AwaitingVerification, 1)
	assert.Equal(t, built.Verification, rep.AwaitingVerification[0].Verification)

	_, err = scanner.Verify(ctx, req, "wrong words here")
	require.ErrorIs(t, err, keyscan.ErrNoMatchingUpload)

	res, err := scanner.Verify(ctx, req, "  "+built.Verification+" ")
	require.NoError(t, err)
	assert.Equal(t, "10", res.UID)
	assert.Equal(t, laptop.keyID, res.SenderKeyID)
	assert.GreaterOrEqual(t, res.KeysAdded, 1)

	known, err := phone.oracle.ListKnownKeys(ctx)
	require.NoError(t, err)
	assert.True(t, slices.ContainsFunc(known, func(k oracle.KeyInfo) bool { return k.ID == laptop.keyID }))

	k, err := e3.Parse(bytes.NewReader(built.Raw))
	require.NoError(t, err)
	assert.Equal(t, signer.ReasonConfirmed, phone.signer.Verify(ctx, k).Reason)
}

func TestFoldedKeysSurviveFetch(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 300)
	e := newEnv(t)
	e.backend.add("1", rawKeyEmail(t, e.signer, uploadFields("laptop", ts(0), string(key))...))

	_, err := e.scanner.Scan(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, e.oracle.Added, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString(key), base64.StdEncoding.EncodeToString(e.oracle.Added[0]))
}
