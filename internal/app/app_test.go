package app_test

import (
	"bytes"
	"context"
	"path/filepath"
	"slices"
	"strconv"
	gosync "sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/e3mail/internal/app"
	"github.com/nhle/e3mail/internal/credential"
	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/transport/email"
	"github.com/nhle/e3mail/internal/trust"
	"github.com/nhle/e3mail/internal/undo"
	"github.com/nhle/e3mail/tests/testutil"
)

// memMailbox is an in-memory IMAP server for one account.
type memMailbox struct {
	mu      gosync.Mutex
	folders map[string]map[string]model.Message
	nextUID int
}

func newMemMailbox() *memMailbox {
	return &memMailbox{folders: make(map[string]map[string]model.Message), nextUID: 1}
}

func (m *memMailbox) put(folder string, msg model.Message) string {
	if m.folders[folder] == nil {
		m.folders[folder] = make(map[string]model.Message)
	}
	uid := strconv.Itoa(m.nextUID)
	m.nextUID++
	msg.UID = uid
	msg.Folder = folder
	m.folders[folder][uid] = msg
	return uid
}

func (m *memMailbox) list(folder string) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, msg := range m.folders[folder] {
		out = append(out, msg)
	}
	return out
}

func (m *memMailbox) SearchHeader(_ context.Context, folder, header string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uids []string
	for uid, msg := range m.folders[folder] {
		if msg.HasHeader(header) {
			uids = append(uids, uid)
		}
	}
	slices.Sort(uids)
	return uids, nil
}

func (m *memMailbox) FetchMessages(_ context.Context, folder string, uids []string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, uid := range uids {
		if msg, ok := m.folders[folder][uid]; ok {
			msg.Flags = slices.Clone(msg.Flags)
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMailbox) StoreFlag(_ context.Context, folder string, uids []string, flag string, state bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range uids {
		if msg, ok := m.folders[folder][uid]; ok {
			msg.SetFlag(flag, state)
			m.folders[folder][uid] = msg
		}
	}
	return nil
}

func (m *memMailbox) MoveOrCopy(_ context.Context, folder, dest string, uids []string, isCopy bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range uids {
		msg, ok := m.folders[folder][uid]
		if !ok {
			continue
		}
		if !isCopy {
			delete(m.folders[folder], uid)
		}
		m.put(dest, msg)
	}
	return nil
}

func (m *memMailbox) AppendMessage(_ context.Context, folder string, raw []byte, flags []string, date time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(folder, model.Message{Raw: raw, Flags: slices.Clone(flags), InternalDate: date}), nil
}

func (m *memMailbox) Expunge(_ context.Context, folder string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for uid := range m.folders[folder] {
		removed = append(removed, uid)
	}
	delete(m.folders, folder)
	return removed, nil
}

func newApp(t *testing.T, mb *memMailbox, withPassword bool) *app.App {
	t.Helper()
	cfg := &model.AppConfig{
		Accounts: []model.AccountConfig{{
			ID:          "work",
			Email:       "me@example.com",
			IMAPHost:    "imap.example.com",
			IMAPPort:    "993",
			TLS:         true,
			InboxFolder: "INBOX",
			TrashFolder: "Trash",
		}},
		E3:   model.E3Config{SkewToleranceMs: 60_000, AcceptUnconfirmed: true},
		Undo: model.UndoConfig{DecryptTimeoutSec: 30},
	}

	creds := credential.NewKeyringFrom(keyring.NewArrayKeyring(nil))
	if withPassword {
		require.NoError(t, creds.Set(credential.IMAPKey("work"), "hunter2"))
	}

	a := app.New(cfg, filepath.Join(t.TempDir(), "config.yaml"), testutil.NewTestStore(t), creds, zerolog.Nop())
	a.Dial = func(acc model.AccountConfig, password string) email.Mailbox {
		assert.Equal(t, "hunter2", password)
		return mb
	}
	return a
}

func TestRegisterAccountsSkipsMissingCredentials(t *testing.T) {
	a := newApp(t, newMemMailbox(), false)
	assert.Equal(t, 0, a.RegisterAccounts())

	a = newApp(t, newMemMailbox(), true)
	assert.Equal(t, 1, a.RegisterAccounts())
}

func TestUndoEncryptionEndToEnd(t *testing.T) {
	ctx := context.Background()
	mb := newMemMailbox()
	a := newApp(t, mb, true)
	require.Equal(t, 1, a.RegisterAccounts())

	id, err := a.InitDevice(ctx, "work", "Phone", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, id.String(), a.Config.Accounts[0].E3KeyID)

	reloaded, err := model.LoadConfig(a.ConfigPath)
	require.NoError(t, err)
	require.Len(t, reloaded.Accounts, 1)
	assert.Equal(t, id.String(), reloaded.Accounts[0].E3KeyID)

	plain := &model.Message{
		AccountID: "work",
		Raw:       []byte("Subject: quarterly numbers\r\nContent-Type: text/plain\r\n\r\nsecret body\r\n"),
		Flags:     []string{model.FlagSeen},
	}
	enc, err := a.Oracle.Encrypt(ctx, plain, "me@example.com")
	require.NoError(t, err)
	mb.put("INBOX", *enc)
	mb.put("INBOX", model.Message{Raw: []byte("Subject: plain\r\n\r\nnot encrypted")})

	rep, err := a.Undo(ctx, "work", "")
	require.NoError(t, err)
	assert.Equal(t, undo.OutcomeDone, rep.Outcome)
	require.Len(t, rep.Replaced, 1)
	assert.Empty(t, rep.Skipped)

	inbox := mb.list("INBOX")
	require.Len(t, inbox, 2)
	var decrypted *model.Message
	for i := range inbox {
		if inbox[i].Subject() == "quarterly numbers" {
			decrypted = &inbox[i]
		}
	}
	require.NotNil(t, decrypted)
	assert.False(t, decrypted.HasHeader(e3.HeaderEncrypted))
	assert.Contains(t, string(decrypted.Raw), "secret body")
	assert.Empty(t, mb.list("Trash"))

	pendingLeft, err := a.Store.PendingCommands(ctx, "work")
	require.NoError(t, err)
	assert.Empty(t, pendingLeft)

	rep, err = a.Undo(ctx, "work", "")
	require.NoError(t, err)
	assert.Equal(t, undo.OutcomeNoneFound, rep.Outcome)
}

func TestUploadKeyIsIgnoredBySameAccount(t *testing.T) {
	ctx := context.Background()
	mb := newMemMailbox()
	a := newApp(t, mb, true)
	require.Equal(t, 1, a.RegisterAccounts())

	_, err := a.UploadKey(ctx, "work", nil)
	require.Error(t, err)

	_, err = a.InitDevice(ctx, "work", "Phone", "")
	require.NoError(t, err)

	built, err := a.UploadKey(ctx, "work", nil)
	require.NoError(t, err)

	inbox := mb.list("INBOX")
	require.Len(t, inbox, 1)
	assert.True(t, bytes.Equal(built.Raw, inbox[0].Raw))

	rep, err := a.Scan(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Found)
	require.Len(t, rep.Ignored, 1)
	assert.Equal(t, trust.CheckSelf, rep.Ignored[0].Check)
}

func TestDeleteDevicesRefusesOwnKey(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, newMemMailbox(), true)
	require.Equal(t, 1, a.RegisterAccounts())

	id, err := a.InitDevice(ctx, "work", "Phone", "")
	require.NoError(t, err)

	_, err = a.DeleteDevices(ctx, "work", []e3.KeyID{id})
	assert.Error(t, err)
}

func TestExportWritesMbox(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, newMemMailbox(), true)

	_, err := a.Store.StoreLocalMessage(ctx, model.Message{
		AccountID:    "work",
		Folder:       "INBOX",
		Raw:          []byte("From: Alice <alice@example.com>\r\nSubject: hi\r\n\r\nhello\r\n"),
		InternalDate: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := a.Export(ctx, "work", "", &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("From alice@example.com ")))
	assert.Contains(t, buf.String(), "Subject: hi")

	_, err = a.Export(ctx, "nobody", "", &buf)
	assert.Error(t, err)
}

func TestInitDeviceAssignsDeviceID(t *testing.T) {
	ctx := context.Background()
	mb := newMemMailbox()
	a := newApp(t, mb, true)
	require.Equal(t, 1, a.RegisterAccounts())

	_, err := a.InitDevice(ctx, "work", "Phone", "")
	require.NoError(t, err)

	deviceID := a.Config.Accounts[0].DeviceID
	require.NotEmpty(t, deviceID)
	assert.NotEqual(t, "work", deviceID)

	_, err = a.UploadKey(ctx, "work", nil)
	require.NoError(t, err)
	inbox := mb.list("INBOX")
	require.Len(t, inbox, 1)
	h, err := inbox[0].Header()
	require.NoError(t, err)
	assert.Equal(t, deviceID, h.Get(e3.HeaderUID))

	_, err = a.InitDevice(ctx, "work", "Phone", "")
	assert.Error(t, err)
}
