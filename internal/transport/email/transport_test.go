package email_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/pending"
	"github.com/nhle/e3mail/internal/store"
	"github.com/nhle/e3mail/internal/transport/email"
	"github.com/nhle/e3mail/tests/testutil"
)

type storeFlagCall struct {
	folder string
	uids   []string
	flag   string
	state  bool
}

type fakeMailbox struct {
	storeCalls []storeFlagCall
	moved      [][]string
	appended   [][]byte
	appendFlag [][]string
	nextUID    string
	expunged   []string
	failStore  error
}

func (m *fakeMailbox) SearchHeader(context.Context, string, string) ([]string, error) {
	return []string{"3"}, nil
}

func (m *fakeMailbox) FetchMessages(_ context.Context, _ string, uids []string) ([]model.Message, error) {
	out := make([]model.Message, len(uids))
	for i, uid := range uids {
		out[i] = model.Message{UID: uid, Raw: []byte("Subject: x\r\n\r\n")}
	}
	return out, nil
}

func (m *fakeMailbox) StoreFlag(_ context.Context, folder string, uids []string, flag string, state bool) error {
	if m.failStore != nil {
		return m.failStore
	}
	m.storeCalls = append(m.storeCalls, storeFlagCall{folder, uids, flag, state})
	return nil
}

func (m *fakeMailbox) MoveOrCopy(_ context.Context, _, _ string, uids []string, _ bool) error {
	m.moved = append(m.moved, uids)
	return nil
}

func (m *fakeMailbox) AppendMessage(_ context.Context, _ string, raw []byte, flags []string, _ time.Time) (string, error) {
	m.appended = append(m.appended, raw)
	m.appendFlag = append(m.appendFlag, flags)
	return m.nextUID, nil
}

func (m *fakeMailbox) Expunge(context.Context, string) ([]string, error) {
	return m.expunged, nil
}

func newTransport(t *testing.T) (*email.Transport, *fakeMailbox, *store.SQLiteStore) {
	t.Helper()
	s := testutil.NewTestStore(t)
	mb := &fakeMailbox{}
	tr := email.NewTransport(s, zerolog.Nop())
	tr.Register("acc", mb, "Trash")
	return tr, mb, s
}

func seed(t *testing.T, s *store.SQLiteStore, folder string, uids ...string) {
	t.Helper()
	msgs := make([]model.Message, len(uids))
	for i, uid := range uids {
		msgs[i] = model.Message{
			AccountID: "acc", Folder: folder, UID: uid,
			Raw: []byte("Subject: s\r\n\r\nbody"), InternalDate: time.Now(),
		}
	}
	require.NoError(t, s.AppendMessages(context.Background(), msgs))
}

func TestFetchMessagesTagsAccount(t *testing.T) {
	tr, _, _ := newTransport(t)
	msgs, err := tr.FetchMessages(context.Background(), "acc", "INBOX", []string{"1", "2"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "acc", msgs[0].AccountID)
	assert.Equal(t, "INBOX", msgs[1].Folder)

	_, err = tr.SearchHeader(context.Background(), "nobody", "INBOX", "X-E3-ENCRYPTED")
	assert.Error(t, err)
}

func TestSetFlagMirrorsIntoCache(t *testing.T) {
	ctx := context.Background()
	tr, mb, s := newTransport(t)
	seed(t, s, "INBOX", "5")

	require.NoError(t, tr.SetFlag(ctx, "acc", "INBOX", []string{"5", "6"}, model.FlagDeleted, true))
	require.Len(t, mb.storeCalls, 1)
	assert.Equal(t, []string{"5", "6"}, mb.storeCalls[0].uids)

	msg, err := s.GetMessage(ctx, "acc", "INBOX", "5")
	require.NoError(t, err)
	assert.True(t, msg.HasFlag(model.FlagDeleted))
}

func TestSetFlagKeepsE3FlagLocal(t *testing.T) {
	ctx := context.Background()
	tr, mb, s := newTransport(t)
	seed(t, s, "INBOX", "5")

	require.NoError(t, tr.SetFlag(ctx, "acc", "INBOX", []string{"5"}, model.FlagE3, true))
	assert.Empty(t, mb.storeCalls)

	msg, err := s.GetMessage(ctx, "acc", "INBOX", "5")
	require.NoError(t, err)
	assert.True(t, msg.HasFlag(model.FlagE3))
}

func TestSetFlagServerFailureLeavesCache(t *testing.T) {
	ctx := context.Background()
	tr, mb, s := newTransport(t)
	seed(t, s, "INBOX", "5")
	mb.failStore = errors.New("connection reset")

	err := tr.SetFlag(ctx, "acc", "INBOX", []string{"5"}, model.FlagSeen, true)
	require.Error(t, err)
	assert.False(t, pending.IsPermanent(err))

	msg, err := s.GetMessage(ctx, "acc", "INBOX", "5")
	require.NoError(t, err)
	assert.False(t, msg.HasFlag(model.FlagSeen))
}

func TestMoveMirrorsIntoCache(t *testing.T) {
	ctx := context.Background()
	tr, mb, s := newTransport(t)
	seed(t, s, "INBOX", "5")

	require.NoError(t, tr.MoveOrCopy(ctx, "acc", "INBOX", "Trash", []string{"5"}, false))
	assert.Equal(t, [][]string{{"5"}}, mb.moved)

	_, err := s.GetMessage(ctx, "acc", "Trash", "5")
	require.NoError(t, err)
	_, err = s.GetMessage(ctx, "acc", "INBOX", "5")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendReplacesLocalUID(t *testing.T) {
	ctx := context.Background()
	tr, mb, s := newTransport(t)
	local, err := s.StoreLocalMessage(ctx, model.Message{
		AccountID: "acc", Folder: "INBOX",
		Raw:   []byte("Subject: plain\r\n\r\nhello"),
		Flags: []string{model.FlagSeen},
	})
	require.NoError(t, err)
	mb.nextUID = "900"

	require.NoError(t, tr.Append(ctx, "acc", "INBOX", []string{local.UID}))
	require.Len(t, mb.appended, 1)
	assert.Equal(t, local.Raw, mb.appended[0])

	msg, err := s.GetMessage(ctx, "acc", "INBOX", "900")
	require.NoError(t, err)
	assert.Equal(t, "Subject: plain\r\n\r\nhello", string(msg.Raw))
	_, err = s.GetMessage(ctx, "acc", "INBOX", local.UID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendWithoutServerUIDDropsLocalCopy(t *testing.T) {
	ctx := context.Background()
	tr, _, s := newTransport(t)
	local, err := s.StoreLocalMessage(ctx, model.Message{
		AccountID: "acc", Folder: "INBOX", Raw: []byte("Subject: a\r\n\r\n"),
	})
	require.NoError(t, err)

	require.NoError(t, tr.Append(ctx, "acc", "INBOX", []string{local.UID}))
	_, err = s.GetMessage(ctx, "acc", "INBOX", local.UID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendMissingMessageIsPermanent(t *testing.T) {
	tr, mb, _ := newTransport(t)
	err := tr.Append(context.Background(), "acc", "INBOX", []string{"local:gone"})
	require.Error(t, err)
	assert.True(t, pending.IsPermanent(err))
	assert.Empty(t, mb.appended)
}

func TestEmptyTrashClearsCachedTrash(t *testing.T) {
	ctx := context.Background()
	tr, mb, s := newTransport(t)
	seed(t, s, "Trash", "5", "12")
	mb.expunged = []string{"31"}

	require.NoError(t, tr.EmptyTrash(ctx, "acc"))

	left, err := s.GetMessages(ctx, store.MessageFilter{AccountID: "acc", Folder: "Trash"})
	require.NoError(t, err)
	assert.Empty(t, left)
}
