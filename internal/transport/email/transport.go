package email

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/pending"
	"github.com/nhle/e3mail/internal/store"
)

// Mailbox is the server-side view of one account. IMAPClient implements
// it.
type Mailbox interface {
	SearchHeader(ctx context.Context, folder, header string) ([]string, error)
	FetchMessages(ctx context.Context, folder string, uids []string) ([]model.Message, error)
	StoreFlag(ctx context.Context, folder string, uids []string, flag string, state bool) error
	MoveOrCopy(ctx context.Context, folder, dest string, uids []string, isCopy bool) error
	AppendMessage(ctx context.Context, folder string, raw []byte, flags []string, date time.Time) (string, error)
	Expunge(ctx context.Context, folder string) ([]string, error)
}

// Cache is the part of the local store the transport keeps in step with
// the server.
type Cache interface {
	GetMessage(ctx context.Context, accountID, folder, uid string) (*model.Message, error)
	SetMessageFlag(ctx context.Context, accountID, folder, uid, flag string, state bool) error
	ReplaceUID(ctx context.Context, accountID, folder, oldUID, newUID string) error
	MoveMessages(ctx context.Context, accountID, folder, dest string, uids []string) error
	DeleteMessages(ctx context.Context, accountID, folder string, uids []string) error
	GetMessages(ctx context.Context, filter store.MessageFilter) ([]model.Message, error)
}

type account struct {
	mailbox Mailbox
	trash   string
}

// Transport routes mailbox operations to the registered accounts and
// mirrors every applied change into the local cache.
type Transport struct {
	cache  Cache
	logger zerolog.Logger

	mu       sync.RWMutex
	accounts map[string]account
}

var _ pending.Executor = (*Transport)(nil)

// NewTransport creates a Transport with no accounts.
func NewTransport(cache Cache, logger zerolog.Logger) *Transport {
	return &Transport{
		cache:    cache,
		logger:   logger.With().Str("component", "transport").Logger(),
		accounts: make(map[string]account),
	}
}

// Register adds (or replaces) the mailbox serving accountID.
func (t *Transport) Register(accountID string, mb Mailbox, trashFolder string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accounts[accountID] = account{mailbox: mb, trash: trashFolder}
}

func (t *Transport) account(accountID string) (account, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	acc, ok := t.accounts[accountID]
	if !ok {
		return account{}, fmt.Errorf("no mailbox registered for account %q", accountID)
	}
	return acc, nil
}

// SearchHeader returns the UIDs of messages in folder carrying header.
func (t *Transport) SearchHeader(ctx context.Context, accountID, folder, header string) ([]string, error) {
	acc, err := t.account(accountID)
	if err != nil {
		return nil, err
	}
	return acc.mailbox.SearchHeader(ctx, folder, header)
}

// FetchMessages downloads full messages and tags them with accountID.
func (t *Transport) FetchMessages(ctx context.Context, accountID, folder string, uids []string) ([]model.Message, error) {
	acc, err := t.account(accountID)
	if err != nil {
		return nil, err
	}
	msgs, err := acc.mailbox.FetchMessages(ctx, folder, uids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].AccountID = accountID
		msgs[i].Folder = folder
	}
	return msgs, nil
}

// SetFlag stores flag on the server copies of uids. Local-only flags
// never leave the cache.
func (t *Transport) SetFlag(ctx context.Context, accountID, folder string, uids []string, flag string, state bool) error {
	acc, err := t.account(accountID)
	if err != nil {
		return err
	}
	if !model.IsLocalFlag(flag) {
		if err := acc.mailbox.StoreFlag(ctx, folder, uids, flag, state); err != nil {
			return err
		}
	}
	for _, uid := range uids {
		err := t.cache.SetMessageFlag(ctx, accountID, folder, uid, flag, state)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("mirroring flag %s on %s: %w", flag, uid, err)
		}
	}
	return nil
}

// MoveOrCopy moves or copies uids from folder into dest.
func (t *Transport) MoveOrCopy(ctx context.Context, accountID, folder, dest string, uids []string, isCopy bool) error {
	acc, err := t.account(accountID)
	if err != nil {
		return err
	}
	if err := acc.mailbox.MoveOrCopy(ctx, folder, dest, uids, isCopy); err != nil {
		return err
	}
	if isCopy {
		// The copies get new server UIDs and arrive with the next fetch.
		return nil
	}
	if err := t.cache.MoveMessages(ctx, accountID, folder, dest, uids); err != nil {
		return fmt.Errorf("mirroring move to %s: %w", dest, err)
	}
	return nil
}

// Append uploads local-only messages and swaps their local ids for the
// UIDs the server assigned. A message that is no longer in the cache can
// never be uploaded and fails permanently.
func (t *Transport) Append(ctx context.Context, accountID, folder string, uids []string) error {
	acc, err := t.account(accountID)
	if err != nil {
		return err
	}

	for _, uid := range uids {
		msg, err := t.cache.GetMessage(ctx, accountID, folder, uid)
		if errors.Is(err, store.ErrNotFound) {
			return pending.Permanent(fmt.Errorf("local message %s: %w", uid, err))
		}
		if err != nil {
			return fmt.Errorf("loading local message %s: %w", uid, err)
		}
		if !msg.IsLocal() {
			continue
		}

		newUID, err := acc.mailbox.AppendMessage(ctx, folder, msg.Raw, msg.Flags, msg.InternalDate)
		if err != nil {
			return err
		}

		if newUID == "" {
			// Without a server UID the uploaded copy is picked up by the
			// next fetch, so the local one must go.
			t.logger.Debug().Str("folder", folder).Str("uid", uid).
				Msg("server did not report appended UID")
			if err := t.cache.DeleteMessages(ctx, accountID, folder, []string{uid}); err != nil {
				return fmt.Errorf("dropping uploaded message %s: %w", uid, err)
			}
			continue
		}
		if err := t.cache.ReplaceUID(ctx, accountID, folder, uid, newUID); err != nil {
			return fmt.Errorf("recording UID %s for %s: %w", newUID, uid, err)
		}
	}
	return nil
}

// EmptyTrash expunges every message in the account's trash folder.
func (t *Transport) EmptyTrash(ctx context.Context, accountID string) error {
	acc, err := t.account(accountID)
	if err != nil {
		return err
	}
	if acc.trash == "" {
		return pending.Permanent(fmt.Errorf("account %q has no trash folder", accountID))
	}

	removed, err := acc.mailbox.Expunge(ctx, acc.trash)
	if err != nil {
		return err
	}

	// Moved messages are cached under their source UIDs, which the server
	// does not report back, so every uploaded trash entry goes.
	cached, err := t.cache.GetMessages(ctx, store.MessageFilter{AccountID: accountID, Folder: acc.trash})
	if err != nil {
		return fmt.Errorf("listing cached trash: %w", err)
	}
	for _, m := range cached {
		if !m.IsLocal() {
			removed = append(removed, m.UID)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := t.cache.DeleteMessages(ctx, accountID, acc.trash, removed); err != nil {
		return fmt.Errorf("mirroring expunge of %s: %w", acc.trash, err)
	}
	return nil
}
