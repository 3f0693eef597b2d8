package store

import (
	"context"
	"errors"

	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/pending"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MessageFilter controls filtering for message queries.
type MessageFilter struct {
	AccountID string
	Folder    string
	Flag      *string // only messages carrying this flag
	LocalOnly bool    // only messages not yet uploaded
	Limit     int
}

// Store defines the persistence interface for the local mail cache, the
// pending-command log, per-account settings and the E3 key store.
type Store interface {
	// === Messages ===

	AppendMessages(ctx context.Context, msgs []model.Message) error
	StoreLocalMessage(ctx context.Context, msg model.Message) (model.Message, error)
	GetMessage(ctx context.Context, accountID, folder, uid string) (*model.Message, error)
	GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	MissingUIDs(ctx context.Context, accountID, folder string, uids []string) ([]string, error)
	SetMessageFlag(ctx context.Context, accountID, folder, uid, flag string, state bool) error
	ReplaceUID(ctx context.Context, accountID, folder, oldUID, newUID string) error
	MoveMessages(ctx context.Context, accountID, folder, dest string, uids []string) error
	DeleteMessages(ctx context.Context, accountID, folder string, uids []string) error

	// === Pending commands ===

	InsertCommand(ctx context.Context, cmd pending.Command) (pending.Command, error)
	InsertCommands(ctx context.Context, cmds []pending.Command) ([]pending.Command, error)
	PendingCommands(ctx context.Context, accountID string) ([]pending.Command, error)
	RemoveCommand(ctx context.Context, id string) error

	// === Account settings ===

	RemoteSearchEnabled(ctx context.Context, accountID string) (bool, error)
	SetRemoteSearch(ctx context.Context, accountID string, enabled bool) error

	// === E3 keys ===

	PutKey(ctx context.Context, key model.E3Key) error
	GetKey(ctx context.Context, keyID string) (*model.E3Key, error)
	ListKeys(ctx context.Context, private *bool) ([]model.E3Key, error)
	DeleteKey(ctx context.Context, keyID string) error
	ConfirmKey(ctx context.Context, keyID string) error
}

var (
	_ Store         = (*SQLiteStore)(nil)
	_ pending.Queue = (*SQLiteStore)(nil)
)
