package keymail

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/pending"
)

// LocalStore keeps outgoing messages until they are uploaded.
type LocalStore interface {
	StoreLocalMessage(ctx context.Context, msg model.Message) (model.Message, error)
}

// CommandLog records and drains pending commands.
type CommandLog interface {
	Enqueue(ctx context.Context, cmd pending.Command) (pending.Command, error)
	Drain(ctx context.Context, accountID string) (int, error)
}

// Publisher delivers key emails by appending them to the account's own
// mailbox, where every device of the account picks them up.
type Publisher struct {
	Store    LocalStore
	Commands CommandLog
	Logger   zerolog.Logger
}

// Publish stores msg locally and queues its upload into folder. The
// returned message is the local copy. A failed upload leaves the command
// queued and is reported as an error; the next drain retries it.
func (p *Publisher) Publish(ctx context.Context, accountID, folder string, msg *Built) (model.Message, error) {
	local, err := p.Store.StoreLocalMessage(ctx, model.Message{
		AccountID:    accountID,
		Folder:       folder,
		Raw:          msg.Raw,
		Flags:        []string{model.FlagSeen},
		InternalDate: msg.Date,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("storing key email: %w", err)
	}

	if _, err := p.Commands.Enqueue(ctx, pending.Append(accountID, folder, []string{local.UID})); err != nil {
		return local, err
	}

	if _, err := p.Commands.Drain(ctx, accountID); err != nil {
		p.Logger.Warn().Err(err).
			Str("account", accountID).
			Str("uid", local.UID).
			Msg("key email queued, upload failed")
		return local, fmt.Errorf("uploading key email: %w", err)
	}

	p.Logger.Info().
		Str("account", accountID).
		Str("folder", folder).
		Str("digest", msg.Digest).
		Msg("key email published")
	return local, nil
}
