package app

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/e3mail/internal/store"
)

// mboxSender is the envelope sender written when a message has no From.
const mboxSender = "MAILER-DAEMON"

// Export writes the cached messages of folder (the inbox when empty) to w
// in mbox format and returns how many were written.
func (a *App) Export(ctx context.Context, accountID, folder string, w io.Writer) (int, error) {
	acc, err := a.account(accountID)
	if err != nil {
		return 0, err
	}
	if folder == "" {
		folder = acc.InboxFolder
	}

	msgs, err := a.Store.GetMessages(ctx, store.MessageFilter{AccountID: acc.ID, Folder: folder})
	if err != nil {
		return 0, err
	}

	mw := mbox.NewWriter(w)
	for i := range msgs {
		from := mboxSender
		if h, err := msgs[i].Header(); err == nil {
			mh := mail.Header{Header: message.Header{Header: h}}
			if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
				from = addrs[0].Address
			}
		}

		out, err := mw.CreateMessage(from, msgs[i].InternalDate)
		if err != nil {
			return i, fmt.Errorf("writing message %s: %w", msgs[i].UID, err)
		}
		if _, err := out.Write(msgs[i].Raw); err != nil {
			return i, fmt.Errorf("writing message %s: %w", msgs[i].UID, err)
		}
	}
	if err := mw.Close(); err != nil {
		return len(msgs), err
	}

	a.Logger.Info().
		Str("account", acc.ID).
		Str("folder", folder).
		Int("messages", len(msgs)).
		Msg("exported folder")
	return len(msgs), nil
}
