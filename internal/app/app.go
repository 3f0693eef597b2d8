// Package app wires the store, oracle, transport and pipelines into one
// application service used by the command line.
package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/e3mail/internal/credential"
	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/keymail"
	"github.com/nhle/e3mail/internal/keymanager"
	"github.com/nhle/e3mail/internal/keyscan"
	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/oracle"
	"github.com/nhle/e3mail/internal/pending"
	"github.com/nhle/e3mail/internal/signer"
	"github.com/nhle/e3mail/internal/store"
	appsync "github.com/nhle/e3mail/internal/sync"
	"github.com/nhle/e3mail/internal/transport/email"
	"github.com/nhle/e3mail/internal/undo"
)

// App holds every long-lived component. All accounts share one store,
// one oracle and one pending-command processor.
type App struct {
	Config      *model.AppConfig
	ConfigPath  string
	Store       *store.SQLiteStore
	Credentials credential.Store
	Logger      zerolog.Logger

	Oracle     *oracle.PGPOracle
	Signer     *signer.Signer
	Keys       *keymanager.Manager
	Transport  *email.Transport
	Commands   *pending.Processor
	Reconciler *undo.Reconciler
	Registry   *undo.Registry
	Scanner    *keyscan.Scanner
	Builder    *keymail.Builder
	Publisher  *keymail.Publisher

	// Dial creates the mailbox of an account. It defaults to an IMAP
	// client; tests replace it.
	Dial func(acc model.AccountConfig, password string) email.Mailbox
}

// New creates an App from a loaded configuration and an open store.
func New(cfg *model.AppConfig, configPath string, s *store.SQLiteStore, creds credential.Store, logger zerolog.Logger) *App {
	o := oracle.NewPGPOracle(s, credential.Passphrases(creds), logger.With().Str("component", "oracle").Logger())
	sig := signer.New(o, signer.Policy{AcceptUnconfirmed: cfg.E3.AcceptUnconfirmed}, logger)
	keys := keymanager.New(o, logger)
	tr := email.NewTransport(s, logger)
	cmds := pending.NewProcessor(s, tr, logger.With().Str("component", "pending").Logger())

	return &App{
		Config:      cfg,
		ConfigPath:  configPath,
		Store:       s,
		Credentials: creds,
		Logger:      logger,
		Oracle:      o,
		Signer:      sig,
		Keys:        keys,
		Transport:   tr,
		Commands:    cmds,
		Reconciler: &undo.Reconciler{
			Backend:  tr,
			Store:    s,
			Settings: s,
			Bind:     o.Binder(),
			Commands: cmds,
			Options: undo.Options{
				BatchSize:      cfg.Undo.BatchSize,
				DecryptTimeout: cfg.Undo.DecryptTimeout(),
			},
			Logger: logger.With().Str("component", "undo").Logger(),
		},
		Registry: undo.NewRegistry(),
		Scanner: &keyscan.Scanner{
			Backend:       tr,
			Store:         s,
			Settings:      s,
			Verifier:      sig,
			Keys:          keys,
			Confirmer:     o,
			SkewTolerance: cfg.E3.SkewTolerance(),
			Logger:        logger.With().Str("component", "keyscan").Logger(),
		},
		Builder: keymail.NewBuilder(sig, keys),
		Publisher: &keymail.Publisher{
			Store:    s,
			Commands: cmds,
			Logger:   logger,
		},
		Dial: func(acc model.AccountConfig, password string) email.Mailbox {
			return email.NewIMAPClientForAccount(acc, password)
		},
	}
}

// RegisterAccounts connects every configured account whose IMAP password
// is in the credential store and returns how many were registered.
func (a *App) RegisterAccounts() int {
	registered := 0
	for _, acc := range a.Config.Accounts {
		password, err := a.Credentials.Get(credential.IMAPKey(acc.ID))
		if err != nil {
			a.Logger.Warn().Err(err).
				Str("account", acc.ID).
				Msg("skipping account: IMAP credential not found")
			continue
		}
		a.Transport.Register(acc.ID, a.Dial(acc, password), acc.TrashFolder)
		registered++
	}
	return registered
}

// account returns the configuration of accountID.
func (a *App) account(accountID string) (model.AccountConfig, error) {
	return a.Config.Account(accountID)
}

// deviceKey returns the E3 key of accountID.
func (a *App) deviceKey(acc model.AccountConfig) (e3.KeyID, error) {
	if acc.E3KeyID == "" {
		return 0, fmt.Errorf("account %q has no E3 key; run keys init first", acc.ID)
	}
	return e3.ParseKeyID(acc.E3KeyID)
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// Poller returns a poller scanning every configured account.
func (a *App) Poller() *appsync.Poller {
	p := appsync.New(a.Scanner, a.Logger)
	for _, acc := range a.Config.Accounts {
		p.Register(appsync.Account{
			ID:       acc.ID,
			DeviceID: acc.DeviceID,
			Folder:   acc.InboxFolder,
			Interval: secondsOr(acc.PollIntervalSec, appsync.DefaultInterval),
		})
	}
	return p
}
