package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/e3mail/internal/credential"
	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/keymail"
	"github.com/nhle/e3mail/internal/keyscan"
	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/oracle"
	"github.com/nhle/e3mail/internal/undo"
)

func secondsOr(sec int, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

// Undo decrypts every E3 encrypted message in folder (the inbox when
// empty). A run already in progress for the account is replaced.
func (a *App) Undo(ctx context.Context, accountID, folder string) (*undo.Report, error) {
	acc, err := a.account(accountID)
	if err != nil {
		return nil, err
	}
	if folder == "" {
		folder = acc.InboxFolder
	}

	req := undo.Request{
		AccountID:   acc.ID,
		Email:       acc.Email,
		Folder:      folder,
		TrashFolder: acc.TrashFolder,
	}
	a.Registry.Start(ctx, acc.ID, func(ctx context.Context) (*undo.Report, error) {
		return a.Reconciler.Run(ctx, req)
	})
	return a.Registry.Wait(ctx, acc.ID)
}

// Scan applies the trusted key emails in the account's inbox.
func (a *App) Scan(ctx context.Context, accountID string) (*keyscan.Report, error) {
	acc, err := a.account(accountID)
	if err != nil {
		return nil, err
	}
	return a.Scanner.Scan(ctx, keyscan.Request{AccountID: acc.ID, Folder: acc.InboxFolder, DeviceID: acc.DeviceID})
}

// Verify trusts the key upload carrying phrase.
func (a *App) Verify(ctx context.Context, accountID, phrase string) (*keyscan.Verification, error) {
	acc, err := a.account(accountID)
	if err != nil {
		return nil, err
	}
	return a.Scanner.Verify(ctx, keyscan.Request{AccountID: acc.ID, Folder: acc.InboxFolder, DeviceID: acc.DeviceID}, phrase)
}

// InitDevice creates this device's E3 key for the account, stores its
// passphrase in the credential store and records the key id and a new
// device id in the configuration file.
func (a *App) InitDevice(ctx context.Context, accountID, name, passphrase string) (e3.KeyID, error) {
	idx := -1
	for i, acc := range a.Config.Accounts {
		if acc.ID == accountID {
			idx = i
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("account %q is not configured", accountID)
	}
	acc := a.Config.Accounts[idx]
	if acc.E3KeyID != "" {
		return 0, fmt.Errorf("account %q already has E3 key %s", accountID, acc.E3KeyID)
	}

	id, err := a.Oracle.GenerateDeviceKey(ctx, name, acc.Email, []byte(passphrase))
	if err != nil {
		return 0, fmt.Errorf("generating device key: %w", err)
	}
	if passphrase != "" {
		if err := a.Credentials.Set(credential.PassphraseKey(id), passphrase); err != nil {
			return id, err
		}
	}

	a.Config.Accounts[idx].E3KeyID = id.String()
	if a.Config.Accounts[idx].DeviceID == "" {
		a.Config.Accounts[idx].DeviceID = uuid.NewString()
	}
	if err := model.SaveConfig(a.ConfigPath, a.Config); err != nil {
		return id, err
	}
	a.Logger.Info().Str("account", accountID).Str("key_id", id.String()).Msg("created device key")
	return id, nil
}

// UploadKey publishes a key upload for the account's device key.
func (a *App) UploadKey(ctx context.Context, accountID string, responseTo []string) (*keymail.Built, error) {
	acc, err := a.account(accountID)
	if err != nil {
		return nil, err
	}
	keyID, err := a.deviceKey(acc)
	if err != nil {
		return nil, err
	}

	built, err := a.Builder.BuildKeyUpload(ctx, keymail.UploadRequest{
		AccountID:  acc.ID,
		Email:      acc.Email,
		KeyID:      keyID,
		DeviceID:   acc.DeviceID,
		ResponseTo: responseTo,
	})
	if err != nil {
		return nil, err
	}
	if _, err := a.Publisher.Publish(ctx, acc.ID, acc.InboxFolder, built); err != nil {
		return built, err
	}
	return built, nil
}

// DeleteDevices publishes a device delete request revoking ids and
// removes the keys locally.
func (a *App) DeleteDevices(ctx context.Context, accountID string, ids []e3.KeyID) (*keymail.Built, error) {
	acc, err := a.account(accountID)
	if err != nil {
		return nil, err
	}
	keyID, err := a.deviceKey(acc)
	if err != nil {
		return nil, err
	}

	names := make(map[e3.KeyID]string)
	for _, k := range a.Keys.ListKnownKeys(ctx) {
		names[k.ID] = k.Name
	}
	revoke := make([]oracle.KeyInfo, 0, len(ids))
	for _, id := range ids {
		if id == keyID {
			return nil, fmt.Errorf("refusing to revoke this device's own key %s", id)
		}
		revoke = append(revoke, oracle.KeyInfo{ID: id, Name: names[id]})
	}

	built, err := a.Builder.BuildDelete(ctx, keymail.DeleteRequest{
		AccountID: acc.ID,
		Email:     acc.Email,
		KeyID:     keyID,
		DeviceID:  acc.DeviceID,
		Revoke:    revoke,
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		a.Keys.DeleteKey(ctx, id)
	}
	if _, err := a.Publisher.Publish(ctx, acc.ID, acc.InboxFolder, built); err != nil {
		return built, err
	}
	return built, nil
}

// KnownKeys lists the encrypt-on-receipt keys of other devices.
func (a *App) KnownKeys(ctx context.Context) []oracle.KeyInfo {
	return a.Keys.ListKnownKeys(ctx)
}
