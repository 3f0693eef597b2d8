// Package keymanager applies trusted key emails to the oracle's key store.
package keymanager

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/oracle"
)

// AddReport counts the outcome of an AddKeys call.
type AddReport struct {
	Added  int
	Failed int
}

// Manager adds, deletes and lists encrypt-on-receipt keys.
type Manager struct {
	Oracle oracle.Oracle
	Logger zerolog.Logger
}

// New creates a Manager.
func New(o oracle.Oracle, logger zerolog.Logger) *Manager {
	return &Manager{Oracle: o, Logger: logger}
}

// AddKeys registers every public key offered by k. A failing key is
// logged and skipped.
func (m *Manager) AddKeys(ctx context.Context, k *e3.KeyEmail) AddReport {
	var report AddReport
	if len(k.PublicKeys) == 0 {
		m.Logger.Debug().Str("name", k.Name).Msg("key email offers no keys")
		return report
	}

	for i, blob := range k.PublicKeys {
		if err := m.Oracle.AddKey(ctx, blob); err != nil {
			m.Logger.Warn().Err(err).Int("index", i).Str("name", k.Name).
				Str("status", oracle.StatusOf(err).String()).
				Msg("adding encrypt-on-receipt key failed")
			report.Failed++
			continue
		}
		report.Added++
	}

	m.Logger.Info().Str("name", k.Name).Int("added", report.Added).
		Int("failed", report.Failed).Msg("applied key email")
	return report
}

// DeleteKeys removes every key revoked by k and returns how many were
// deleted.
func (m *Manager) DeleteKeys(ctx context.Context, k *e3.KeyEmail) int {
	if len(k.DeletedKeyIDs) == 0 {
		m.Logger.Debug().Str("name", k.Name).Msg("delete email revokes no keys")
		return 0
	}

	deleted := 0
	for _, id := range k.DeletedKeyIDs {
		if m.DeleteKey(ctx, id) {
			deleted++
		}
	}
	return deleted
}

// DeleteKey removes a single key and reports whether it succeeded.
func (m *Manager) DeleteKey(ctx context.Context, id e3.KeyID) bool {
	if err := m.Oracle.DeleteKey(ctx, id); err != nil {
		m.Logger.Warn().Err(err).Str("key_id", id.String()).
			Str("status", oracle.StatusOf(err).String()).
			Msg("deleting encrypt-on-receipt key failed")
		return false
	}
	m.Logger.Info().Str("key_id", id.String()).Msg("deleted encrypt-on-receipt key")
	return true
}

// ListKnownKeys enumerates the encrypt-on-receipt keys. A key store
// failure is logged and yields an empty list.
func (m *Manager) ListKnownKeys(ctx context.Context) []oracle.KeyInfo {
	keys, err := m.Oracle.ListKnownKeys(ctx)
	if err != nil {
		m.Logger.Error().Err(err).Msg("listing encrypt-on-receipt keys failed")
		return []oracle.KeyInfo{}
	}
	return keys
}

// ExportKeys fetches the armored public keys for ids, skipping keys the
// oracle cannot export.
func (m *Manager) ExportKeys(ctx context.Context, ids []e3.KeyID) []oracle.KeyResult {
	results := make([]oracle.KeyResult, 0, len(ids))
	for _, id := range ids {
		res, err := m.Oracle.GetKey(ctx, id, true, true)
		if err != nil {
			m.Logger.Warn().Err(err).Str("key_id", id.String()).Msg("exporting key failed")
			continue
		}
		results = append(results, *res)
	}
	return results
}
