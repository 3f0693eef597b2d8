package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/e3mail/internal/model"
)

const keyColumns = "key_id, fingerprint, name, armored, private, confirmed, created_at, updated_at"

// PutKey inserts a key or updates its material. An existing key keeps its
// confirmation state.
func (s *SQLiteStore) PutKey(ctx context.Context, key model.E3Key) error {
	key.KeyID = strings.ToLower(key.KeyID)
	if key.KeyID == "" || key.Armored == "" {
		return fmt.Errorf("key must have an id and armored material")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO e3_keys (
			key_id, fingerprint, name, armored, private, confirmed, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			name = excluded.name,
			armored = excluded.armored,
			private = MAX(e3_keys.private, excluded.private),
			confirmed = MAX(e3_keys.confirmed, excluded.confirmed),
			updated_at = excluded.updated_at`,
		key.KeyID, key.Fingerprint, key.Name, key.Armored,
		boolToInt(key.Private), boolToInt(key.Confirmed), now, now,
	)
	if err != nil {
		return fmt.Errorf("storing key %s: %w", key.KeyID, err)
	}
	return nil
}

// GetKey retrieves a key by its hex id.
func (s *SQLiteStore) GetKey(ctx context.Context, keyID string) (*model.E3Key, error) {
	var key model.E3Key
	err := s.db.GetContext(ctx, &key,
		"SELECT "+keyColumns+" FROM e3_keys WHERE key_id = ?", strings.ToLower(keyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting key %s: %w", keyID, err)
	}
	return &key, nil
}

// ListKeys lists stored keys, optionally restricted to private or public
// entries.
func (s *SQLiteStore) ListKeys(ctx context.Context, private *bool) ([]model.E3Key, error) {
	query := "SELECT " + keyColumns + " FROM e3_keys"
	var args []interface{}
	if private != nil {
		query += " WHERE private = ?"
		args = append(args, boolToInt(*private))
	}
	query += " ORDER BY created_at, key_id"

	var keys []model.E3Key
	if err := s.db.SelectContext(ctx, &keys, query, args...); err != nil {
		return nil, fmt.Errorf("querying keys: %w", err)
	}
	return keys, nil
}

// DeleteKey removes a key by its hex id.
func (s *SQLiteStore) DeleteKey(ctx context.Context, keyID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM e3_keys WHERE key_id = ?", strings.ToLower(keyID))
	if err != nil {
		return fmt.Errorf("deleting key %s: %w", keyID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("key %s: %w", keyID, ErrNotFound)
	}
	return nil
}

// ConfirmKey marks a key as confirmed by verification phrase.
func (s *SQLiteStore) ConfirmKey(ctx context.Context, keyID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE e3_keys SET confirmed = 1, updated_at = ? WHERE key_id = ?",
		time.Now().UTC(), strings.ToLower(keyID),
	)
	if err != nil {
		return fmt.Errorf("confirming key %s: %w", keyID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("key %s: %w", keyID, ErrNotFound)
	}
	return nil
}
