package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/e3mail/internal/model"
)

// messageRow is the database shape of a model.Message.
type messageRow struct {
	AccountID    string    `db:"account_id"`
	Folder       string    `db:"folder"`
	UID          string    `db:"uid"`
	Raw          []byte    `db:"raw"`
	Flags        string    `db:"flags"`
	InternalDate time.Time `db:"internal_date"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r messageRow) toModel() (model.Message, error) {
	msg := model.Message{
		AccountID:    r.AccountID,
		Folder:       r.Folder,
		UID:          r.UID,
		Raw:          r.Raw,
		InternalDate: r.InternalDate,
	}
	if r.Flags != "" {
		if err := json.Unmarshal([]byte(r.Flags), &msg.Flags); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling flags of %s: %w", r.UID, err)
		}
	}
	return msg, nil
}

const messageColumns = "account_id, folder, uid, raw, flags, internal_date, created_at"

// AppendMessages inserts or replaces a batch of messages in the local cache.
func (s *SQLiteStore) AppendMessages(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR REPLACE INTO messages (
			account_id, folder, uid, raw, flags, internal_date, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing append statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range msgs {
		if m.UID == "" {
			return fmt.Errorf("message in %s has no uid", m.Folder)
		}
		flags, err := marshalFlags(m.Flags)
		if err != nil {
			return err
		}
		internalDate := m.InternalDate
		if internalDate.IsZero() {
			internalDate = now
		}
		_, err = stmt.ExecContext(ctx,
			m.AccountID, m.Folder, m.UID, m.Raw, flags,
			internalDate.UTC(), now,
		)
		if err != nil {
			return fmt.Errorf("appending message %s: %w", m.UID, err)
		}
	}

	return tx.Commit()
}

// StoreLocalMessage stores msg under a freshly generated local uid and
// returns the stored copy.
func (s *SQLiteStore) StoreLocalMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	msg.UID = model.LocalUIDPrefix + uuid.New().String()
	if err := s.AppendMessages(ctx, []model.Message{msg}); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// GetMessage retrieves a single cached message.
func (s *SQLiteStore) GetMessage(ctx context.Context, accountID, folder, uid string) (*model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+messageColumns+" FROM messages WHERE account_id = ? AND folder = ? AND uid = ?",
		accountID, folder, uid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s in %s: %w", uid, folder, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", uid, err)
	}

	msg, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessages retrieves cached messages matching filter, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	var conditions []string
	var args []interface{}

	if filter.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Folder != "" {
		conditions = append(conditions, "folder = ?")
		args = append(args, filter.Folder)
	}
	if filter.Flag != nil {
		conditions = append(conditions,
			"EXISTS (SELECT 1 FROM json_each(messages.flags) WHERE json_each.value = ?)")
		args = append(args, *filter.Flag)
	}
	if filter.LocalOnly {
		conditions = append(conditions, "uid LIKE ?")
		args = append(args, model.LocalUIDPrefix+"%")
	}

	query := "SELECT " + messageColumns + " FROM messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY internal_date, uid"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	msgs := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// MissingUIDs returns the subset of uids that are not cached for the
// folder, preserving the input order.
func (s *SQLiteStore) MissingUIDs(ctx context.Context, accountID, folder string, uids []string) ([]string, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(
		"SELECT uid FROM messages WHERE account_id = ? AND folder = ? AND uid IN (?)",
		accountID, folder, uids,
	)
	if err != nil {
		return nil, fmt.Errorf("building uid query: %w", err)
	}

	var present []string
	if err := s.db.SelectContext(ctx, &present, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying cached uids: %w", err)
	}

	cached := make(map[string]bool, len(present))
	for _, uid := range present {
		cached[uid] = true
	}

	var missing []string
	for _, uid := range uids {
		if !cached[uid] {
			missing = append(missing, uid)
		}
	}
	return missing, nil
}

// SetMessageFlag sets or clears a flag on a cached message.
func (s *SQLiteStore) SetMessageFlag(ctx context.Context, accountID, folder, uid, flag string, state bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var flagsJSON string
	err = tx.GetContext(ctx, &flagsJSON,
		"SELECT flags FROM messages WHERE account_id = ? AND folder = ? AND uid = ?",
		accountID, folder, uid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s in %s: %w", uid, folder, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading flags of %s: %w", uid, err)
	}

	msg := model.Message{}
	if err := json.Unmarshal([]byte(flagsJSON), &msg.Flags); err != nil {
		return fmt.Errorf("unmarshaling flags of %s: %w", uid, err)
	}
	msg.SetFlag(flag, state)

	flags, err := marshalFlags(msg.Flags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE messages SET flags = ? WHERE account_id = ? AND folder = ? AND uid = ?",
		flags, accountID, folder, uid,
	)
	if err != nil {
		return fmt.Errorf("updating flags of %s: %w", uid, err)
	}

	return tx.Commit()
}

// ReplaceUID renames a cached message, typically a local message after the
// server assigned it a uid.
func (s *SQLiteStore) ReplaceUID(ctx context.Context, accountID, folder, oldUID, newUID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE OR REPLACE messages SET uid = ? WHERE account_id = ? AND folder = ? AND uid = ?",
		newUID, accountID, folder, oldUID,
	)
	if err != nil {
		return fmt.Errorf("replacing uid %s: %w", oldUID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message %s in %s: %w", oldUID, folder, ErrNotFound)
	}
	return nil
}

// MoveMessages moves cached messages to another folder.
func (s *SQLiteStore) MoveMessages(ctx context.Context, accountID, folder, dest string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		"UPDATE OR REPLACE messages SET folder = ? WHERE account_id = ? AND folder = ? AND uid IN (?)",
		dest, accountID, folder, uids,
	)
	if err != nil {
		return fmt.Errorf("building move query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("moving messages to %s: %w", dest, err)
	}
	return nil
}

// DeleteMessages removes cached messages.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, accountID, folder string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		"DELETE FROM messages WHERE account_id = ? AND folder = ? AND uid IN (?)",
		accountID, folder, uids,
	)
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("deleting messages from %s: %w", folder, err)
	}
	return nil
}

func marshalFlags(flags []string) (string, error) {
	if flags == nil {
		flags = []string{}
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return "", fmt.Errorf("marshaling flags: %w", err)
	}
	return string(data), nil
}
