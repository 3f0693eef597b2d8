package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/e3mail/internal/pending"
)

// InsertCommand appends cmd to the pending-command log and returns it with
// its sequence number.
func (s *SQLiteStore) InsertCommand(ctx context.Context, cmd pending.Command) (pending.Command, error) {
	return insertCommand(ctx, s.db, cmd)
}

// InsertCommands appends cmds to the log in one transaction. Either every
// command is recorded or none is.
func (s *SQLiteStore) InsertCommands(ctx context.Context, cmds []pending.Command) ([]pending.Command, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stored := make([]pending.Command, 0, len(cmds))
	for _, cmd := range cmds {
		c, err := insertCommand(ctx, tx, cmd)
		if err != nil {
			return nil, err
		}
		stored = append(stored, c)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing pending commands: %w", err)
	}
	return stored, nil
}

func insertCommand(ctx context.Context, db sqlx.ExecerContext, cmd pending.Command) (pending.Command, error) {
	if cmd.ID == "" {
		return pending.Command{}, fmt.Errorf("pending command has no id")
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}

	payload, err := pending.Encode(cmd)
	if err != nil {
		return pending.Command{}, err
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO pending_commands (id, account_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cmd.ID, cmd.AccountID, string(cmd.Kind), string(payload), cmd.CreatedAt.UTC(),
	)
	if err != nil {
		return pending.Command{}, fmt.Errorf("inserting pending command %s: %w", cmd.ID, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return pending.Command{}, fmt.Errorf("reading pending command sequence: %w", err)
	}
	cmd.Seq = seq
	return cmd, nil
}

// PendingCommands returns the account's queued commands in log order.
func (s *SQLiteStore) PendingCommands(ctx context.Context, accountID string) ([]pending.Command, error) {
	var rows []struct {
		Seq     int64  `db:"seq"`
		Payload string `db:"payload"`
	}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT seq, payload FROM pending_commands WHERE account_id = ? ORDER BY seq",
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending commands: %w", err)
	}

	cmds := make([]pending.Command, 0, len(rows))
	for _, r := range rows {
		cmd, err := pending.Decode([]byte(r.Payload))
		if err != nil {
			return nil, fmt.Errorf("decoding pending command %d: %w", r.Seq, err)
		}
		cmd.Seq = r.Seq
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// RemoveCommand deletes a command from the log.
func (s *SQLiteStore) RemoveCommand(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM pending_commands WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("removing pending command %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pending command %s: %w", id, ErrNotFound)
	}
	return nil
}
