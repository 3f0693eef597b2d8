package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Queue is the durable storage of the command log.
type Queue interface {
	InsertCommand(ctx context.Context, cmd Command) (Command, error)
	InsertCommands(ctx context.Context, cmds []Command) ([]Command, error)
	PendingCommands(ctx context.Context, accountID string) ([]Command, error)
	RemoveCommand(ctx context.Context, id string) error
}

// Executor applies commands to the remote mailbox.
type Executor interface {
	SetFlag(ctx context.Context, accountID, folder string, uids []string, flag string, state bool) error
	MoveOrCopy(ctx context.Context, accountID, folder, dest string, uids []string, isCopy bool) error
	Append(ctx context.Context, accountID, folder string, uids []string) error
	EmptyTrash(ctx context.Context, accountID string) error
}

// PermanentError marks a command that can never succeed. Drain drops such
// commands from the log instead of retrying them.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or any error in its chain) is a
// PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// Processor records commands and drains them in order.
type Processor struct {
	Queue    Queue
	Executor Executor
	Logger   zerolog.Logger

	// mu serializes drains so two callers never execute the same command.
	mu sync.Mutex
}

// NewProcessor creates a Processor.
func NewProcessor(q Queue, exec Executor, logger zerolog.Logger) *Processor {
	return &Processor{Queue: q, Executor: exec, Logger: logger}
}

// Enqueue durably records cmd. The returned copy carries the assigned id
// and sequence number.
func (p *Processor) Enqueue(ctx context.Context, cmd Command) (Command, error) {
	cmd, err := prepare(cmd)
	if err != nil {
		return Command{}, err
	}

	stored, err := p.Queue.InsertCommand(ctx, cmd)
	if err != nil {
		return Command{}, fmt.Errorf("enqueuing %s command: %w", cmd.Kind, err)
	}

	p.Logger.Debug().
		Str("account", cmd.AccountID).
		Str("kind", string(cmd.Kind)).
		Int64("seq", stored.Seq).
		Msg("pending command enqueued")
	return stored, nil
}

// EnqueueAll records cmds as one unit: either all of them reach the log,
// in order, or none does.
func (p *Processor) EnqueueAll(ctx context.Context, cmds []Command) ([]Command, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	prepared := make([]Command, 0, len(cmds))
	for _, cmd := range cmds {
		c, err := prepare(cmd)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, c)
	}

	stored, err := p.Queue.InsertCommands(ctx, prepared)
	if err != nil {
		return nil, fmt.Errorf("enqueuing %d commands: %w", len(prepared), err)
	}

	for _, c := range stored {
		p.Logger.Debug().
			Str("account", c.AccountID).
			Str("kind", string(c.Kind)).
			Int64("seq", c.Seq).
			Msg("pending command enqueued")
	}
	return stored, nil
}

func prepare(cmd Command) (Command, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Drain executes the account's pending commands in log order and returns
// how many were removed from the log. A failing command stops the drain
// and stays queued, unless its failure is permanent.
func (p *Processor) Drain(ctx context.Context, accountID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmds, err := p.Queue.PendingCommands(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("loading pending commands: %w", err)
	}

	removed := 0
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		log := p.Logger.With().
			Str("account", accountID).
			Str("kind", string(cmd.Kind)).
			Int64("seq", cmd.Seq).
			Logger()

		if err := p.execute(ctx, cmd); err != nil {
			if !IsPermanent(err) {
				log.Warn().Err(err).Msg("pending command failed, will retry")
				return removed, fmt.Errorf("executing %s command %d: %w", cmd.Kind, cmd.Seq, err)
			}
			log.Error().Err(err).Msg("dropping pending command")
		}

		if err := p.Queue.RemoveCommand(ctx, cmd.ID); err != nil {
			return removed, fmt.Errorf("removing pending command %d: %w", cmd.Seq, err)
		}
		removed++
	}

	return removed, nil
}

func (p *Processor) execute(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return Permanent(err)
	}
	switch cmd.Kind {
	case KindSetFlag:
		return p.Executor.SetFlag(ctx, cmd.AccountID, cmd.Folder, cmd.UIDs, cmd.Flag, cmd.State)
	case KindMoveOrCopy:
		return p.Executor.MoveOrCopy(ctx, cmd.AccountID, cmd.Folder, cmd.DestFolder, cmd.UIDs, cmd.IsCopy)
	case KindAppend:
		return p.Executor.Append(ctx, cmd.AccountID, cmd.Folder, cmd.UIDs)
	case KindEmptyTrash:
		return p.Executor.EmptyTrash(ctx, cmd.AccountID)
	}
	return Permanent(fmt.Errorf("unknown pending command kind %q", cmd.Kind))
}
