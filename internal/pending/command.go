// Package pending implements the durable pending-command log: ordered
// mutations of remote mailbox state that are recorded locally before they
// are executed against the server.
package pending

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the remote mutation a Command performs.
type Kind string

const (
	KindSetFlag    Kind = "set_flag"
	KindMoveOrCopy Kind = "move_or_copy"
	KindAppend     Kind = "append"
	KindEmptyTrash Kind = "empty_trash"
)

// Valid reports whether k is a known command kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSetFlag, KindMoveOrCopy, KindAppend, KindEmptyTrash:
		return true
	}
	return false
}

// Command is a single entry of the pending-command log.
type Command struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`

	// Seq is the log position assigned on insert. Commands of one account
	// execute in ascending Seq order.
	Seq int64 `json:"-"`

	Kind       Kind     `json:"kind"`
	Folder     string   `json:"folder,omitempty"`
	DestFolder string   `json:"dest_folder,omitempty"`
	UIDs       []string `json:"uids,omitempty"`

	// Flag and State apply to set_flag commands.
	Flag  string `json:"flag,omitempty"`
	State bool   `json:"state,omitempty"`

	// IsCopy turns a move_or_copy command into a copy.
	IsCopy bool `json:"is_copy,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SetFlag builds a command that sets or clears flag on uids in folder.
func SetFlag(accountID, folder string, uids []string, flag string, state bool) Command {
	return Command{
		AccountID: accountID,
		Kind:      KindSetFlag,
		Folder:    folder,
		UIDs:      uids,
		Flag:      flag,
		State:     state,
	}
}

// MoveOrCopy builds a command that moves (or copies) uids from folder to
// dest.
func MoveOrCopy(accountID, folder, dest string, uids []string, isCopy bool) Command {
	return Command{
		AccountID:  accountID,
		Kind:       KindMoveOrCopy,
		Folder:     folder,
		DestFolder: dest,
		UIDs:       uids,
		IsCopy:     isCopy,
	}
}

// Append builds a command that uploads the local messages uids of folder.
func Append(accountID, folder string, uids []string) Command {
	return Command{
		AccountID: accountID,
		Kind:      KindAppend,
		Folder:    folder,
		UIDs:      uids,
	}
}

// EmptyTrash builds a command that expunges the account's trash folder.
func EmptyTrash(accountID string) Command {
	return Command{
		AccountID: accountID,
		Kind:      KindEmptyTrash,
	}
}

// Validate checks the fields a command of its kind needs.
func (c Command) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("pending command has no account")
	}
	switch c.Kind {
	case KindSetFlag:
		if c.Folder == "" || len(c.UIDs) == 0 || c.Flag == "" {
			return fmt.Errorf("set_flag needs folder, uids and flag")
		}
	case KindMoveOrCopy:
		if c.Folder == "" || c.DestFolder == "" || len(c.UIDs) == 0 {
			return fmt.Errorf("move_or_copy needs folder, dest folder and uids")
		}
	case KindAppend:
		if c.Folder == "" || len(c.UIDs) == 0 {
			return fmt.Errorf("append needs folder and uids")
		}
	case KindEmptyTrash:
	default:
		return fmt.Errorf("unknown pending command kind %q", c.Kind)
	}
	return nil
}

// Encode serializes a command into its stored payload.
func Encode(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling pending command %s: %w", c.ID, err)
	}
	return data, nil
}

// Decode restores a command from its stored payload.
func Decode(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("unmarshaling pending command: %w", err)
	}
	if !c.Kind.Valid() {
		return Command{}, fmt.Errorf("unknown pending command kind %q", c.Kind)
	}
	return c, nil
}
