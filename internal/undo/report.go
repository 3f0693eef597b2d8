package undo

import (
	"errors"
	"fmt"
)

// State is a stage of the reconciler state machine.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateBatchFetching
	StateDecrypting
	StateReconciling
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateBatchFetching:
		return "batch_fetching"
	case StateDecrypting:
		return "decrypting"
	case StateReconciling:
		return "reconciling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Outcome is the terminal result of a run.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeNoneFound Outcome = "none_found"
	OutcomeFailed    Outcome = "failed"
)

// Replacement pairs an encrypted original with its plaintext copy.
type Replacement struct {
	OriginalUID string

	// StagedUID is the local: id the plaintext copy was cached under
	// before upload. The server assigns the copy a new uid when the append
	// drains, so StagedUID is not a server uid.
	StagedUID string

	// Uploaded reports whether the append drained within the run.
	Uploaded bool
}

// Skipped is a message that could not be decrypted.
type Skipped struct {
	UID string
	Err error
}

// Report summarizes a run.
type Report struct {
	AccountID string
	Folder    string
	Outcome   Outcome

	// Replayed counts pending commands left by an earlier run that were
	// drained before scanning.
	Replayed int

	Discovered   int
	Replaced     []Replacement
	Skipped      []Skipped
	NotEncrypted []string

	Err error
}

// ReplacedUIDs returns the original uids that were replaced.
func (r *Report) ReplacedUIDs() []string {
	uids := make([]string, 0, len(r.Replaced))
	for _, rep := range r.Replaced {
		uids = append(uids, rep.OriginalUID)
	}
	return uids
}

// DecryptUnavailableError records a per-message decrypt failure. It never
// fails a run.
type DecryptUnavailableError struct {
	UID string
	Err error
}

func (e *DecryptUnavailableError) Error() string {
	return fmt.Sprintf("decrypting message %s: %v", e.UID, e.Err)
}

func (e *DecryptUnavailableError) Unwrap() error {
	return e.Err
}

// IsDecryptUnavailable reports whether err (or any error in its chain) is
// a DecryptUnavailableError.
func IsDecryptUnavailable(err error) bool {
	var decErr *DecryptUnavailableError
	return errors.As(err, &decErr)
}

// ReconciliationError is a fatal transport, store or drain failure. The
// run can be retried as a whole.
type ReconciliationError struct {
	Stage State
	Err   error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("undo encryption failed while %s: %v", e.Stage, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// IsReconciliationError reports whether err (or any error in its chain)
// is a ReconciliationError.
func IsReconciliationError(err error) bool {
	var recErr *ReconciliationError
	return errors.As(err, &recErr)
}
