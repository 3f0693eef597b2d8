package oracle

import (
	"errors"
	"fmt"

	"github.com/nhle/e3mail/internal/e3"
)

// Status is the raw result code of an oracle call.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusUserInteractionRequired
	StatusKeyNotFound
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUserInteractionRequired:
		return "user_interaction_required"
	case StatusKeyNotFound:
		return "key_not_found"
	default:
		return "error"
	}
}

// OpError is a non-success oracle result.
type OpError struct {
	Op     string
	Status Status
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("oracle %s (%s): %v", e.Op, e.Status, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// StatusOf extracts the raw oracle status from err. Errors that are not
// OpErrors report StatusError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Status
	}
	return StatusError
}

// ConnectionError indicates that binding to the oracle failed.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("binding to oracle %s: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err (or any error in its chain) is a
// ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// SigningUnavailableError is returned when the oracle could not produce a
// header signature. Status carries the oracle's raw result.
type SigningUnavailableError struct {
	KeyID  e3.KeyID
	Status Status
	Err    error
}

func (e *SigningUnavailableError) Error() string {
	return fmt.Sprintf("signing unavailable for key %s (%s): %v", e.KeyID, e.Status, e.Err)
}

func (e *SigningUnavailableError) Unwrap() error {
	return e.Err
}

// IsSigningUnavailable reports whether err (or any error in its chain)
// is a SigningUnavailableError.
func IsSigningUnavailable(err error) bool {
	var sigErr *SigningUnavailableError
	return errors.As(err, &sigErr)
}

// VerificationUnavailableError records that the oracle could not run a
// signature check at all, as opposed to rejecting the signature.
type VerificationUnavailableError struct {
	Status Status
	Err    error
}

func (e *VerificationUnavailableError) Error() string {
	return fmt.Sprintf("verification unavailable (%s): %v", e.Status, e.Err)
}

func (e *VerificationUnavailableError) Unwrap() error {
	return e.Err
}

// IsVerificationUnavailable reports whether err (or any error in its
// chain) is a VerificationUnavailableError.
func IsVerificationUnavailable(err error) bool {
	var verErr *VerificationUnavailableError
	return errors.As(err, &verErr)
}
