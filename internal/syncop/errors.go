package syncop

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage is matched by every StorageFault via errors.Is
	ErrStorage = errors.New("storage fault")

	// ErrNotFound indicates no operation exists with the requested id
	ErrNotFound = errors.New("operation not found")

	// ErrNotTerminal indicates a purge was attempted on a live operation
	ErrNotTerminal = errors.New("operation is not in a terminal state")

	// ErrValidation indicates a malformed request (missing entity, unknown type)
	ErrValidation = errors.New("invalid operation")

	// ErrTransientSync indicates a recoverable remote failure (network, timeout, 5xx)
	ErrTransientSync = errors.New("transient sync fault")

	// ErrPermanentSync indicates the backend rejected the operation
	ErrPermanentSync = errors.New("permanent sync fault")

	// ErrRetryExhausted indicates the attempt ceiling was reached
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// StorageFault wraps an underlying persistence failure. State is unchanged
// when one is returned and the call may be retried.
type StorageFault struct {
	Op  string
	Err error
}

func (e *StorageFault) Error() string {
	return fmt.Sprintf("storage fault during %s: %v", e.Op, e.Err)
}

func (e *StorageFault) Unwrap() error { return e.Err }

func (e *StorageFault) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a StorageFault unless it is nil or already a
// domain error that callers match on directly.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageFault{Op: op, Err: err}
}

// IsStorageFault reports whether err is (or wraps) a StorageFault
func IsStorageFault(err error) bool {
	return errors.Is(err, ErrStorage)
}

// TransitionError is returned when a status change violates the state machine
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("operation %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// SyncFault describes the outcome of a failed remote submission. Kind is
// one of ErrTransientSync, ErrPermanentSync or ErrRetryExhausted.
type SyncFault struct {
	OperationID string
	Kind        error
	Message     string
}

func (e *SyncFault) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("operation %s: %v", e.OperationID, e.Kind)
	}
	return fmt.Sprintf("operation %s: %v: %s", e.OperationID, e.Kind, e.Message)
}

func (e *SyncFault) Unwrap() error { return e.Kind }
