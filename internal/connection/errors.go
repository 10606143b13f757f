package connection

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoSuchConnection     = errors.New("no such connection")
	ErrExistingConnectionID = errors.New("connection id already exists")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrSequenceOverflow     = errors.New("sequence number overflow")
	ErrNotParticipant       = errors.New("not a connection participant")
)

// ObtainError reports that a connection lock could not be acquired in time.
// Callers may retry.
type ObtainError struct {
	ID      ID
	Mode    string
	Timeout time.Duration
	Err     error
}

func (e *ObtainError) Error() string {
	return fmt.Sprintf("obtain %s lock on connection %s within %s: %v", e.Mode, e.ID, e.Timeout, e.Err)
}

func (e *ObtainError) Unwrap() error {
	return e.Err
}

func (e *ObtainError) Retryable() bool {
	return true
}

// StatusError reports an operation attempted in a status that does not permit it.
type StatusError struct {
	ID        ID
	Operation string
	Status    Status
	Permitted []Status
}

func (e *StatusError) Error() string {
	names := make([]string, len(e.Permitted))
	for i, s := range e.Permitted {
		names[i] = s.String()
	}
	return fmt.Sprintf("connection %s: %s not permitted in status %s (permitted: %s)",
		e.ID, e.Operation, e.Status, strings.Join(names, ", "))
}

// RequireStatus returns a *StatusError unless v is in one of the permitted statuses.
func RequireStatus(v View, operation string, permitted ...Status) error {
	for _, s := range permitted {
		if v.Status == s {
			return nil
		}
	}
	return &StatusError{ID: v.ID, Operation: operation, Status: v.Status, Permitted: permitted}
}

// LockError is raised as a panic when a released reference is used.
type LockError struct {
	Operation string
	Mode      string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%s requires a held %s lock", e.Operation, e.Mode)
}
