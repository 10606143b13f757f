package node

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"clarinet/internal/connection"
	"clarinet/internal/peer"
)

var (
	ErrNoSuchPeer = errors.New("no such peer")
	ErrNoAddress  = errors.New("peer has no known address")
	ErrNotSender  = errors.New("only the connection's sender may send")
	ErrSelf       = errors.New("cannot connect to self")
)

// ConnectRejectedError is returned by Connect when the receiver declines.
type ConnectRejectedError struct {
	ConnectionID connection.ID
	Receiver     peer.ID
	Reason       string
}

func (e *ConnectRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection %s rejected by %s", e.ConnectionID, e.Receiver)
	}
	return fmt.Sprintf("connection %s rejected by %s: %s", e.ConnectionID, e.Receiver, e.Reason)
}

// WitnessSelectionError is returned by Connect when no candidate agreed to
// witness. Err combines every candidate's rejection or transport failure.
type WitnessSelectionError struct {
	ConnectionID connection.ID
	Candidates   int
	Err          error
}

func (e *WitnessSelectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection %s: no witness among %d candidates", e.ConnectionID, e.Candidates)
	}
	return fmt.Sprintf("connection %s: no witness among %d candidates: %v", e.ConnectionID, e.Candidates, e.Err)
}

func (e *WitnessSelectionError) Unwrap() []error {
	return multierr.Errors(e.Err)
}
