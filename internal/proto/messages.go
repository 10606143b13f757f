package proto

import (
	"errors"
	"fmt"

	"clarinet/internal/connection"
	"clarinet/internal/crypto"
	"clarinet/internal/message"
	"clarinet/internal/peer"
)

type ConnectRequest struct {
	ConnectionID connection.ID `json:"connection_id"`
	Sender       peer.ID       `json:"sender"`
	Receiver     peer.ID       `json:"receiver"`
}

// Decision answers CONNECT and WITNESS.
type Decision struct {
	Rejected bool   `json:"rejected,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func Accept() Decision {
	return Decision{}
}

func Reject(reason string) Decision {
	return Decision{Rejected: true, Reason: reason}
}

type WitnessRequest struct {
	ConnectionID connection.ID `json:"connection_id"`
	Sender       peer.ID       `json:"sender"`
	Receiver     peer.Peer     `json:"receiver"`
}

type WitnessNotificationMsg struct {
	ConnectionID connection.ID `json:"connection_id"`
	Witness      peer.ID       `json:"witness"`
}

type QueryRequest struct {
	MessageID message.ID `json:"message_id"`
}

type CloseRequest struct {
	ConnectionID connection.ID `json:"connection_id"`
}

// PeersRequestMsg asks for up to Num peers, Requested ones first. The
// difference is filled with peers of the responder's choosing.
type PeersRequestMsg struct {
	Num       int       `json:"num"`
	Requested []peer.ID `json:"requested,omitempty"`
}

var ErrBadPeersRequest = errors.New("bad peers request")

func (m PeersRequestMsg) Validate() error {
	if m.Num <= 0 {
		return fmt.Errorf("%w: num must be positive", ErrBadPeersRequest)
	}
	if len(m.Requested) > m.Num {
		return fmt.Errorf("%w: %d requested exceeds num %d", ErrBadPeersRequest, len(m.Requested), m.Num)
	}
	return nil
}

func (m PeersRequestMsg) Additional() int {
	return m.Num - len(m.Requested)
}

type PeersResponseMsg struct {
	Peers []peer.Peer `json:"peers"`
}

type KeysRequestMsg struct{}

type KeysResponseMsg struct {
	Keys []crypto.PublicKey `json:"keys"`
}

// Ack is the body of a bare acknowledgement.
type Ack struct{}
