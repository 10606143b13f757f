package connection

import (
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"

	"clarinet/internal/peer"
)

type ID uuid.UUID

func NewID() ID {
	return ID(uuid.New())
}

func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse connection id: %w", err)
	}
	return ID(u), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

func (id ID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *ID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

type Status int

const (
	RequestingReceiver Status = iota
	RequestingSender
	AwaitingWitness
	RequestingWitness
	NotifyingOfWitness
	Open
	Closing
	Closed
)

var statusNames = [...]string{
	"REQUESTING_RECEIVER",
	"REQUESTING_SENDER",
	"AWAITING_WITNESS",
	"REQUESTING_WITNESS",
	"NOTIFYING_OF_WITNESS",
	"OPEN",
	"CLOSING",
	"CLOSED",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	i := slices.Index(statusNames[:], string(b))
	if i < 0 {
		return fmt.Errorf("unknown status %q", string(b))
	}
	*s = Status(i)
	return nil
}

// Connection is only reachable through a Reader or Writer, which hold its lock.
type Connection struct {
	id       ID
	sender   peer.ID
	receiver peer.ID
	lock     *rwLock

	witness peer.ID
	status  Status
	nextSeq uint64
}

func newConnection(id ID, sender, receiver peer.ID, status Status) *Connection {
	return &Connection{
		id:       id,
		sender:   sender,
		receiver: receiver,
		status:   status,
		lock:     newRWLock(),
	}
}

// View is an unlocked copy of a connection's state.
type View struct {
	ID       ID      `json:"id"`
	Sender   peer.ID `json:"sender"`
	Witness  peer.ID `json:"witness,omitempty"`
	Receiver peer.ID `json:"receiver"`
	Status   Status  `json:"status"`
}

func (v View) HasWitness() bool {
	return v.Witness != ""
}

// Participants lists sender, witness (when set) and receiver in relay order.
func (v View) Participants() []peer.ID {
	out := make([]peer.ID, 0, 3)
	out = append(out, v.Sender)
	if v.Witness != "" {
		out = append(out, v.Witness)
	}
	return append(out, v.Receiver)
}

// Adjacent reports whether a and b exchange messages directly on the connection.
func Adjacent(participants []peer.ID, a, b peer.ID) (bool, error) {
	ia := slices.Index(participants, a)
	if ia < 0 {
		return false, fmt.Errorf("%s: %w", a, ErrNotParticipant)
	}
	ib := slices.Index(participants, b)
	if ib < 0 {
		return false, fmt.Errorf("%s: %w", b, ErrNotParticipant)
	}
	d := ia - ib
	return d == 1 || d == -1, nil
}

// OtherParticipant returns the single participant that is neither a nor b.
func OtherParticipant(participants []peer.ID, a, b peer.ID) (peer.ID, error) {
	var out []peer.ID
	for _, p := range participants {
		if p != a && p != b {
			out = append(out, p)
		}
	}
	if len(out) != 1 {
		return "", fmt.Errorf("expected exactly one other participant, found %d", len(out))
	}
	return out[0], nil
}

func (c *Connection) view() View {
	return View{
		ID:       c.id,
		Sender:   c.sender,
		Witness:  c.witness,
		Receiver: c.receiver,
		Status:   c.status,
	}
}

const maxSequence = math.MaxUint64
