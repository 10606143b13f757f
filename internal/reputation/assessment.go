package reputation

import (
	"fmt"
	"slices"

	"clarinet/internal/message"
	"clarinet/internal/peer"
)

// Status orders judgements by severity. A stored status never decreases.
type Status int

const (
	None Status = iota
	Reward
	WeakPenalty
	StrongPenalty
)

var statusNames = [...]string{"NONE", "REWARD", "WEAK_PENALTY", "STRONG_PENALTY"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown assessment status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	i := slices.Index(statusNames[:], string(b))
	if i < 0 {
		return fmt.Errorf("unknown assessment status %q", string(b))
	}
	*s = Status(i)
	return nil
}

// Assessment is one node's judgement of a peer's honesty about one message.
type Assessment struct {
	Peer      peer.ID    `json:"peerId"`
	MessageID message.ID `json:"messageId"`
	Status    Status     `json:"status"`
}

// UpdateStatus returns a copy carrying the more severe of a.Status and s.
func (a Assessment) UpdateStatus(s Status) Assessment {
	if s > a.Status {
		a.Status = s
	}
	return a
}

type key struct {
	peer peer.ID
	msg  message.ID
}

func (a Assessment) key() key {
	return key{peer: a.Peer, msg: a.MessageID}
}
