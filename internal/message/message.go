package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"clarinet/internal/connection"
	"clarinet/internal/crypto"
)

// ID is unique per connection.
type ID struct {
	ConnectionID connection.ID `json:"connectionId"`
	Sequence     uint64        `json:"sequenceNumber"`
}

func (id ID) String() string {
	return id.ConnectionID.String() + "/" + strconv.FormatUint(id.Sequence, 10)
}

var ErrSignatureSet = errors.New("signature already set")

// DataMessage carries an immutable payload plus the sender and witness
// signatures, each of which can be set once.
type DataMessage struct {
	id         ID
	data       []byte
	senderSig  []byte
	witnessSig []byte
}

func New(id ID, data []byte) *DataMessage {
	return &DataMessage{id: id, data: slices.Clone(data)}
}

func (m *DataMessage) ID() ID {
	return m.id
}

func (m *DataMessage) Data() []byte {
	return slices.Clone(m.data)
}

func (m *DataMessage) SenderSignature() []byte {
	return slices.Clone(m.senderSig)
}

func (m *DataMessage) WitnessSignature() []byte {
	return slices.Clone(m.witnessSig)
}

func (m *DataMessage) SetSenderSignature(sig []byte) error {
	if m.senderSig != nil {
		return fmt.Errorf("%s sender: %w", m.id, ErrSignatureSet)
	}
	m.senderSig = slices.Clone(sig)
	return nil
}

func (m *DataMessage) SetWitnessSignature(sig []byte) error {
	if m.witnessSig != nil {
		return fmt.Errorf("%s witness: %w", m.id, ErrSignatureSet)
	}
	m.witnessSig = slices.Clone(sig)
	return nil
}

func (m *DataMessage) Clone() *DataMessage {
	return &DataMessage{
		id:         m.id,
		data:       slices.Clone(m.data),
		senderSig:  slices.Clone(m.senderSig),
		witnessSig: slices.Clone(m.witnessSig),
	}
}

func (m *DataMessage) SenderParts() SenderParts {
	return SenderParts{MessageID: m.id, Data: orEmpty(m.data)}
}

func (m *DataMessage) WitnessParts() WitnessParts {
	return WitnessParts{MessageID: m.id, Data: orEmpty(m.data), SenderSignature: orEmpty(m.senderSig)}
}

// nil and empty slices must encode identically on every node.
func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

type wireMessage struct {
	MessageID        ID     `json:"messageId"`
	Data             []byte `json:"data"`
	SenderSignature  []byte `json:"senderSignature,omitempty"`
	WitnessSignature []byte `json:"witnessSignature,omitempty"`
}

func (m *DataMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		MessageID:        m.id,
		Data:             m.data,
		SenderSignature:  m.senderSig,
		WitnessSignature: m.witnessSig,
	})
}

func (m *DataMessage) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = DataMessage{id: w.MessageID, data: w.Data, senderSig: w.SenderSignature, witnessSig: w.WitnessSignature}
	return nil
}

// Parts is the exact content a signature is computed over.
type Parts interface {
	Encode() ([]byte, error)
}

type SenderParts struct {
	MessageID ID     `json:"messageId"`
	Data      []byte `json:"data"`
}

func (p SenderParts) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// WitnessParts binds the witness attestation to the sender's own signature.
type WitnessParts struct {
	MessageID       ID     `json:"messageId"`
	Data            []byte `json:"data"`
	SenderSignature []byte `json:"senderSignature"`
}

func (p WitnessParts) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Hash returns the SHA-256 digest of p's encoding.
func Hash(p Parts) ([]byte, error) {
	b, err := p.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode parts: %w", err)
	}
	return crypto.SHA256(b), nil
}

// HashAlgorithm names the digest Hash produces.
const HashAlgorithm = crypto.HashAlgorithm
