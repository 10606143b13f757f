package message

import (
	"encoding/json"

	"clarinet/internal/peer"
)

// Details is what a queried peer remembers about a message. Hash is nil when
// the message is unknown to it.
type Details struct {
	MessageID ID     `json:"messageId"`
	Hash      []byte `json:"hash,omitempty"`
}

func (d Details) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// QueryResponse answers a QUERY. A response for an unknown message carries
// only the message id.
type QueryResponse struct {
	Details       Details `json:"messageDetails"`
	Signature     []byte  `json:"signature,omitempty"`
	HashAlgorithm string  `json:"hashAlgorithm,omitempty"`
}

func (r QueryResponse) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func (r QueryResponse) Empty() bool {
	return r.Details.Hash == nil && r.Signature == nil && r.HashAlgorithm == ""
}

// QueryResult is the outcome of asking QueriedPeer about MessageID.
type QueryResult struct {
	QueriedPeer peer.ID       `json:"queriedPeer"`
	MessageID   ID            `json:"messageId"`
	Response    QueryResponse `json:"queryResponse"`
}

// Summary is the witness-signed view a receiver hands back to the sender.
type Summary struct {
	MessageID        ID     `json:"messageId"`
	Hash             []byte `json:"hash"`
	HashAlgorithm    string `json:"hashAlgorithm"`
	WitnessSignature []byte `json:"witnessSignature"`
}

func (s Summary) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Forward is a Summary signed by the receiver that relays it.
type Forward struct {
	Summary   Summary `json:"summary"`
	Signature []byte  `json:"signature"`
}

// QueryForward relays a peer's query answer, signed by the forwarder.
type QueryForward struct {
	QueriedPeer peer.ID       `json:"queriedPeer"`
	Response    QueryResponse `json:"queryResponse"`
	Signature   []byte        `json:"signature"`
}
