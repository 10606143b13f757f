package message

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clarinet/internal/connection"
)

func testID(seq uint64) ID {
	return ID{ConnectionID: connection.NewID(), Sequence: seq}
}

func TestSignaturesAreWriteOnce(t *testing.T) {
	m := New(testID(0), []byte("payload"))
	require.NoError(t, m.SetSenderSignature([]byte{1}))
	require.ErrorIs(t, m.SetSenderSignature([]byte{2}), ErrSignatureSet)
	require.NoError(t, m.SetWitnessSignature([]byte{3}))
	require.ErrorIs(t, m.SetWitnessSignature([]byte{4}), ErrSignatureSet)
	assert.Equal(t, []byte{1}, m.SenderSignature())
	assert.Equal(t, []byte{3}, m.WitnessSignature())
}

func TestPayloadIsCopied(t *testing.T) {
	data := []byte("abc")
	m := New(testID(0), data)
	data[0] = 'x'
	got := m.Data()
	assert.Equal(t, []byte("abc"), got)
	got[0] = 'y'
	assert.Equal(t, []byte("abc"), m.Data())
}

func TestWitnessPartsHashSurvivesTheWire(t *testing.T) {
	m := New(testID(7), []byte("hello"))
	require.NoError(t, m.SetSenderSignature([]byte("sender-sig")))
	require.NoError(t, m.SetWitnessSignature([]byte("witness-sig")))

	b, err := json.Marshal(m)
	require.NoError(t, err)
	var relayed DataMessage
	require.NoError(t, json.Unmarshal(b, &relayed))
	assert.Equal(t, m.ID(), relayed.ID())
	assert.Equal(t, []byte("witness-sig"), relayed.WitnessSignature())

	want, err := Hash(m.WitnessParts())
	require.NoError(t, err)
	got, err := Hash(relayed.WitnessParts())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, got, 32)

	senderHash, err := Hash(m.SenderParts())
	require.NoError(t, err)
	assert.NotEqual(t, want, senderHash)
}

func TestEmptyPayloadHashesConsistently(t *testing.T) {
	id := testID(1)
	a, err := Hash(New(id, nil).SenderParts())
	require.NoError(t, err)
	b, err := Hash(New(id, []byte{}).SenderParts())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestStoreRejectsDuplicates(t *testing.T) {
	s, err := NewStore(Options{})
	require.NoError(t, err)
	m := New(testID(0), []byte("a"))
	require.NoError(t, s.Add(m))
	err = s.Add(New(m.ID(), []byte("b")))
	require.ErrorIs(t, err, ErrDuplicateMessage)

	got, ok := s.Find(m.ID())
	require.True(t, ok)
	assert.Equal(t, []byte("a"), got.Data())

	_, ok = s.Find(testID(0))
	assert.False(t, ok)
}

func TestStoreHoldsCopies(t *testing.T) {
	s, err := NewStore(Options{})
	require.NoError(t, err)
	m := New(testID(0), []byte("a"))
	require.NoError(t, s.Add(m))
	require.NoError(t, m.SetWitnessSignature([]byte("late")))

	got, ok := s.Find(m.ID())
	require.True(t, ok)
	assert.Nil(t, got.WitnessSignature())
}

func TestStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	s, err := NewStore(Options{Path: path})
	require.NoError(t, err)
	m := New(testID(3), []byte("persist me"))
	require.NoError(t, m.SetSenderSignature([]byte("sig")))
	require.NoError(t, s.Add(m))

	reopened, err := NewStore(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
	got, ok := reopened.Find(m.ID())
	require.True(t, ok)
	assert.Equal(t, []byte("persist me"), got.Data())
	assert.Equal(t, []byte("sig"), got.SenderSignature())
	require.ErrorIs(t, reopened.Add(m), ErrDuplicateMessage)
}

func TestEmptyQueryResponse(t *testing.T) {
	r := QueryResponse{Details: Details{MessageID: testID(0)}}
	assert.True(t, r.Empty())
	r.Details.Hash = []byte{1}
	assert.False(t, r.Empty())
}
