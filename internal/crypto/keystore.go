package crypto

import (
	"bytes"
	"errors"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"clarinet/internal/peer"
)

const DefaultKeyCacheSize = 1024

// PublicKey is a key as it travels in KEYS_REQUEST responses.
type PublicKey struct {
	Algorithm string `json:"algorithm"`
	Bytes     []byte `json:"bytes"`
}

// KeyStore holds the local keypair and a bounded cache of peer public keys.
// Evicted peer keys are expected to be re-fetched by the caller.
type KeyStore struct {
	pub   []byte
	priv  []byte
	mu    sync.Mutex
	peers *lru.Cache[peer.ID, [][]byte]
}

var ErrUnsupportedKey = errors.New("unsupported public key")

func NewKeyStore(pub, priv []byte, cacheSize int) (*KeyStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultKeyCacheSize
	}
	if _, err := ParseRSAPrivateKey(priv); err != nil {
		return nil, err
	}
	derived, err := PublicFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	if len(pub) > 0 && !bytes.Equal(pub, derived) {
		return nil, errors.New("public key does not match private key")
	}
	cache, err := lru.New[peer.ID, [][]byte](cacheSize)
	if err != nil {
		return nil, err
	}
	return &KeyStore{pub: derived, priv: slices.Clone(priv), peers: cache}, nil
}

func (k *KeyStore) Sign(data []byte) ([]byte, error) {
	return Sign(k.priv, data)
}

func (k *KeyStore) PublicKey() []byte {
	return slices.Clone(k.pub)
}

func (k *KeyStore) PublicKeys() []PublicKey {
	return []PublicKey{{Algorithm: Algorithm, Bytes: k.PublicKey()}}
}

// AddPublicKey records key for id. Keys of unknown algorithms are rejected.
func (k *KeyStore) AddPublicKey(id peer.ID, key PublicKey) error {
	if key.Algorithm != Algorithm || !IsRSAPublicKey(key.Bytes) {
		return ErrUnsupportedKey
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	keys, _ := k.peers.Get(id)
	for _, existing := range keys {
		if bytes.Equal(existing, key.Bytes) {
			return nil
		}
	}
	next := make([][]byte, 0, len(keys)+1)
	next = append(next, keys...)
	next = append(next, slices.Clone(key.Bytes))
	k.peers.Add(id, next)
	return nil
}

func (k *KeyStore) PublicKeysFor(id peer.ID) [][]byte {
	keys, _ := k.peers.Get(id)
	return keys
}

func (k *KeyStore) Verify(id peer.ID, data, sig []byte) bool {
	return k.VerifyHash(id, SHA256(data), sig)
}

func (k *KeyStore) VerifyHash(id peer.ID, digest, sig []byte) bool {
	for _, pub := range k.PublicKeysFor(id) {
		if VerifyDigest(pub, digest, sig) {
			return true
		}
	}
	return false
}
