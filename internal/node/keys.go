package node

import (
	"context"
	"fmt"

	"clarinet/internal/crypto"
	"clarinet/internal/message"
	"clarinet/internal/peer"
	"clarinet/internal/proto"
)

// RequestKeys fetches the public keys of p and adds the usable ones to the key store.
func (n *Node) RequestKeys(ctx context.Context, p peer.ID) ([]crypto.PublicKey, error) {
	var resp proto.KeysResponseMsg
	if err := n.exchange(ctx, p, proto.KeysRequest, proto.KeysRequestMsg{}, &resp); err != nil {
		return nil, err
	}
	var added []crypto.PublicKey
	for _, k := range resp.Keys {
		if err := n.keys.AddPublicKey(p, k); err != nil {
			n.log.Debugf("skip key of %s: %v", p, err)
			continue
		}
		added = append(added, k)
	}
	if len(added) == 0 {
		return nil, fmt.Errorf("%s: %w", p, crypto.ErrUnsupportedKey)
	}
	return added, nil
}

// ensureKeys loads the keys of p on first use. Concurrent loads for one peer
// share a single KEYS_REQUEST.
func (n *Node) ensureKeys(ctx context.Context, p peer.ID) bool {
	if len(n.keys.PublicKeysFor(p)) > 0 {
		return true
	}
	_, err, _ := n.keyLoads.Do(string(p), func() (any, error) {
		return n.RequestKeys(ctx, p)
	})
	if err != nil {
		n.log.Debugf("load keys of %s: %v", p, err)
		return false
	}
	return true
}

func (n *Node) verify(ctx context.Context, p peer.ID, data, sig []byte) bool {
	if len(sig) == 0 || !n.ensureKeys(ctx, p) {
		return false
	}
	return n.keys.Verify(p, data, sig)
}

func (n *Node) verifyHash(ctx context.Context, p peer.ID, digest, sig []byte) bool {
	if len(sig) == 0 || len(digest) != crypto.DigestSize || !n.ensureKeys(ctx, p) {
		return false
	}
	return n.keys.VerifyHash(p, digest, sig)
}

// verifyParts checks sig against the hash of parts, so it accepts exactly
// the signatures sign produces over them.
func (n *Node) verifyParts(ctx context.Context, p peer.ID, parts message.Parts, sig []byte) bool {
	digest, err := message.Hash(parts)
	if err != nil {
		return false
	}
	return n.verifyHash(ctx, p, digest, sig)
}

type encoder interface {
	Encode() ([]byte, error)
}

func (n *Node) sign(v encoder) ([]byte, error) {
	enc, err := v.Encode()
	if err != nil {
		return nil, err
	}
	return n.keys.Sign(enc)
}

func (n *Node) verifyEncoded(ctx context.Context, p peer.ID, v encoder, sig []byte) bool {
	enc, err := v.Encode()
	if err != nil {
		return false
	}
	return n.verify(ctx, p, enc, sig)
}
