package node

import (
	"context"
	"math/rand/v2"
	"slices"

	"clarinet/internal/peer"
	"clarinet/internal/proto"
)

// RequestPeers asks p for peer records and merges the answer into the peer store.
func (n *Node) RequestPeers(ctx context.Context, p peer.ID, req proto.PeersRequestMsg) ([]peer.Peer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var resp proto.PeersResponseMsg
	if err := n.exchange(ctx, p, proto.PeersRequest, req, &resp); err != nil {
		return nil, err
	}
	for _, rec := range resp.Peers {
		if err := n.AddPeer(rec); err != nil {
			n.log.Debugf("skip peer record from %s: %v", p, err)
		}
	}
	return resp.Peers, nil
}

func (n *Node) handlePeersRequest(ctx context.Context, from peer.ID, req proto.PeersRequestMsg) (proto.PeersResponseMsg, error) {
	if err := req.Validate(); err != nil {
		return proto.PeersResponseMsg{}, err
	}
	if n.hooks.PeersRequest != nil {
		if resp, ok := n.hooks.PeersRequest(ctx, from, req); ok {
			return resp, nil
		}
	}
	var out []peer.Peer
	for _, id := range req.Requested {
		if id == n.id {
			out = append(out, n.Self())
			continue
		}
		if p, ok := n.peers.Find(id); ok {
			out = append(out, p)
		}
	}
	var extra []peer.ID
	for _, id := range n.peers.All() {
		if id != from && !slices.Contains(req.Requested, id) {
			extra = append(extra, id)
		}
	}
	rand.Shuffle(len(extra), func(i, j int) { extra[i], extra[j] = extra[j], extra[i] })
	for _, id := range extra[:min(len(extra), req.Additional())] {
		if p, ok := n.peers.Find(id); ok {
			out = append(out, p)
		}
	}
	return proto.PeersResponseMsg{Peers: out}, nil
}
