package node

import (
	"bytes"
	"context"
	"errors"
	"slices"

	"clarinet/internal/connection"
	"clarinet/internal/crypto"
	"clarinet/internal/message"
	"clarinet/internal/peer"
	"clarinet/internal/proto"
	"clarinet/internal/reputation"
)

// Query asks p what it knows about message id.
func (n *Node) Query(ctx context.Context, p peer.ID, id message.ID) (message.QueryResult, error) {
	var resp message.QueryResponse
	if err := n.exchange(ctx, p, proto.Query, proto.QueryRequest{MessageID: id}, &resp); err != nil {
		return message.QueryResult{}, err
	}
	n.metrics.IncQuerySent()
	return message.QueryResult{QueriedPeer: p, MessageID: id, Response: resp}, nil
}

func (n *Node) handleQuery(ctx context.Context, from peer.ID, req proto.QueryRequest) (message.QueryResponse, error) {
	if n.hooks.Query != nil {
		if resp, ok := n.hooks.Query(ctx, from, req); ok {
			return resp, nil
		}
	}
	unknown := message.QueryResponse{Details: message.Details{MessageID: req.MessageID}}
	msg, ok := n.messages.Find(req.MessageID)
	if !ok {
		return unknown, nil
	}
	v, err := n.conns.View(ctx, req.MessageID.ConnectionID)
	if err != nil {
		if errors.Is(err, connection.ErrNoSuchConnection) {
			return unknown, nil
		}
		return message.QueryResponse{}, err
	}
	hash, err := message.Hash(partsFor(v, msg, from, n.id))
	if err != nil {
		return message.QueryResponse{}, err
	}
	details := message.Details{MessageID: req.MessageID, Hash: hash}
	sig, err := n.sign(details)
	if err != nil {
		return message.QueryResponse{}, err
	}
	n.metrics.IncQueryAnswered()
	return message.QueryResponse{Details: details, Signature: sig, HashAlgorithm: message.HashAlgorithm}, nil
}

// partsFor picks the view of msg a responder hashes for a requester. A
// sender never holds the witness signature, so any exchange involving the
// sender compares SenderParts.
func partsFor(v connection.View, msg *message.DataMessage, requester, responder peer.ID) message.Parts {
	if requester == v.Sender || responder == v.Sender {
		return msg.SenderParts()
	}
	return msg.WitnessParts()
}

// responseSignatureValid accepts an unsigned response only when it claims no hash.
func (n *Node) responseSignatureValid(ctx context.Context, q peer.ID, resp message.QueryResponse) bool {
	if len(resp.Signature) == 0 {
		return resp.Details.Hash == nil
	}
	return n.verifyEncoded(ctx, q, resp.Details, resp.Signature)
}

func hashMatches(parts message.Parts, algorithm string, hash []byte) bool {
	if hash == nil {
		return false
	}
	enc, err := parts.Encode()
	if err != nil {
		return false
	}
	local, err := crypto.Hash(algorithm, enc)
	if err != nil {
		return false
	}
	return bytes.Equal(local, hash)
}

// ProcessQueryResult judges the queried peer's answer against the local copy
// of the message and shares the answer with the other participants. It
// reports whether an assessment was made.
func (n *Node) ProcessQueryResult(ctx context.Context, res message.QueryResult) (bool, error) {
	v, err := n.conns.View(ctx, res.MessageID.ConnectionID)
	if err != nil {
		return false, err
	}
	q, id, resp := res.QueriedPeer, res.MessageID, res.Response
	if !n.responseSignatureValid(ctx, q, resp) {
		n.log.Logf("bad query response signature from %s on %s", q, id)
		n.assess(q, id, reputation.StrongPenalty)
		return true, nil
	}
	participants := v.Participants()
	msg, ok := n.messages.Find(id)
	if !ok || !slices.Contains(participants, q) {
		n.forwardQuery(ctx, v, q, resp)
		return false, nil
	}
	if hashMatches(partsFor(v, msg, n.id, q), resp.HashAlgorithm, resp.Details.Hash) {
		n.assess(q, id, reputation.Reward)
	} else if adjacent, _ := connection.Adjacent(participants, q, n.id); adjacent {
		n.assess(q, id, reputation.StrongPenalty)
	} else {
		n.assess(q, id, reputation.WeakPenalty)
		if other, err := connection.OtherParticipant(participants, n.id, q); err == nil {
			n.assess(other, id, reputation.WeakPenalty)
		}
	}
	n.forwardQuery(ctx, v, q, resp)
	return true, nil
}

// forwardQuery relays q's signed answer to every participant other than self and q.
func (n *Node) forwardQuery(ctx context.Context, v connection.View, q peer.ID, resp message.QueryResponse) {
	sig, err := n.sign(resp)
	if err != nil {
		n.log.Warnf("sign query forward: %v", err)
		return
	}
	fwd := message.QueryForward{QueriedPeer: q, Response: resp, Signature: sig}
	for _, p := range v.Participants() {
		if p == n.id || p == q {
			continue
		}
		if err := n.send(ctx, p, proto.QueryForward, fwd); err != nil {
			n.log.Warnf("forward query answer of %s to %s: %v", q, p, err)
			continue
		}
		n.metrics.IncQueryForwarded()
	}
}

func (n *Node) handleQueryForward(ctx context.Context, from peer.ID, fwd message.QueryForward) error {
	q, resp := fwd.QueriedPeer, fwd.Response
	id := resp.Details.MessageID
	hook := func() {
		if n.hooks.QueryForward != nil {
			n.hooks.QueryForward(ctx, from, fwd)
		}
	}
	if !n.verifyEncoded(ctx, from, resp, fwd.Signature) || !n.responseSignatureValid(ctx, q, resp) {
		n.log.Logf("bad query forward from %s on %s", from, id)
		n.assess(from, id, reputation.StrongPenalty)
		hook()
		return nil
	}
	v, err := n.conns.View(ctx, id.ConnectionID)
	if errors.Is(err, connection.ErrNoSuchConnection) {
		return nil
	}
	if err != nil {
		return err
	}
	msg, ok := n.messages.Find(id)
	if !ok {
		hook()
		return nil
	}
	participants := v.Participants()
	if hashMatches(partsFor(v, msg, from, q), resp.HashAlgorithm, resp.Details.Hash) {
		n.assess(q, id, reputation.Reward)
	} else if adjacent, _ := connection.Adjacent(participants, from, n.id); adjacent {
		n.assess(q, id, reputation.StrongPenalty)
	} else {
		// Either q lied or from altered the answer in transit.
		n.assess(q, id, reputation.WeakPenalty)
		n.assess(from, id, reputation.WeakPenalty)
	}
	hook()
	return nil
}
