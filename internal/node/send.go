package node

import (
	"context"
	"fmt"

	"clarinet/internal/connection"
	"clarinet/internal/message"
	"clarinet/internal/peer"
	"clarinet/internal/proto"
	"clarinet/internal/reputation"
)

// Send signs data as the next message on an OPEN connection this node
// started and hands it to the witness.
func (n *Node) Send(ctx context.Context, id connection.ID, data []byte) (message.ID, error) {
	w, err := n.conns.FindForWrite(ctx, id, n.lockTimeout)
	if err != nil {
		return message.ID{}, err
	}
	defer w.Close()
	v := w.View()
	if err := connection.RequireStatus(v, "send", connection.Open); err != nil {
		return message.ID{}, err
	}
	if v.Sender != n.id {
		return message.ID{}, fmt.Errorf("connection %s: %w", id, ErrNotSender)
	}
	seq, err := w.NextSequenceNumber()
	if err != nil {
		return message.ID{}, err
	}
	msg := message.New(message.ID{ConnectionID: id, Sequence: seq}, data)
	sig, err := n.sign(msg.SenderParts())
	if err != nil {
		return message.ID{}, err
	}
	if err := msg.SetSenderSignature(sig); err != nil {
		return message.ID{}, err
	}
	if err := n.messages.Add(msg); err != nil {
		return message.ID{}, err
	}
	if err := n.send(ctx, v.Witness, proto.Message, msg); err != nil {
		n.log.Warnf("send %s to witness %s: %v", msg.ID(), v.Witness, err)
	}
	n.metrics.IncMessageSent()
	return msg.ID(), nil
}

func (n *Node) handleMessage(ctx context.Context, from peer.ID, msg *message.DataMessage) error {
	if msg == nil {
		return fmt.Errorf("empty message from %s", from)
	}
	w, err := n.conns.FindForWrite(ctx, msg.ID().ConnectionID, n.lockTimeout)
	if err != nil {
		return err
	}
	defer w.Close()
	v := w.View()
	if err := connection.RequireStatus(v, "message", connection.Open); err != nil {
		return err
	}
	switch n.id {
	case v.Witness:
		return n.witnessMessage(ctx, v, msg)
	case v.Receiver:
		return n.receiveMessage(ctx, v, msg)
	default:
		return fmt.Errorf("message %s: %w", msg.ID(), connection.ErrNotParticipant)
	}
}

// witnessMessage attests msg and relays it. A message with a bad sender
// signature is still relayed, so the receiver sees the same evidence.
func (n *Node) witnessMessage(ctx context.Context, v connection.View, in *message.DataMessage) error {
	if n.verifyParts(ctx, v.Sender, in.SenderParts(), in.SenderSignature()) {
		n.assess(v.Sender, in.ID(), reputation.Reward)
	} else {
		n.log.Logf("bad sender signature on %s from %s", in.ID(), v.Sender)
		n.assess(v.Sender, in.ID(), reputation.StrongPenalty)
	}
	// Rebuild so that a witness signature supplied by the sender is dropped.
	msg := message.New(in.ID(), in.Data())
	if err := msg.SetSenderSignature(in.SenderSignature()); err != nil {
		return err
	}
	sig, err := n.sign(msg.WitnessParts())
	if err != nil {
		return err
	}
	if err := msg.SetWitnessSignature(sig); err != nil {
		return err
	}
	if err := n.messages.Add(msg); err != nil {
		return err
	}
	n.metrics.IncMessageWitnessed()
	if n.hooks.MessageWitness != nil {
		n.hooks.MessageWitness(ctx, msg.Clone())
	}
	if err := n.send(ctx, v.Receiver, proto.Message, msg); err != nil {
		n.log.Warnf("relay %s to %s: %v", msg.ID(), v.Receiver, err)
	}
	return nil
}

func (n *Node) receiveMessage(ctx context.Context, v connection.View, msg *message.DataMessage) error {
	if err := n.messages.Add(msg); err != nil {
		return err
	}
	n.metrics.IncMessageReceived()
	id := msg.ID()
	switch {
	case !n.verifyParts(ctx, v.Witness, msg.WitnessParts(), msg.WitnessSignature()):
		n.log.Logf("bad witness signature on %s from %s", id, v.Witness)
		n.assess(v.Witness, id, reputation.StrongPenalty)
	case n.verifyParts(ctx, v.Sender, msg.SenderParts(), msg.SenderSignature()):
		n.assess(v.Sender, id, reputation.Reward)
		n.assess(v.Witness, id, reputation.Reward)
	default:
		// The witness vouched for a message the sender did not sign.
		n.assess(v.Sender, id, reputation.WeakPenalty)
		n.assess(v.Witness, id, reputation.WeakPenalty)
		if err := n.forwardMessage(ctx, v, msg); err != nil {
			n.log.Warnf("forward %s to %s: %v", id, v.Sender, err)
		}
	}
	if n.hooks.MessageReceive != nil {
		n.hooks.MessageReceive(ctx, msg.Clone())
	}
	return nil
}

func (n *Node) forwardMessage(ctx context.Context, v connection.View, msg *message.DataMessage) error {
	hash, err := message.Hash(msg.WitnessParts())
	if err != nil {
		return err
	}
	fwd := message.Forward{Summary: message.Summary{
		MessageID:        msg.ID(),
		Hash:             hash,
		HashAlgorithm:    message.HashAlgorithm,
		WitnessSignature: msg.WitnessSignature(),
	}}
	if fwd.Signature, err = n.sign(fwd.Summary); err != nil {
		return err
	}
	if err := n.send(ctx, v.Sender, proto.MessageForward, fwd); err != nil {
		return err
	}
	n.metrics.IncMessageForwarded()
	return nil
}

func (n *Node) handleMessageForward(ctx context.Context, from peer.ID, fwd message.Forward) error {
	id := fwd.Summary.MessageID
	r, err := n.conns.FindForRead(ctx, id.ConnectionID, n.lockTimeout)
	if err != nil {
		return err
	}
	v := r.View()
	r.Close()
	if from != v.Receiver || n.id != v.Sender || !v.HasWitness() {
		n.log.Logf("drop forward of %s from %s", id, from)
		return nil
	}
	if !n.verifyHash(ctx, v.Witness, fwd.Summary.Hash, fwd.Summary.WitnessSignature) {
		n.assess(from, id, reputation.StrongPenalty)
		return nil
	}
	msg, ok := n.messages.Find(id)
	if !ok {
		return nil
	}
	if !hashMatches(msg.WitnessParts(), fwd.Summary.HashAlgorithm, fwd.Summary.Hash) {
		n.assess(v.Witness, id, reputation.StrongPenalty)
	}
	if n.hooks.MessageForward != nil {
		n.hooks.MessageForward(ctx, from, fwd)
	}
	return nil
}
