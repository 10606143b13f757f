package node

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/multierr"

	"clarinet/internal/connection"
	"clarinet/internal/peer"
	"clarinet/internal/proto"
)

// Connect opens a witnessed connection to receiver. The whole handshake runs
// under the new connection's write lock. A failed handshake leaves the
// connection CLOSED.
func (n *Node) Connect(ctx context.Context, receiver peer.ID) (connection.ID, error) {
	if receiver == n.id {
		return connection.ID{}, ErrSelf
	}
	if _, ok := n.peers.Find(receiver); !ok {
		return connection.ID{}, fmt.Errorf("%s: %w", receiver, ErrNoSuchPeer)
	}
	w, err := n.conns.Create(n.id, receiver, connection.RequestingReceiver)
	if err != nil {
		return connection.ID{}, err
	}
	defer w.Close()
	id := w.ID()
	fail := func(err error) (connection.ID, error) {
		w.SetStatus(connection.Closed)
		return connection.ID{}, err
	}

	var decision proto.Decision
	req := proto.ConnectRequest{ConnectionID: id, Sender: n.id, Receiver: receiver}
	if err := n.exchange(ctx, receiver, proto.Connect, req, &decision); err != nil {
		return fail(fmt.Errorf("connect %s: %w", receiver, err))
	}
	if decision.Rejected {
		n.metrics.IncConnectionRejected()
		return fail(&ConnectRejectedError{ConnectionID: id, Receiver: receiver, Reason: decision.Reason})
	}

	w.SetStatus(connection.RequestingWitness)
	witness, err := n.selectWitness(ctx, id, receiver)
	if err != nil {
		n.metrics.IncWitnessFailure()
		return fail(err)
	}
	if err := w.SetWitness(witness); err != nil {
		return fail(err)
	}
	w.SetStatus(connection.NotifyingOfWitness)
	note := proto.WitnessNotificationMsg{ConnectionID: id, Witness: witness}
	if err := n.exchange(ctx, receiver, proto.WitnessNotification, note, nil); err != nil {
		return fail(fmt.Errorf("notify %s of witness: %w", receiver, err))
	}
	w.SetStatus(connection.Open)
	n.metrics.IncConnectionOpened()
	n.log.Debugf("connection %s open: %s -> %s -> %s", id, n.id, witness, receiver)
	return id, nil
}

// selectWitness asks trusted peers in turn until one accepts.
func (n *Node) selectWitness(ctx context.Context, id connection.ID, receiver peer.ID) (peer.ID, error) {
	var candidates []peer.ID
	for _, p := range n.peers.All() {
		if p != n.id && p != receiver {
			candidates = append(candidates, p)
		}
	}
	trusted := n.trust(candidates, n.reputation.Get)
	rp, _ := n.peers.Find(receiver)
	req := proto.WitnessRequest{ConnectionID: id, Sender: n.id, Receiver: rp}
	var errs error
	for _, c := range trusted {
		var decision proto.Decision
		if err := n.exchange(ctx, c, proto.Witness, req, &decision); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("witness %s: %w", c, err))
			continue
		}
		if decision.Rejected {
			n.log.Logf("witness %s rejected connection %s: %s", c, id, decision.Reason)
			errs = multierr.Append(errs, fmt.Errorf("witness %s rejected: %s", c, decision.Reason))
			continue
		}
		return c, nil
	}
	return "", &WitnessSelectionError{ConnectionID: id, Candidates: len(trusted), Err: errs}
}

func (n *Node) handleConnect(ctx context.Context, from peer.ID, req proto.ConnectRequest) (proto.Decision, error) {
	if req.Sender != from || req.Receiver != n.id {
		return proto.Reject("connect request does not match its parties"), nil
	}
	decision := proto.Accept()
	if n.hooks.Connect != nil {
		decision = n.hooks.Connect(ctx, from, req)
	}
	if decision.Rejected {
		return decision, nil
	}
	w, err := n.conns.Accept(req.ConnectionID, req.Sender, n.id, connection.AwaitingWitness)
	if err != nil {
		return proto.Decision{}, err
	}
	w.Close()
	return decision, nil
}

func (n *Node) handleWitness(ctx context.Context, from peer.ID, req proto.WitnessRequest) (proto.Decision, error) {
	if req.Sender != from {
		return proto.Reject("witness request does not come from its sender"), nil
	}
	if req.Receiver.ID == "" || req.Receiver.ID == n.id || req.Receiver.ID == req.Sender {
		return proto.Reject("bad receiver"), nil
	}
	if err := n.peers.Save(req.Receiver); err != nil {
		return proto.Decision{}, err
	}
	decision := proto.Accept()
	if n.hooks.Witness != nil {
		decision = n.hooks.Witness(ctx, from, req)
	}
	if decision.Rejected {
		return decision, nil
	}
	w, err := n.conns.Accept(req.ConnectionID, req.Sender, req.Receiver.ID, connection.Open)
	if err != nil {
		return proto.Decision{}, err
	}
	defer w.Close()
	if err := w.SetWitness(n.id); err != nil {
		return proto.Decision{}, err
	}
	return decision, nil
}

func (n *Node) handleWitnessNotification(ctx context.Context, from peer.ID, msg proto.WitnessNotificationMsg) error {
	if n.hooks.WitnessNotification != nil {
		n.hooks.WitnessNotification(ctx, from, msg)
	}
	w, err := n.conns.FindForWrite(ctx, msg.ConnectionID, n.lockTimeout)
	if err != nil {
		return err
	}
	defer w.Close()
	v := w.View()
	if err := connection.RequireStatus(v, "witnessNotification", connection.AwaitingWitness); err != nil {
		return err
	}
	if from != v.Sender {
		return fmt.Errorf("witness notification for %s from %s: %w", v.ID, from, connection.ErrNotParticipant)
	}
	if err := w.SetWitness(msg.Witness); err != nil {
		return err
	}
	w.SetStatus(connection.Open)
	n.metrics.IncConnectionOpened()
	return nil
}

// Close tells the other participants the connection is over, then marks it
// CLOSED. Closing a closed connection does nothing.
func (n *Node) Close(ctx context.Context, id connection.ID) error {
	w, err := n.conns.FindForWrite(ctx, id, n.lockTimeout)
	if err != nil {
		return err
	}
	defer w.Close()
	if w.Status() == connection.Closed {
		return nil
	}
	w.SetStatus(connection.Closing)
	for _, p := range w.Participants() {
		if p == n.id {
			continue
		}
		if err := n.send(ctx, p, proto.Close, proto.CloseRequest{ConnectionID: id}); err != nil {
			n.log.Warnf("close %s: notify %s: %v", id, p, err)
		}
	}
	w.SetStatus(connection.Closed)
	n.metrics.IncConnectionClosed()
	return nil
}

func (n *Node) handleClose(ctx context.Context, from peer.ID, req proto.CloseRequest) error {
	if n.hooks.Close != nil {
		n.hooks.Close(ctx, from, req)
	}
	w, err := n.conns.FindForWrite(ctx, req.ConnectionID, n.lockTimeout)
	if err != nil {
		return err
	}
	defer w.Close()
	if !slices.Contains(w.Participants(), from) {
		return fmt.Errorf("close %s from %s: %w", req.ConnectionID, from, connection.ErrNotParticipant)
	}
	if w.Status() != connection.Closed {
		w.SetStatus(connection.Closed)
		n.metrics.IncConnectionClosed()
	}
	return nil
}
