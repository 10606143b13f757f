package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"clarinet/internal/message"
	"clarinet/internal/peer"
	"clarinet/internal/proto"
)

func (n *Node) addrsOf(id peer.ID) ([]string, error) {
	p, ok := n.peers.Find(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNoSuchPeer)
	}
	if len(p.Addrs) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrNoAddress)
	}
	return p.Addrs, nil
}

// exchange sends req to each known address of to in turn and decodes the
// first reply into resp. resp may be nil.
func (n *Node) exchange(ctx context.Context, to peer.ID, endpoint proto.Endpoint, req, resp any) error {
	addrs, err := n.addrsOf(to)
	if err != nil {
		return err
	}
	frame, err := proto.EncodeRequest(endpoint, n.Self(), req)
	if err != nil {
		return err
	}
	var errs error
	for _, addr := range addrs {
		ectx, cancel := n.netOpts.ExchangeContext(ctx)
		raw, err := n.transport.Exchange(ectx, addr, frame)
		cancel()
		if err != nil {
			n.log.Debugf("%s to %s at %s: %v", endpoint, to, addr, err)
			errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", endpoint, addr, err))
			continue
		}
		return proto.DecodeResponse(endpoint, raw, resp)
	}
	return errs
}

// send delivers req to the first address of to that accepts it.
func (n *Node) send(ctx context.Context, to peer.ID, endpoint proto.Endpoint, req any) error {
	addrs, err := n.addrsOf(to)
	if err != nil {
		return err
	}
	frame, err := proto.EncodeRequest(endpoint, n.Self(), req)
	if err != nil {
		return err
	}
	var errs error
	for _, addr := range addrs {
		sctx, cancel := n.netOpts.SendContext(ctx)
		err := n.transport.Send(sctx, addr, frame)
		cancel()
		if err == nil {
			return nil
		}
		n.log.Debugf("%s to %s at %s: %v", endpoint, to, addr, err)
		errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", endpoint, addr, err))
	}
	return errs
}

// handle is the transport handler. It records the caller, then routes the
// request to its endpoint handler.
func (n *Node) handle(ctx context.Context, remoteAddr string, payload []byte) []byte {
	env, err := proto.DecodeRequest(payload)
	if err != nil {
		n.metrics.IncBadFrame()
		n.log.RateLimitedf("bad-frame:"+remoteAddr, 10*time.Second, "drop request from %s: %v", remoteAddr, err)
		return proto.EncodeError(err)
	}
	n.metrics.IncReceived(string(env.Type))
	n.recordCaller(env)
	body, err := n.route(ctx, env)
	if err != nil {
		n.log.Debugf("%s from %s: %v", env.Type, env.From, err)
		return proto.EncodeError(err)
	}
	resp, err := proto.EncodeResponse(body)
	if err != nil {
		return proto.EncodeError(err)
	}
	return resp
}

// recordCaller adds an unknown caller with the address its frame claims.
// Frames are unsigned, so a known peer's addresses are only filled in when
// it has none.
func (n *Node) recordCaller(env proto.Envelope) {
	if env.From == n.id {
		return
	}
	if known, ok := n.peers.Find(env.From); ok && len(known.Addrs) > 0 {
		return
	}
	if err := n.peers.Save(env.Remote()); err != nil {
		n.log.Warnf("save peer %s: %v", env.From, err)
	}
}

func (n *Node) route(ctx context.Context, env proto.Envelope) (any, error) {
	from := env.From
	switch env.Type {
	case proto.Connect:
		return serve(env, func(req proto.ConnectRequest) (proto.Decision, error) {
			return n.handleConnect(ctx, from, req)
		})
	case proto.Witness:
		return serve(env, func(req proto.WitnessRequest) (proto.Decision, error) {
			return n.handleWitness(ctx, from, req)
		})
	case proto.WitnessNotification:
		return serve(env, func(req proto.WitnessNotificationMsg) (proto.Ack, error) {
			return proto.Ack{}, n.handleWitnessNotification(ctx, from, req)
		})
	case proto.Message:
		return serve(env, func(msg *message.DataMessage) (proto.Ack, error) {
			return proto.Ack{}, n.handleMessage(ctx, from, msg)
		})
	case proto.MessageForward:
		return serve(env, func(fwd message.Forward) (proto.Ack, error) {
			return proto.Ack{}, n.handleMessageForward(ctx, from, fwd)
		})
	case proto.Query:
		return serve(env, func(req proto.QueryRequest) (message.QueryResponse, error) {
			return n.handleQuery(ctx, from, req)
		})
	case proto.QueryForward:
		return serve(env, func(fwd message.QueryForward) (proto.Ack, error) {
			return proto.Ack{}, n.handleQueryForward(ctx, from, fwd)
		})
	case proto.PeersRequest:
		return serve(env, func(req proto.PeersRequestMsg) (proto.PeersResponseMsg, error) {
			return n.handlePeersRequest(ctx, from, req)
		})
	case proto.KeysRequest:
		return serve(env, func(proto.KeysRequestMsg) (proto.KeysResponseMsg, error) {
			return proto.KeysResponseMsg{Keys: n.keys.PublicKeys()}, nil
		})
	case proto.Close:
		return serve(env, func(req proto.CloseRequest) (proto.Ack, error) {
			return proto.Ack{}, n.handleClose(ctx, from, req)
		})
	default:
		return nil, fmt.Errorf("unexpected msg type: %s", env.Type)
	}
}

func serve[Req, Resp any](env proto.Envelope, fn func(Req) (Resp, error)) (any, error) {
	var req Req
	if err := env.DecodeBody(&req); err != nil {
		return nil, err
	}
	resp, err := fn(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
