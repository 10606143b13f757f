package node

import (
	"context"

	"clarinet/internal/message"
	"clarinet/internal/peer"
	"clarinet/internal/proto"
)

// Hooks let an application observe or steer protocol handlers. Every field
// is optional. Bookkeeping such as connection state, message storage and
// assessments runs whether or not a hook is set.
type Hooks struct {
	// Connect decides whether to accept a connection as receiver. Default: accept.
	Connect func(ctx context.Context, from peer.ID, req proto.ConnectRequest) proto.Decision
	// Witness decides whether to witness a connection. Default: accept.
	Witness func(ctx context.Context, from peer.ID, req proto.WitnessRequest) proto.Decision
	// WitnessNotification runs before the receiver records the witness.
	WitnessNotification func(ctx context.Context, from peer.ID, msg proto.WitnessNotificationMsg)
	// MessageWitness runs after the witness has signed and stored a message,
	// before relaying it.
	MessageWitness func(ctx context.Context, msg *message.DataMessage)
	// MessageReceive runs after the receiver has stored and assessed a message.
	MessageReceive func(ctx context.Context, msg *message.DataMessage)
	MessageForward func(ctx context.Context, from peer.ID, fwd message.Forward)
	// Query may answer a query itself by returning true.
	Query        func(ctx context.Context, from peer.ID, req proto.QueryRequest) (message.QueryResponse, bool)
	QueryForward func(ctx context.Context, from peer.ID, fwd message.QueryForward)
	Close        func(ctx context.Context, from peer.ID, req proto.CloseRequest)
	// PeersRequest may answer a peers request itself by returning true.
	PeersRequest func(ctx context.Context, from peer.ID, req proto.PeersRequestMsg) (proto.PeersResponseMsg, bool)
}
