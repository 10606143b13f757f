package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clarinet/internal/connection"
	"clarinet/internal/crypto"
	"clarinet/internal/message"
	"clarinet/internal/network"
	"clarinet/internal/peer"
	"clarinet/internal/proto"
	"clarinet/internal/reputation"
	"clarinet/internal/testutil"
)

var (
	keysOnce sync.Once
	keysErr  error
	testPriv [][]byte
)

// testKey hands out one of a few 2048-bit keys shared by all tests.
func testKey(t *testing.T, i int) []byte {
	t.Helper()
	keysOnce.Do(func() {
		for range 4 {
			_, priv, err := crypto.GenKeypair(crypto.MinRSABits)
			if err != nil {
				keysErr = err
				return
			}
			testPriv = append(testPriv, priv)
		}
	})
	require.NoError(t, keysErr)
	return testPriv[i]
}

func newTestNode(t *testing.T, net *network.MemoryNetwork, i int, hooks Hooks) *Node {
	t.Helper()
	n, err := New(Options{
		PrivateKey: testKey(t, i),
		Transport:  net.Endpoint(fmt.Sprintf("node-%d", i)),
		Hooks:      hooks,
	})
	require.NoError(t, err)
	require.NoError(t, n.Listen())
	t.Cleanup(func() { _ = n.Shutdown() })
	return n
}

func introduce(t *testing.T, nodes ...*Node) {
	t.Helper()
	for _, a := range nodes {
		for _, b := range nodes {
			require.NoError(t, a.AddPeer(b.Self()))
		}
	}
}

type trio struct {
	net *network.MemoryNetwork
	s   *Node
	w   *Node
	r   *Node
}

func newTrio(t *testing.T, sh, wh, rh Hooks) *trio {
	t.Helper()
	net := network.NewMemoryNetwork()
	tr := &trio{
		net: net,
		s:   newTestNode(t, net, 0, sh),
		w:   newTestNode(t, net, 1, wh),
		r:   newTestNode(t, net, 2, rh),
	}
	introduce(t, tr.s, tr.w, tr.r)
	return tr
}

func (tr *trio) connect(t *testing.T) connection.ID {
	t.Helper()
	id, err := tr.s.Connect(context.Background(), tr.r.ID())
	require.NoError(t, err)
	return id
}

func viewOf(t *testing.T, n *Node, id connection.ID) connection.View {
	t.Helper()
	v, err := n.Connections().View(context.Background(), id)
	require.NoError(t, err)
	return v
}

func status(n *Node, p peer.ID, id message.ID) reputation.Status {
	return n.Assessments().Find(p, id).Status
}

func TestDerivePeerID(t *testing.T) {
	a := DerivePeerID([]byte("key-a"))
	assert.Equal(t, a, DerivePeerID([]byte("key-a")))
	assert.NotEqual(t, a, DerivePeerID([]byte("key-b")))
	assert.Len(t, string(a), 64)
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Options{PrivateKey: testKey(t, 0)})
	require.Error(t, err)
}

func TestConnectOpensOnAllParticipants(t *testing.T) {
	tr := newTrio(t, Hooks{}, Hooks{}, Hooks{})
	id := tr.connect(t)

	for _, n := range []*Node{tr.s, tr.w, tr.r} {
		v := viewOf(t, n, id)
		assert.Equal(t, connection.Open, v.Status, "node %s", n.ID())
		assert.Equal(t, tr.s.ID(), v.Sender)
		assert.Equal(t, tr.w.ID(), v.Witness)
		assert.Equal(t, tr.r.ID(), v.Receiver)
	}
	assert.Equal(t, uint64(1), tr.s.Metrics().Snapshot().Connections.Opened)
}

func TestConnectToSelfOrUnknownPeer(t *testing.T) {
	tr := newTrio(t, Hooks{}, Hooks{}, Hooks{})
	_, err := tr.s.Connect(context.Background(), tr.s.ID())
	require.ErrorIs(t, err, ErrSelf)
	_, err = tr.s.Connect(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNoSuchPeer)
}

func TestConnectRejectedByReceiver(t *testing.T) {
	reject := Hooks{Connect: func(context.Context, peer.ID, proto.ConnectRequest) proto.Decision {
		return proto.Reject("busy")
	}}
	tr := newTrio(t, Hooks{}, Hooks{}, reject)

	_, err := tr.s.Connect(context.Background(), tr.r.ID())
	var rejected *ConnectRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "busy", rejected.Reason)
	assert.Equal(t, connection.Closed, viewOf(t, tr.s, rejected.ConnectionID).Status)

	_, err = tr.r.Connections().View(context.Background(), rejected.ConnectionID)
	require.ErrorIs(t, err, connection.ErrNoSuchConnection)
}

func TestConnectWithoutWitness(t *testing.T) {
	reject := Hooks{Witness: func(context.Context, peer.ID, proto.WitnessRequest) proto.Decision {
		return proto.Reject("no capacity")
	}}
	tr := newTrio(t, Hooks{}, reject, Hooks{})

	_, err := tr.s.Connect(context.Background(), tr.r.ID())
	var sel *WitnessSelectionError
	require.ErrorAs(t, err, &sel)
	assert.Equal(t, 1, sel.Candidates)
	assert.Contains(t, sel.Error(), "no capacity")
	assert.Equal(t, connection.Closed, viewOf(t, tr.s, sel.ConnectionID).Status)
	assert.Equal(t, uint64(1), tr.s.Metrics().Snapshot().Connections.WitnessFailures)

	net := network.NewMemoryNetwork()
	s := newTestNode(t, net, 0, Hooks{})
	r := newTestNode(t, net, 2, Hooks{})
	introduce(t, s, r)
	_, err = s.Connect(context.Background(), r.ID())
	require.ErrorAs(t, err, &sel)
	assert.Equal(t, 0, sel.Candidates)
}

func TestWitnessNotificationRequiresAwaitingWitness(t *testing.T) {
	tr := newTrio(t, Hooks{}, Hooks{}, Hooks{})
	id := tr.connect(t)

	err := tr.r.handleWitnessNotification(context.Background(), tr.s.ID(),
		proto.WitnessNotificationMsg{ConnectionID: id, Witness: "other"})
	var se *connection.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, tr.w.ID(), viewOf(t, tr.r, id).Witness)

	err = tr.r.handleWitnessNotification(context.Background(), tr.s.ID(),
		proto.WitnessNotificationMsg{ConnectionID: connection.NewID(), Witness: "other"})
	require.ErrorIs(t, err, connection.ErrNoSuchConnection)
}

func TestSendReachesReceiverWithWitnessSignature(t *testing.T) {
	var received []*message.DataMessage
	var mu sync.Mutex
	rh := Hooks{MessageReceive: func(_ context.Context, m *message.DataMessage) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	}}
	tr := newTrio(t, Hooks{}, Hooks{}, rh)
	id := tr.connect(t)

	mid, err := tr.s.Send(context.Background(), id, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), mid.Sequence)
	tr.net.Wait()

	got, ok := tr.r.Messages().Find(mid)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Data())
	digest, err := message.Hash(got.WitnessParts())
	require.NoError(t, err)
	assert.True(t, crypto.VerifyDigest(tr.w.Keys().PublicKey(), digest, got.WitnessSignature()))

	assert.Equal(t, reputation.Reward, status(tr.w, tr.s.ID(), mid))
	assert.Equal(t, reputation.Reward, status(tr.r, tr.s.ID(), mid))
	assert.Equal(t, reputation.Reward, status(tr.r, tr.w.ID(), mid))

	mu.Lock()
	require.Len(t, received, 1)
	mu.Unlock()

	next, err := tr.s.Send(context.Background(), id, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Sequence)
}

func TestSendRequiresOpenConnectionAndSender(t *testing.T) {
	tr := newTrio(t, Hooks{}, Hooks{}, Hooks{})
	id := tr.connect(t)

	_, err := tr.r.Send(context.Background(), id, []byte("x"))
	require.ErrorIs(t, err, ErrNotSender)

	require.NoError(t, tr.s.Close(context.Background(), id))
	tr.net.Wait()
	_, err = tr.s.Send(context.Background(), id, []byte("x"))
	var se *connection.StatusError
	require.ErrorAs(t, err, &se)

	_, err = tr.s.Send(context.Background(), connection.NewID(), []byte("x"))
	require.ErrorIs(t, err, connection.ErrNoSuchConnection)
}

func TestQueryWitnessMatchesIndependentHashes(t *testing.T) {
	forwarded := make(chan message.QueryForward, 1)
	sh := Hooks{QueryForward: func(_ context.Context, _ peer.ID, fwd message.QueryForward) {
		forwarded <- fwd
	}}
	tr := newTrio(t, sh, Hooks{}, Hooks{})
	id := tr.connect(t)
	mid, err := tr.s.Send(context.Background(), id, []byte("payload"))
	require.NoError(t, err)
	tr.net.Wait()

	res, err := tr.r.Query(context.Background(), tr.w.ID(), mid)
	require.NoError(t, err)
	assert.Equal(t, message.HashAlgorithm, res.Response.HashAlgorithm)

	fromS, ok := tr.s.Messages().Find(mid)
	require.True(t, ok)
	sHash, err := message.Hash(fromS.WitnessParts())
	require.NoError(t, err)
	fromW, ok := tr.w.Messages().Find(mid)
	require.True(t, ok)
	wHash, err := message.Hash(fromW.WitnessParts())
	require.NoError(t, err)
	assert.Equal(t, sHash, res.Response.Details.Hash)
	assert.Equal(t, wHash, res.Response.Details.Hash)

	assessed, err := tr.r.ProcessQueryResult(context.Background(), res)
	require.NoError(t, err)
	assert.True(t, assessed)
	assert.Equal(t, reputation.Reward, status(tr.r, tr.w.ID(), mid))

	tr.net.Wait()
	fwd := testutil.Receive(t, forwarded, 5*time.Second)
	assert.Equal(t, tr.w.ID(), fwd.QueriedPeer)
	assert.Equal(t, reputation.Reward, status(tr.s, tr.w.ID(), mid))
	assert.Equal(t, reputation.None, status(tr.s, tr.r.ID(), mid))
}

func TestQueryUnknownMessage(t *testing.T) {
	tr := newTrio(t, Hooks{}, Hooks{}, Hooks{})
	id := tr.connect(t)
	mid := message.ID{ConnectionID: id, Sequence: 7}

	res, err := tr.r.Query(context.Background(), tr.w.ID(), mid)
	require.NoError(t, err)
	assert.True(t, res.Response.Empty())
	assert.Equal(t, mid, res.Response.Details.MessageID)
}

func TestProcessQueryResultPenalties(t *testing.T) {
	tr := newTrio(t, Hooks{}, Hooks{}, Hooks{})
	id := tr.connect(t)
	mid, err := tr.s.Send(context.Background(), id, []byte("payload"))
	require.NoError(t, err)
	tr.net.Wait()
	ctx := context.Background()

	t.Run("hash without signature", func(t *testing.T) {
		res := message.QueryResult{QueriedPeer: tr.w.ID(), MessageID: mid, Response: message.QueryResponse{
			Details: message.Details{MessageID: mid, Hash: make([]byte, crypto.DigestSize)},
		}}
		assessed, err := tr.r.ProcessQueryResult(ctx, res)
		require.NoError(t, err)
		assert.True(t, assessed)
		assert.Equal(t, reputation.StrongPenalty, status(tr.r, tr.w.ID(), mid))
	})

	t.Run("signed wrong hash from non adjacent peer", func(t *testing.T) {
		details := message.Details{MessageID: mid, Hash: crypto.SHA256([]byte("other"))}
		sig, err := tr.s.sign(details)
		require.NoError(t, err)
		res := message.QueryResult{QueriedPeer: tr.s.ID(), MessageID: mid, Response: message.QueryResponse{
			Details: details, Signature: sig, HashAlgorithm: message.HashAlgorithm,
		}}
		assessed, err := tr.r.ProcessQueryResult(ctx, res)
		require.NoError(t, err)
		assert.True(t, assessed)
		assert.Equal(t, reputation.WeakPenalty, status(tr.r, tr.s.ID(), mid))
		assert.Equal(t, reputation.StrongPenalty, status(tr.r, tr.w.ID(), mid))
	})

	t.Run("unknown connection", func(t *testing.T) {
		res := message.QueryResult{QueriedPeer: tr.w.ID(), MessageID: message.ID{ConnectionID: connection.NewID()}}
		_, err := tr.r.ProcessQueryResult(ctx, res)
		require.ErrorIs(t, err, connection.ErrNoSuchConnection)
	})

	t.Run("outsider is only forwarded", func(t *testing.T) {
		other := message.ID{ConnectionID: id, Sequence: 99}
		res := message.QueryResult{QueriedPeer: tr.w.ID(), MessageID: other, Response: message.QueryResponse{
			Details: message.Details{MessageID: other},
		}}
		assessed, err := tr.r.ProcessQueryResult(ctx, res)
		require.NoError(t, err)
		assert.False(t, assessed)
	})
	tr.net.Wait()
}

func TestWitnessSignatureTamperedInTransit(t *testing.T) {
	tr := newTrio(t, Hooks{}, Hooks{}, Hooks{})
	id := tr.connect(t)
	tr.net.SetInterceptor(func(from, to string, payload []byte) ([]byte, bool) {
		if from != tr.w.Addrs()[0] || to != tr.r.Addrs()[0] {
			return payload, true
		}
		env, err := proto.DecodeRequest(payload)
		if err != nil || env.Type != proto.Message {
			return payload, true
		}
		var in message.DataMessage
		if err := env.DecodeBody(&in); err != nil {
			return payload, true
		}
		out := message.New(in.ID(), in.Data())
		_ = out.SetSenderSignature(in.SenderSignature())
		bad := in.WitnessSignature()
		bad[0] ^= 0xff
		_ = out.SetWitnessSignature(bad)
		b, err := proto.EncodeRequest(proto.Message, env.Remote(), out)
		if err != nil {
			return payload, true
		}
		return b, true
	})

	mid, err := tr.s.Send(context.Background(), id, []byte("payload"))
	require.NoError(t, err)
	tr.net.Wait()

	assert.Equal(t, reputation.StrongPenalty, status(tr.r, tr.w.ID(), mid))
	assert.Equal(t, reputation.None, status(tr.r, tr.s.ID(), mid))
	assert.Equal(t, uint64(0), tr.r.Metrics().Snapshot().Messages.Forwarded)
}

func TestSenderPayloadTamperedBeforeWitness(t *testing.T) {
	forwards := make(chan message.Forward, 1)
	sh := Hooks{MessageForward: func(_ context.Context, _ peer.ID, fwd message.Forward) {
		forwards <- fwd
	}}
	tr := newTrio(t, sh, Hooks{}, Hooks{})
	id := tr.connect(t)
	tr.net.SetInterceptor(func(from, to string, payload []byte) ([]byte, bool) {
		if from != tr.s.Addrs()[0] || to != tr.w.Addrs()[0] {
			return payload, true
		}
		env, err := proto.DecodeRequest(payload)
		if err != nil || env.Type != proto.Message {
			return payload, true
		}
		var in message.DataMessage
		if err := env.DecodeBody(&in); err != nil {
			return payload, true
		}
		out := message.New(in.ID(), []byte("forged"))
		_ = out.SetSenderSignature(in.SenderSignature())
		b, err := proto.EncodeRequest(proto.Message, env.Remote(), out)
		if err != nil {
			return payload, true
		}
		return b, true
	})

	mid, err := tr.s.Send(context.Background(), id, []byte("payload"))
	require.NoError(t, err)
	tr.net.Wait()

	assert.Equal(t, reputation.StrongPenalty, status(tr.w, tr.s.ID(), mid))
	assert.Equal(t, reputation.WeakPenalty, status(tr.r, tr.s.ID(), mid))
	assert.Equal(t, reputation.WeakPenalty, status(tr.r, tr.w.ID(), mid))

	fwd := testutil.Receive(t, forwards, 5*time.Second)
	assert.Equal(t, mid, fwd.Summary.MessageID)
	// The witness signed what it saw, which is not what the sender stored.
	assert.Equal(t, reputation.StrongPenalty, status(tr.s, tr.w.ID(), mid))
	assert.Equal(t, reputation.None, status(tr.s, tr.r.ID(), mid))
}

func TestMessageForwardFromNonReceiverIsDropped(t *testing.T) {
	tr := newTrio(t, Hooks{}, Hooks{}, Hooks{})
	id := tr.connect(t)
	mid, err := tr.s.Send(context.Background(), id, []byte("payload"))
	require.NoError(t, err)
	tr.net.Wait()

	fwd := message.Forward{Summary: message.Summary{MessageID: mid, Hash: []byte("x")}}
	require.NoError(t, tr.s.handleMessageForward(context.Background(), tr.w.ID(), fwd))
	assert.Empty(t, tr.s.Assessments().FindAll(tr.w.ID()))
}

func TestQueryForwardWithBadForwarderSignature(t *testing.T) {
	var hooked int
	sh := Hooks{QueryForward: func(context.Context, peer.ID, message.QueryForward) { hooked++ }}
	tr := newTrio(t, sh, Hooks{}, Hooks{})
	id := tr.connect(t)
	mid, err := tr.s.Send(context.Background(), id, []byte("payload"))
	require.NoError(t, err)
	tr.net.Wait()

	fwd := message.QueryForward{
		QueriedPeer: tr.w.ID(),
		Response:    message.QueryResponse{Details: message.Details{MessageID: mid}},
		Signature:   []byte("garbage"),
	}
	require.NoError(t, tr.s.handleQueryForward(context.Background(), tr.r.ID(), fwd))
	assert.Equal(t, reputation.StrongPenalty, status(tr.s, tr.r.ID(), mid))
	assert.Equal(t, 1, hooked)
}

func TestQueryForwardAssessments(t *testing.T) {
	cases := []struct {
		name          string
		forwarder     string
		queried       string
		wrongHash     bool
		badQueriedSig bool
		wantQueried   reputation.Status
		wantForwarder reputation.Status
	}{
		{name: "match rewards queried peer", forwarder: "r", queried: "w",
			wantQueried: reputation.Reward, wantForwarder: reputation.None},
		{name: "adjacent forwarder blames queried peer alone", forwarder: "w", queried: "r", wrongHash: true,
			wantQueried: reputation.StrongPenalty, wantForwarder: reputation.None},
		{name: "relayed mismatch blames queried peer and forwarder", forwarder: "r", queried: "w", wrongHash: true,
			wantQueried: reputation.WeakPenalty, wantForwarder: reputation.WeakPenalty},
		{name: "outsider forwarder shares the blame", forwarder: "x", queried: "w", wrongHash: true,
			wantQueried: reputation.WeakPenalty, wantForwarder: reputation.WeakPenalty},
		{name: "bad queried signature blames forwarder", forwarder: "r", queried: "w", badQueriedSig: true,
			wantQueried: reputation.None, wantForwarder: reputation.StrongPenalty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hooked int
			sh := Hooks{QueryForward: func(context.Context, peer.ID, message.QueryForward) { hooked++ }}
			tr := newTrio(t, sh, Hooks{}, Hooks{})
			x := newTestNode(t, tr.net, 3, Hooks{})
			introduce(t, tr.s, x)
			id := tr.connect(t)
			mid, err := tr.s.Send(context.Background(), id, []byte("payload"))
			require.NoError(t, err)
			tr.net.Wait()

			pick := map[string]*Node{"w": tr.w, "r": tr.r, "x": x}
			f, q := pick[tc.forwarder], pick[tc.queried]

			stored, ok := tr.s.Messages().Find(mid)
			require.True(t, ok)
			hash, err := message.Hash(stored.WitnessParts())
			require.NoError(t, err)
			if tc.wrongHash {
				hash = crypto.SHA256([]byte("other"))
			}
			details := message.Details{MessageID: mid, Hash: hash}
			sig := []byte("garbage")
			if !tc.badQueriedSig {
				sig, err = q.sign(details)
				require.NoError(t, err)
			}
			resp := message.QueryResponse{Details: details, Signature: sig, HashAlgorithm: message.HashAlgorithm}
			fsig, err := f.sign(resp)
			require.NoError(t, err)

			fwd := message.QueryForward{QueriedPeer: q.ID(), Response: resp, Signature: fsig}
			require.NoError(t, tr.s.handleQueryForward(context.Background(), f.ID(), fwd))
			assert.Equal(t, tc.wantQueried, status(tr.s, q.ID(), mid))
			assert.Equal(t, tc.wantForwarder, status(tr.s, f.ID(), mid))
			assert.Equal(t, 1, hooked)
		})
	}
}

func TestMessageForwardAssessments(t *testing.T) {
	cases := []struct {
		name        string
		forged      bool
		badSig      bool
		wantWitness reputation.Status
		wantRecv    reputation.Status
		wantHooked  int
	}{
		{name: "witness signature matches", wantWitness: reputation.None, wantRecv: reputation.None, wantHooked: 1},
		{name: "witness signature invalid", badSig: true,
			wantWitness: reputation.None, wantRecv: reputation.StrongPenalty, wantHooked: 0},
		{name: "witness signed other content", forged: true,
			wantWitness: reputation.StrongPenalty, wantRecv: reputation.None, wantHooked: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hooked int
			sh := Hooks{MessageForward: func(context.Context, peer.ID, message.Forward) { hooked++ }}
			tr := newTrio(t, sh, Hooks{}, Hooks{})
			id := tr.connect(t)
			mid, err := tr.s.Send(context.Background(), id, []byte("payload"))
			require.NoError(t, err)
			tr.net.Wait()

			witnessed, ok := tr.w.Messages().Find(mid)
			require.True(t, ok)
			parts := witnessed.WitnessParts()
			sig := witnessed.WitnessSignature()
			if tc.forged {
				parts = message.New(mid, []byte("forged")).WitnessParts()
				sig, err = tr.w.sign(parts)
				require.NoError(t, err)
			}
			if tc.badSig {
				sig = []byte("garbage")
			}
			hash, err := message.Hash(parts)
			require.NoError(t, err)

			fwd := message.Forward{Summary: message.Summary{
				MessageID: mid, Hash: hash, HashAlgorithm: message.HashAlgorithm, WitnessSignature: sig,
			}}
			fwd.Signature, err = tr.r.sign(fwd.Summary)
			require.NoError(t, err)

			require.NoError(t, tr.s.handleMessageForward(context.Background(), tr.r.ID(), fwd))
			assert.Equal(t, tc.wantWitness, status(tr.s, tr.w.ID(), mid))
			assert.Equal(t, tc.wantRecv, status(tr.s, tr.r.ID(), mid))
			assert.Equal(t, tc.wantHooked, hooked)
		})
	}
}

func TestCloseNotifiesParticipants(t *testing.T) {
	var closed sync.WaitGroup
	closed.Add(2)
	onClose := Hooks{Close: func(context.Context, peer.ID, proto.CloseRequest) { closed.Done() }}
	tr := newTrio(t, Hooks{}, onClose, onClose)
	id := tr.connect(t)

	require.NoError(t, tr.s.Close(context.Background(), id))
	tr.net.Wait()
	closed.Wait()
	for _, n := range []*Node{tr.s, tr.w, tr.r} {
		assert.Equal(t, connection.Closed, viewOf(t, n, id).Status)
	}
	require.NoError(t, tr.s.Close(context.Background(), id))
	assert.Equal(t, uint64(1), tr.s.Metrics().Snapshot().Connections.Closed)
}

func TestRequestPeers(t *testing.T) {
	net := network.NewMemoryNetwork()
	a := newTestNode(t, net, 0, Hooks{})
	b := newTestNode(t, net, 1, Hooks{})
	c := newTestNode(t, net, 2, Hooks{})
	introduce(t, a, b)
	require.NoError(t, c.AddPeer(a.Self()))

	got, err := c.RequestPeers(context.Background(), a.ID(), proto.PeersRequestMsg{Num: 2, Requested: []peer.ID{a.ID()}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID(), got[0].ID)
	assert.Equal(t, b.ID(), got[1].ID)

	rec, ok := c.Peers().Find(b.ID())
	require.True(t, ok)
	assert.Equal(t, b.Addrs(), rec.Addrs)

	_, err = c.RequestPeers(context.Background(), a.ID(), proto.PeersRequestMsg{Num: 0})
	require.ErrorIs(t, err, proto.ErrBadPeersRequest)
}

func TestRequestKeys(t *testing.T) {
	net := network.NewMemoryNetwork()
	a := newTestNode(t, net, 0, Hooks{})
	b := newTestNode(t, net, 1, Hooks{})
	introduce(t, a, b)

	keys, err := a.RequestKeys(context.Background(), b.ID())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotEmpty(t, a.Keys().PublicKeysFor(b.ID()))
	assert.True(t, a.verify(context.Background(), b.ID(), []byte("x"), mustSign(t, b, []byte("x"))))
	assert.False(t, a.verify(context.Background(), b.ID(), []byte("y"), mustSign(t, b, []byte("x"))))
}

func mustSign(t *testing.T, n *Node, data []byte) []byte {
	t.Helper()
	sig, err := n.Keys().Sign(data)
	require.NoError(t, err)
	return sig
}

func TestInboundRequestRecordsRemotePeer(t *testing.T) {
	net := network.NewMemoryNetwork()
	a := newTestNode(t, net, 0, Hooks{})
	b := newTestNode(t, net, 1, Hooks{})
	require.NoError(t, a.AddPeer(b.Self()))

	_, err := a.RequestKeys(context.Background(), b.ID())
	require.NoError(t, err)
	rec, ok := b.Peers().Find(a.ID())
	require.True(t, ok)
	assert.Equal(t, a.Addrs(), rec.Addrs)
}

func TestInboundRequestKeepsKnownAddrs(t *testing.T) {
	net := network.NewMemoryNetwork()
	a := newTestNode(t, net, 0, Hooks{})
	b := newTestNode(t, net, 1, Hooks{})
	require.NoError(t, a.AddPeer(b.Self()))

	claim := peer.Peer{ID: b.ID(), Addrs: []string{"elsewhere:1"}}
	frame, err := proto.EncodeRequest(proto.KeysRequest, claim, proto.KeysRequestMsg{})
	require.NoError(t, err)
	a.handle(context.Background(), "elsewhere:1", frame)

	rec, ok := a.Peers().Find(b.ID())
	require.True(t, ok)
	assert.Equal(t, b.Addrs(), rec.Addrs)
}

func TestBadFrameIsCounted(t *testing.T) {
	net := network.NewMemoryNetwork()
	a := newTestNode(t, net, 0, Hooks{})
	resp := a.handle(context.Background(), "somewhere", []byte("not json"))
	err := proto.DecodeResponse(proto.Query, resp, nil)
	var remote *proto.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, uint64(1), a.Metrics().Snapshot().Transport.BadFrames)
}

func TestPersistentNodeReloads(t *testing.T) {
	home := t.TempDir()
	net := network.NewMemoryNetwork()
	peerRec := peer.Peer{ID: "far", Addrs: []string{"far:1"}}

	n, err := New(Options{Home: home, Persist: PersistAll, KeyBits: crypto.MinRSABits, Transport: net.Endpoint("a")})
	require.NoError(t, err)
	require.NoError(t, n.AddPeer(peerRec))
	mid := message.ID{ConnectionID: connection.NewID()}
	n.assess("far", mid, reputation.WeakPenalty)
	require.NoError(t, n.Shutdown())

	again, err := New(Options{Home: home, Persist: PersistAll, Transport: net.Endpoint("b")})
	require.NoError(t, err)
	assert.Equal(t, n.ID(), again.ID())
	rec, ok := again.Peers().Find("far")
	require.True(t, ok)
	assert.Equal(t, peerRec.Addrs, rec.Addrs)
	assert.Equal(t, reputation.WeakPenalty, status(again, "far", mid))
	assert.InDelta(t, 0.5, again.Reputation().Get("far"), 1e-9)
}
