package node

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"clarinet/internal/connection"
	"clarinet/internal/crypto"
	"clarinet/internal/debuglog"
	"clarinet/internal/message"
	"clarinet/internal/metrics"
	"clarinet/internal/network"
	"clarinet/internal/peer"
	"clarinet/internal/reputation"
)

const (
	defaultPeerBook       = "peers.jsonl"
	defaultMessageBook    = "messages.jsonl"
	defaultAssessmentBook = "assessments.jsonl"

	DefaultTrustMinimum = 0.5
)

// Persistence selects which stores keep a JSONL journal under Home.
type Persistence struct {
	Peers       bool
	Messages    bool
	Assessments bool
}

// PersistAll journals every store.
var PersistAll = Persistence{Peers: true, Messages: true, Assessments: true}

type Options struct {
	// Home holds the keypair and the journals selected by Persist.
	// Without Home a fresh keypair is generated in memory.
	Home    string
	Persist Persistence
	// PeerID overrides the id derived from the public key.
	PeerID  peer.ID
	KeyBits int
	// PrivateKey supplies the keypair directly and takes precedence over Home.
	PrivateKey []byte

	Transport network.Transport
	// AdvertiseAddrs are handed to peers instead of the transport's bound addresses.
	AdvertiseAddrs   []string
	TransportOptions network.Options
	LockTimeout      time.Duration

	PeerCap      int
	KeyCacheSize int
	Reputation   reputation.Service
	TrustFilter  reputation.TrustFilter
	Metrics      *metrics.Metrics
	Hooks        Hooks
}

type Node struct {
	id          peer.ID
	advertise   []string
	transport   network.Transport
	netOpts     network.Options
	lockTimeout time.Duration

	peers       *peer.Store
	conns       *connection.Store
	messages    *message.Store
	assessments *reputation.AssessmentStore
	reputation  reputation.Service
	trust       reputation.TrustFilter
	keys        *crypto.KeyStore
	keyLoads    singleflight.Group

	hooks   Hooks
	metrics *metrics.Metrics
	log     *debuglog.Logger
}

// DerivePeerID is the default peer id: hex SHA3-256 over a domain tag and the public key.
func DerivePeerID(pub []byte) peer.ID {
	buf := make([]byte, 0, len("clarinet:peerid:v1")+len(pub))
	buf = append(buf, []byte("clarinet:peerid:v1")...)
	buf = append(buf, pub...)
	return peer.ID(hex.EncodeToString(crypto.SHA3_256(buf)))
}

func loadKeys(opts Options) ([]byte, []byte, error) {
	switch {
	case len(opts.PrivateKey) > 0:
		pub, err := crypto.PublicFromPrivate(opts.PrivateKey)
		return pub, opts.PrivateKey, err
	case opts.Home != "":
		if err := os.MkdirAll(opts.Home, 0700); err != nil {
			return nil, nil, err
		}
		return crypto.LoadOrCreateKeypair(opts.Home, opts.KeyBits)
	default:
		return crypto.GenKeypair(opts.KeyBits)
	}
}

func (o Options) journal(name string, on bool) string {
	if !on || o.Home == "" {
		return ""
	}
	return filepath.Join(o.Home, name)
}

func New(opts Options) (*Node, error) {
	if opts.Transport == nil {
		return nil, errors.New("node: transport is required")
	}
	pub, priv, err := loadKeys(opts)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.NewKeyStore(pub, priv, opts.KeyCacheSize)
	if err != nil {
		return nil, err
	}
	id := opts.PeerID
	if id == "" {
		id = DerivePeerID(pub)
	}
	for _, k := range keys.PublicKeys() {
		if err := keys.AddPublicKey(id, k); err != nil {
			return nil, err
		}
	}
	peers, err := peer.NewStore(peer.Options{Path: opts.journal(defaultPeerBook, opts.Persist.Peers), Cap: opts.PeerCap})
	if err != nil {
		return nil, err
	}
	messages, err := message.NewStore(message.Options{Path: opts.journal(defaultMessageBook, opts.Persist.Messages)})
	if err != nil {
		return nil, err
	}
	assessments, err := reputation.NewAssessmentStore(reputation.StoreOptions{Path: opts.journal(defaultAssessmentBook, opts.Persist.Assessments)})
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:          id,
		advertise:   slices.Clone(opts.AdvertiseAddrs),
		transport:   opts.Transport,
		netOpts:     opts.TransportOptions,
		lockTimeout: opts.LockTimeout,
		peers:       peers,
		messages:    messages,
		assessments: assessments,
		reputation:  opts.Reputation,
		trust:       opts.TrustFilter,
		keys:        keys,
		hooks:       opts.Hooks,
		metrics:     opts.Metrics,
		log:         debuglog.With("node", shortID(id)),
	}
	if n.reputation == nil {
		n.reputation = reputation.NewProportionalService(reputation.DefaultPrior)
	}
	if n.trust == nil {
		n.trust = reputation.MinAndStandardDeviation(DefaultTrustMinimum)
	}
	if n.metrics == nil {
		n.metrics = metrics.New()
	}
	n.conns = connection.NewStore(connection.Options{
		ObtainTimeout: opts.LockTimeout,
		OnObtainTimeout: func(cid connection.ID) {
			n.metrics.IncLockTimeout()
			n.log.RateLimitedf("lock-timeout:"+cid.String(), 10*time.Second, "lock timeout on connection %s", cid)
		},
	})
	// Replayed assessments rebuild the reputation history.
	for _, a := range assessments.All() {
		if err := n.reputation.Update(nil, a); err != nil {
			n.log.Warnf("replay assessment: %v", err)
		}
	}
	return n, nil
}

func shortID(id peer.ID) string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

func (n *Node) ID() peer.ID {
	return n.id
}

// Addrs are the addresses this node hands to peers.
func (n *Node) Addrs() []string {
	if len(n.advertise) > 0 {
		return slices.Clone(n.advertise)
	}
	return n.transport.Addrs()
}

func (n *Node) Self() peer.Peer {
	return peer.Peer{ID: n.id, Addrs: n.Addrs()}
}

func (n *Node) Peers() *peer.Store { return n.peers }
func (n *Node) Connections() *connection.Store { return n.conns }
func (n *Node) Messages() *message.Store { return n.messages }
func (n *Node) Assessments() *reputation.AssessmentStore { return n.assessments }
func (n *Node) Reputation() reputation.Service { return n.reputation }
func (n *Node) Keys() *crypto.KeyStore { return n.keys }
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// AddPeer records a peer this node may contact. Records about self are ignored.
func (n *Node) AddPeer(p peer.Peer) error {
	if p.ID == n.id {
		return nil
	}
	return n.peers.Save(p)
}

// Listen starts serving protocol requests on the transport.
func (n *Node) Listen() error {
	return n.transport.Listen(n.handle)
}

// Shutdown stops the transport. Stores stay readable.
func (n *Node) Shutdown() error {
	return n.transport.Close()
}
