package daemon

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"clarinet/internal/config"
	"clarinet/internal/debuglog"
	"clarinet/internal/node"
	"clarinet/internal/peer"
	"clarinet/internal/proto"
)

const (
	defaultPexInterval = 20 * time.Second
	defaultPexWant     = 16
	backoffBase        = 2 * time.Second
	backoffJitter      = 1 * time.Second
	maxBackoff         = 5 * time.Minute
)

// discovery keeps the peer table filled by periodically asking a known peer
// for more. Peers that fail are retried with exponential backoff.
type discovery struct {
	self      *node.Node
	bootstrap []peer.Peer
	interval  time.Duration
	want      int
	log       *debuglog.Logger

	mu       sync.Mutex
	failures map[peer.ID]int
	nextTry  map[peer.ID]time.Time
	rng      *rand.Rand
	now      func() time.Time
}

func newDiscovery(self *node.Node, boot []config.Bootstrap, interval time.Duration) *discovery {
	if interval <= 0 {
		interval = defaultPexInterval
	}
	d := &discovery{
		self:     self,
		interval: interval,
		want:     defaultPexWant,
		log:      debuglog.With("subsystem", "discovery"),
		failures: make(map[peer.ID]int),
		nextTry:  make(map[peer.ID]time.Time),
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		now:      time.Now,
	}
	for _, b := range boot {
		d.bootstrap = append(d.bootstrap, peer.Peer{ID: peer.ID(b.ID), Addrs: b.Addrs})
	}
	return d
}

func (d *discovery) run(ctx context.Context) error {
	d.seedBootstrap()
	d.tick(ctx)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *discovery) seedBootstrap() {
	for _, p := range d.bootstrap {
		if err := d.self.AddPeer(p); err != nil {
			d.log.Warnf("seed %s: %v", p.ID, err)
		}
	}
}

// tick asks one eligible peer for more peers. Bootstrap peers are preferred
// while the table is small.
func (d *discovery) tick(ctx context.Context) {
	target, ok := d.pick()
	if !ok {
		return
	}
	got, err := d.self.RequestPeers(ctx, target, proto.PeersRequestMsg{Num: d.want})
	if err != nil {
		d.markFailure(target)
		d.log.RateLimitedf("pex:"+string(target), time.Minute, "peer exchange with %s: %v", target, err)
		return
	}
	d.markSuccess(target)
	d.log.Debugf("peer exchange with %s: %d peers, table %d", target, len(got), d.self.Peers().Len())
}

func (d *discovery) pick() (peer.ID, bool) {
	now := d.now()
	var candidates []peer.ID
	if d.self.Peers().Len() < d.want {
		for _, p := range d.bootstrap {
			if p.ID != d.self.ID() && d.shouldTry(p.ID, now) {
				candidates = append(candidates, p.ID)
			}
		}
	}
	if len(candidates) == 0 {
		for _, id := range d.self.Peers().All() {
			if d.shouldTry(id, now) {
				candidates = append(candidates, id)
			}
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	d.mu.Lock()
	i := d.rng.IntN(len(candidates))
	d.mu.Unlock()
	return candidates[i], true
}

func (d *discovery) shouldTry(id peer.ID, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, ok := d.nextTry[id]
	return !ok || !now.Before(next)
}

func (d *discovery) markSuccess(id peer.ID) {
	d.mu.Lock()
	delete(d.failures, id)
	delete(d.nextTry, id)
	d.mu.Unlock()
}

func (d *discovery) markFailure(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[id]++
	d.nextTry[id] = d.now().Add(d.backoffLocked(d.failures[id]))
}

func (d *discovery) backoffLocked(failures int) time.Duration {
	shift := min(max(failures-1, 0), 30)
	backoff := backoffBase * time.Duration(1<<shift)
	raw := backoff + time.Duration(d.rng.Int64N(int64(backoffJitter)))
	return min(raw, maxBackoff)
}
