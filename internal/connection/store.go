package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"clarinet/internal/debuglog"
	"clarinet/internal/peer"
)

const DefaultObtainTimeout = 10 * time.Second

type Options struct {
	ObtainTimeout time.Duration
	// NewID overrides id generation. Tests use it to force collisions.
	NewID func() ID
	// OnObtainTimeout is called whenever a lock acquisition times out.
	OnObtainTimeout func(ID)
}

// Store is the registry of connections this node takes part in.
// Connections are never removed; their lifecycle ends at Closed.
type Store struct {
	mu        sync.RWMutex
	conns     map[ID]*Connection
	order     []ID
	timeout   time.Duration
	newID     func() ID
	onTimeout func(ID)
}

func NewStore(opts Options) *Store {
	timeout := opts.ObtainTimeout
	if timeout <= 0 {
		timeout = DefaultObtainTimeout
	}
	newID := opts.NewID
	if newID == nil {
		newID = NewID
	}
	return &Store{
		conns:     make(map[ID]*Connection),
		timeout:   timeout,
		newID:     newID,
		onTimeout: opts.OnObtainTimeout,
	}
}

// Create registers a connection under a fresh id and returns it write-locked.
func (s *Store) Create(sender, receiver peer.ID, status Status) (*Writer, error) {
	return s.insert(s.newID(), sender, receiver, status)
}

// Accept registers a connection under an id chosen by the remote party and returns it write-locked.
func (s *Store) Accept(id ID, sender, receiver peer.ID, status Status) (*Writer, error) {
	return s.insert(id, sender, receiver, status)
}

func (s *Store) insert(id ID, sender, receiver peer.ID, status Status) (*Writer, error) {
	c := newConnection(id, sender, receiver, status)
	// Nobody else can see c yet, so this cannot block.
	if err := c.lock.lock(context.Background()); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.conns[id]; ok {
		s.mu.Unlock()
		c.lock.unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrExistingConnectionID)
	}
	s.conns[id] = c
	s.order = append(s.order, id)
	s.mu.Unlock()
	return &Writer{Reader{h: newHandle(c, modeWrite, c.lock.unlock)}}, nil
}

func (s *Store) lookup(id ID) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *Store) obtain(ctx context.Context, c *Connection, mode string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.timeout
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var err error
	if mode == modeWrite {
		err = c.lock.lock(ctx)
	} else {
		err = c.lock.rlock(ctx)
	}
	if err == nil {
		return nil
	}
	if s.onTimeout != nil && errors.Is(err, context.DeadlineExceeded) {
		s.onTimeout(c.id)
	}
	return &ObtainError{ID: c.id, Mode: mode, Timeout: timeout, Err: err}
}

// FindForRead returns the connection read-locked. An unknown id yields ErrNoSuchConnection;
// a lock that cannot be obtained within timeout (zero means the store default) yields *ObtainError.
func (s *Store) FindForRead(ctx context.Context, id ID, timeout time.Duration) (*Reader, error) {
	c, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNoSuchConnection)
	}
	if err := s.obtain(ctx, c, modeRead, timeout); err != nil {
		return nil, err
	}
	return &Reader{h: newHandle(c, modeRead, c.lock.runlock)}, nil
}

// FindForWrite is FindForRead for the exclusive lock.
func (s *Store) FindForWrite(ctx context.Context, id ID, timeout time.Duration) (*Writer, error) {
	c, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNoSuchConnection)
	}
	if err := s.obtain(ctx, c, modeWrite, timeout); err != nil {
		return nil, err
	}
	return &Writer{Reader{h: newHandle(c, modeWrite, c.lock.unlock)}}, nil
}

// View returns a copy of the connection state taken under a read lock.
func (s *Store) View(ctx context.Context, id ID) (View, error) {
	r, err := s.FindForRead(ctx, id, 0)
	if err != nil {
		return View{}, err
	}
	defer r.Close()
	return r.View(), nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Ordering arranges the references a query accepted.
type Ordering func(refs []*Reader)

// Random shuffles query results.
func Random() Ordering {
	return func(refs []*Reader) {
		rand.Shuffle(len(refs), func(i, j int) { refs[i], refs[j] = refs[j], refs[i] })
	}
}

// By orders query results with cmp, keeping equal elements in store order.
func By(cmp func(a, b View) int) Ordering {
	return func(refs []*Reader) {
		slices.SortStableFunc(refs, func(a, b *Reader) int { return cmp(a.View(), b.View()) })
	}
}

// Query read-locks each connection in store order and keeps those matching pred.
// Rejected connections are unlocked before the next one is examined, and connections
// whose lock cannot be obtained in time are skipped. order is applied to the accepted
// references afterwards, so it never changes the order locks are taken in. The caller
// must Close every returned reference.
func (s *Store) Query(ctx context.Context, pred func(View) bool, order Ordering) []*Reader {
	s.mu.RLock()
	candidates := make([]*Connection, 0, len(s.order))
	for _, id := range s.order {
		candidates = append(candidates, s.conns[id])
	}
	s.mu.RUnlock()

	var out []*Reader
	for _, c := range candidates {
		if err := s.obtain(ctx, c, modeRead, 0); err != nil {
			debuglog.Debugf("connection query: skip %s: %v", c.id, err)
			continue
		}
		ref := &Reader{h: newHandle(c, modeRead, c.lock.runlock)}
		if pred != nil && !pred(ref.View()) {
			ref.Close()
			continue
		}
		out = append(out, ref)
	}
	if order != nil {
		order(out)
	}
	return out
}

func CloseAll(refs []*Reader) {
	for _, r := range refs {
		r.Close()
	}
}
