package peer

import (
	"container/list"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"clarinet/internal/store"
)

const DefaultCap = 512

// ID identifies a peer on the network. Nodes derive it from their public key unless configured otherwise.
type ID string

func (id ID) String() string {
	return string(id)
}

type Peer struct {
	ID    ID       `json:"id"`
	Addrs []string `json:"addrs,omitempty"`
}

func (p Peer) clone() Peer {
	return Peer{ID: p.ID, Addrs: slices.Clone(p.Addrs)}
}

type Options struct {
	// Path enables JSONL persistence when set.
	Path string
	Cap  int
}

// Store is an LRU-bounded peer directory.
type Store struct {
	mu      sync.Mutex
	cap     int
	hot     map[ID]*list.Element
	order   *list.List
	journal *store.Journal
}

var ErrMissingID = errors.New("missing peer id")

func NewStore(opts Options) (*Store, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	s := &Store{
		cap:   capacity,
		hot:   make(map[ID]*list.Element),
		order: list.New(),
	}
	if opts.Path == "" {
		return s, nil
	}
	j, err := store.Open(opts.Path)
	if err != nil {
		return nil, err
	}
	if err := store.ScanJSON(j, func(p Peer) error {
		if p.ID == "" {
			return store.ErrSkip
		}
		s.saveLocked(p)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	s.journal = j
	return s, nil
}

// Save inserts p or merges its addresses into the existing record.
func (s *Store) Save(p Peer) error {
	if p.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	merged, changed := s.saveLocked(p)
	j := s.journal
	s.mu.Unlock()
	if j == nil || !changed {
		return nil
	}
	return j.Append(merged)
}

func (s *Store) saveLocked(p Peer) (Peer, bool) {
	if el, ok := s.hot[p.ID]; ok {
		s.order.MoveToFront(el)
		existing := el.Value.(*Peer)
		changed := false
		for _, a := range p.Addrs {
			if a != "" && !slices.Contains(existing.Addrs, a) {
				existing.Addrs = append(existing.Addrs, a)
				changed = true
			}
		}
		return existing.clone(), changed
	}
	p = p.clone()
	p.Addrs = slices.DeleteFunc(p.Addrs, func(a string) bool { return a == "" })
	s.hot[p.ID] = s.order.PushFront(&p)
	for s.order.Len() > s.cap {
		last := s.order.Back()
		s.order.Remove(last)
		delete(s.hot, last.Value.(*Peer).ID)
	}
	return p.clone(), true
}

func (s *Store) Find(id ID) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[id]
	if !ok {
		return Peer{}, false
	}
	return el.Value.(*Peer).clone(), true
}

// All returns every known peer id in a stable order.
func (s *Store) All() []ID {
	s.mu.Lock()
	out := make([]ID, 0, len(s.hot))
	for id := range s.hot {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) List() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Peer).clone())
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
