package reputation

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"clarinet/internal/debuglog"
	"clarinet/internal/message"
	"clarinet/internal/peer"
	"clarinet/internal/store"
)

const stripes = 256

// Callback observes an accepted transition. existing is nil for a first save.
type Callback func(existing *Assessment, updated Assessment)

type StoreOptions struct {
	// Path enables JSONL persistence when set.
	Path string
}

// AssessmentStore keeps the latest assessment per (peer, message).
// Saves on one key are serialized by that key's stripe lock, so the
// compare, persist and callback steps happen as one unit.
type AssessmentStore struct {
	locks   [stripes]sync.Mutex
	mu      sync.RWMutex
	records map[key]Assessment
	journal *store.Journal
}

func NewAssessmentStore(opts StoreOptions) (*AssessmentStore, error) {
	s := &AssessmentStore{records: make(map[key]Assessment)}
	if opts.Path == "" {
		return s, nil
	}
	j, err := store.Open(opts.Path)
	if err != nil {
		return nil, err
	}
	if err := store.ScanJSON(j, func(a Assessment) error {
		if a.Peer == "" {
			return store.ErrSkip
		}
		s.records[a.key()] = a
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load assessments: %w", err)
	}
	s.journal = j
	return s, nil
}

func stripe(k key) int {
	h := fnv.New32a()
	h.Write([]byte(k.peer))
	h.Write(k.msg.ConnectionID[:])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], k.msg.Sequence)
	h.Write(seq[:])
	return int(h.Sum32() % stripes)
}

// Save persists a unless a less severe status would replace a stored one.
// It reports whether a was persisted; cb runs only when it was.
func (s *AssessmentStore) Save(a Assessment, cb Callback) bool {
	k := a.key()
	l := &s.locks[stripe(k)]
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	prior, ok := s.records[k]
	s.mu.RUnlock()
	if ok && a.Status < prior.Status {
		return false
	}

	s.mu.Lock()
	s.records[k] = a
	s.mu.Unlock()
	if s.journal != nil {
		if err := s.journal.Append(a); err != nil {
			debuglog.Warnf("assessment journal: %v", err)
		}
	}

	if cb != nil {
		if ok {
			cb(&prior, a)
		} else {
			cb(nil, a)
		}
	}
	return true
}

// Find returns the stored assessment, or a NONE assessment when there is none.
func (s *AssessmentStore) Find(p peer.ID, id message.ID) Assessment {
	k := key{peer: p, msg: id}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.records[k]; ok {
		return a
	}
	return Assessment{Peer: p, MessageID: id, Status: None}
}

// FindAll lists every stored assessment of p.
func (s *AssessmentStore) FindAll(p peer.ID) []Assessment {
	s.mu.RLock()
	var out []Assessment
	for k, a := range s.records {
		if k.peer == p {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].MessageID, out[j].MessageID
		if a.ConnectionID != b.ConnectionID {
			return a.ConnectionID.String() < b.ConnectionID.String()
		}
		return a.Sequence < b.Sequence
	})
	return out
}

// All lists every stored assessment in no particular order.
func (s *AssessmentStore) All() []Assessment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Assessment, 0, len(s.records))
	for _, a := range s.records {
		out = append(out, a)
	}
	return out
}

func (s *AssessmentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
