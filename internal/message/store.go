package message

import (
	"errors"
	"fmt"
	"sync"

	"clarinet/internal/store"
)

var ErrDuplicateMessage = errors.New("message id already exists")

type Options struct {
	// Path enables JSONL persistence when set.
	Path string
}

// Store keeps every message this node sent, witnessed or received.
// Stored messages are copies; callers never share them with the store.
type Store struct {
	mu      sync.RWMutex
	msgs    map[ID]*DataMessage
	journal *store.Journal
}

func NewStore(opts Options) (*Store, error) {
	s := &Store{msgs: make(map[ID]*DataMessage)}
	if opts.Path == "" {
		return s, nil
	}
	j, err := store.Open(opts.Path)
	if err != nil {
		return nil, err
	}
	if err := store.ScanJSON(j, func(m DataMessage) error {
		s.msgs[m.id] = &m
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	s.journal = j
	return s, nil
}

// Add stores a copy of m. A second message with the same id is rejected.
func (s *Store) Add(m *DataMessage) error {
	c := m.Clone()
	s.mu.Lock()
	if _, ok := s.msgs[c.id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", c.id, ErrDuplicateMessage)
	}
	s.msgs[c.id] = c
	s.mu.Unlock()
	if s.journal != nil {
		if err := s.journal.Append(c); err != nil {
			return fmt.Errorf("persist message %s: %w", c.id, err)
		}
	}
	return nil
}

func (s *Store) Find(id ID) (*DataMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}
