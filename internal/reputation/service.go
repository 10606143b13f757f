package reputation

import (
	"errors"
	"fmt"
	"sync"

	"clarinet/internal/debuglog"
	"clarinet/internal/peer"
)

// Service turns accepted assessment transitions into per-peer trust scores.
type Service interface {
	Update(existing *Assessment, updated Assessment) error
	Get(p peer.ID) float64
}

var ErrAssessmentMismatch = errors.New("assessments refer to different peers or messages")

// Reputation is a (good, total) pair. Its value is good/total, or 1 before any interaction.
type Reputation struct {
	Good  float64 `json:"good"`
	Total float64 `json:"total"`
}

func (r Reputation) Value() float64 {
	if r.Total == 0 {
		return 1
	}
	return r.Good / r.Total
}

func (r Reputation) Reward() Reputation {
	return r.add(deltas[Reward])
}

func (r Reputation) WeakPenalize() Reputation {
	return r.add(deltas[WeakPenalty])
}

func (r Reputation) StrongPenalize() Reputation {
	return r.add(deltas[StrongPenalty])
}

func (r Reputation) add(d Reputation) Reputation {
	return Reputation{Good: r.Good + d.Good, Total: r.Total + d.Total}
}

func (r Reputation) sub(d Reputation) Reputation {
	return Reputation{Good: r.Good - d.Good, Total: r.Total - d.Total}
}

var deltas = [...]Reputation{
	None:          {0, 0},
	Reward:        {1, 1},
	WeakPenalty:   {0, 1},
	StrongPenalty: {0, 3},
}

// DefaultPrior gives a peer with no history a value of 1.0.
var DefaultPrior = Reputation{Good: 1, Total: 1}

// ProportionalService scores a peer as the share of its weighted interactions that were rewards.
type ProportionalService struct {
	mu      sync.Mutex
	prior   Reputation
	history map[peer.ID]Reputation
}

func NewProportionalService(prior Reputation) *ProportionalService {
	return &ProportionalService{prior: prior, history: make(map[peer.ID]Reputation)}
}

// Update applies the net delta of existing -> updated. Transitions that do
// not raise the severity leave the score unchanged.
func (s *ProportionalService) Update(existing *Assessment, updated Assessment) error {
	if existing != nil && existing.key() != updated.key() {
		return fmt.Errorf("%s/%s vs %s/%s: %w",
			existing.Peer, existing.MessageID, updated.Peer, updated.MessageID, ErrAssessmentMismatch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.history[updated.Peer]
	switch {
	case existing == nil:
		r = r.add(deltas[updated.Status])
	case updated.Status > existing.Status:
		r = r.sub(deltas[existing.Status]).add(deltas[updated.Status])
	default:
		return nil
	}
	s.history[updated.Peer] = r
	return nil
}

func (s *ProportionalService) Get(p peer.ID) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prior.add(s.history[p]).Value()
}

// History returns the counters accumulated for p, without the prior.
func (s *ProportionalService) History(p peer.ID) Reputation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[p]
}

// UpdateCallback adapts svc to AssessmentStore.Save. Update errors are logged.
func UpdateCallback(svc Service) Callback {
	return func(existing *Assessment, updated Assessment) {
		if err := svc.Update(existing, updated); err != nil {
			debuglog.Warnf("reputation update: %v", err)
		}
	}
}
