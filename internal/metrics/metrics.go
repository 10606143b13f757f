package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// AssessmentHeader records one accepted assessment transition.
type AssessmentHeader struct {
	At        time.Time `json:"at"`
	Peer      string    `json:"peer"`
	MessageID string    `json:"message_id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
}

type Snapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Connections ConnectionMetrics  `json:"connections"`
	Messages    MessageMetrics     `json:"messages"`
	Queries     QueryMetrics       `json:"queries"`
	Assessments AssessmentMetrics  `json:"assessments"`
	Transport   TransportMetrics   `json:"transport"`
	Recent      []AssessmentHeader `json:"recent"`
}

type ConnectionMetrics struct {
	Opened          uint64 `json:"opened"`
	Rejected        uint64 `json:"rejected"`
	WitnessFailures uint64 `json:"witness_failures"`
	Closed          uint64 `json:"closed"`
	LockTimeouts    uint64 `json:"lock_timeouts"`
}

type MessageMetrics struct {
	Sent      uint64 `json:"sent"`
	Witnessed uint64 `json:"witnessed"`
	Received  uint64 `json:"received"`
	Forwarded uint64 `json:"forwarded"`
}

type QueryMetrics struct {
	Sent      uint64 `json:"sent"`
	Answered  uint64 `json:"answered"`
	Forwarded uint64 `json:"forwarded"`
}

type AssessmentMetrics struct {
	Reward        uint64 `json:"reward"`
	WeakPenalty   uint64 `json:"weak_penalty"`
	StrongPenalty uint64 `json:"strong_penalty"`
}

type TransportMetrics struct {
	Received  map[string]uint64 `json:"received"`
	Rejected  uint64            `json:"rejected"`
	BadFrames uint64            `json:"bad_frames"`
}

type Metrics struct {
	connOpened          atomic.Uint64
	connRejected        atomic.Uint64
	connWitnessFailures atomic.Uint64
	connClosed          atomic.Uint64
	lockTimeouts        atomic.Uint64
	msgSent             atomic.Uint64
	msgWitnessed        atomic.Uint64
	msgReceived         atomic.Uint64
	msgForwarded        atomic.Uint64
	querySent           atomic.Uint64
	queryAnswered       atomic.Uint64
	queryForwarded      atomic.Uint64
	assessReward        atomic.Uint64
	assessWeak          atomic.Uint64
	assessStrong        atomic.Uint64
	transportRejected   atomic.Uint64
	badFrames           atomic.Uint64

	mu       sync.Mutex
	received map[string]uint64

	recent *AssessmentRecent
}

func New() *Metrics {
	return &Metrics{received: make(map[string]uint64), recent: NewAssessmentRecent(64)}
}

func (m *Metrics) Recent() *AssessmentRecent {
	return m.recent
}

func (m *Metrics) IncConnectionOpened()   { m.connOpened.Add(1) }
func (m *Metrics) IncConnectionRejected() { m.connRejected.Add(1) }
func (m *Metrics) IncWitnessFailure()     { m.connWitnessFailures.Add(1) }
func (m *Metrics) IncConnectionClosed()   { m.connClosed.Add(1) }
func (m *Metrics) IncLockTimeout()        { m.lockTimeouts.Add(1) }
func (m *Metrics) IncMessageSent()        { m.msgSent.Add(1) }
func (m *Metrics) IncMessageWitnessed()   { m.msgWitnessed.Add(1) }
func (m *Metrics) IncMessageReceived()    { m.msgReceived.Add(1) }
func (m *Metrics) IncMessageForwarded()   { m.msgForwarded.Add(1) }
func (m *Metrics) IncQuerySent()          { m.querySent.Add(1) }
func (m *Metrics) IncQueryAnswered()      { m.queryAnswered.Add(1) }
func (m *Metrics) IncQueryForwarded()     { m.queryForwarded.Add(1) }
func (m *Metrics) IncTransportRejected()  { m.transportRejected.Add(1) }
func (m *Metrics) IncBadFrame()           { m.badFrames.Add(1) }

// IncReceived counts an inbound request by endpoint.
func (m *Metrics) IncReceived(endpoint string) {
	m.mu.Lock()
	m.received[endpoint]++
	m.mu.Unlock()
}

// ObserveAssessment counts an accepted transition by its new status.
func (m *Metrics) ObserveAssessment(h AssessmentHeader) {
	switch h.To {
	case "REWARD":
		m.assessReward.Add(1)
	case "WEAK_PENALTY":
		m.assessWeak.Add(1)
	case "STRONG_PENALTY":
		m.assessStrong.Add(1)
	}
	if h.At.IsZero() {
		h.At = time.Now().UTC()
	}
	m.recent.Add(h)
}

func (m *Metrics) receivedCopy() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.received))
	for k, v := range m.received {
		out[k] = v
	}
	return out
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []AssessmentHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Connections: ConnectionMetrics{
			Opened:          m.connOpened.Load(),
			Rejected:        m.connRejected.Load(),
			WitnessFailures: m.connWitnessFailures.Load(),
			Closed:          m.connClosed.Load(),
			LockTimeouts:    m.lockTimeouts.Load(),
		},
		Messages: MessageMetrics{
			Sent:      m.msgSent.Load(),
			Witnessed: m.msgWitnessed.Load(),
			Received:  m.msgReceived.Load(),
			Forwarded: m.msgForwarded.Load(),
		},
		Queries: QueryMetrics{
			Sent:      m.querySent.Load(),
			Answered:  m.queryAnswered.Load(),
			Forwarded: m.queryForwarded.Load(),
		},
		Assessments: AssessmentMetrics{
			Reward:        m.assessReward.Load(),
			WeakPenalty:   m.assessWeak.Load(),
			StrongPenalty: m.assessStrong.Load(),
		},
		Transport: TransportMetrics{
			Received:  m.receivedCopy(),
			Rejected:  m.transportRejected.Load(),
			BadFrames: m.badFrames.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AssessmentRecent is a bounded ring of the latest assessment headers.
type AssessmentRecent struct {
	mu   sync.Mutex
	cap  int
	list []AssessmentHeader
}

func NewAssessmentRecent(capacity int) *AssessmentRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &AssessmentRecent{cap: capacity}
}

func (r *AssessmentRecent) Add(h AssessmentHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *AssessmentRecent) List() []AssessmentHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AssessmentHeader, len(r.list))
	copy(out, r.list)
	return out
}
