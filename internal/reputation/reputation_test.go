package reputation

import (
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clarinet/internal/connection"
	"clarinet/internal/message"
	"clarinet/internal/peer"
)

type transition struct {
	existing *Status
	updated  Status
}

func recorder() (Callback, func() []transition) {
	var mu sync.Mutex
	var seen []transition
	cb := func(existing *Assessment, updated Assessment) {
		mu.Lock()
		defer mu.Unlock()
		t := transition{updated: updated.Status}
		if existing != nil {
			s := existing.Status
			t.existing = &s
		}
		seen = append(seen, t)
	}
	return cb, func() []transition {
		mu.Lock()
		defer mu.Unlock()
		return append([]transition(nil), seen...)
	}
}

func msgID() message.ID {
	return message.ID{ConnectionID: connection.NewID()}
}

func TestUpdateStatusNeverLowers(t *testing.T) {
	a := Assessment{Peer: "p", MessageID: msgID(), Status: WeakPenalty}
	assert.Equal(t, WeakPenalty, a.UpdateStatus(Reward).Status)
	assert.Equal(t, StrongPenalty, a.UpdateStatus(StrongPenalty).Status)
	assert.Equal(t, WeakPenalty, a.Status)
}

func TestSaveFirstTimeAndUpgrade(t *testing.T) {
	s, err := NewAssessmentStore(StoreOptions{})
	require.NoError(t, err)
	id := msgID()
	cb, seen := recorder()

	found := s.Find("p", id)
	assert.Equal(t, None, found.Status)

	require.True(t, s.Save(found.UpdateStatus(Reward), cb))
	require.True(t, s.Save(found.UpdateStatus(StrongPenalty), cb))
	got := seen()
	require.Len(t, got, 2)
	assert.Nil(t, got[0].existing)
	assert.Equal(t, Reward, got[0].updated)
	require.NotNil(t, got[1].existing)
	assert.Equal(t, Reward, *got[1].existing)
	assert.Equal(t, StrongPenalty, got[1].updated)
	assert.Equal(t, StrongPenalty, s.Find("p", id).Status)
}

func TestSaveLowerStatusIsNoop(t *testing.T) {
	s, err := NewAssessmentStore(StoreOptions{})
	require.NoError(t, err)
	id := msgID()
	require.True(t, s.Save(Assessment{Peer: "p", MessageID: id, Status: Reward}, nil))

	cb, seen := recorder()
	assert.False(t, s.Save(Assessment{Peer: "p", MessageID: id, Status: None}, cb))
	assert.Empty(t, seen())
	assert.Equal(t, Reward, s.Find("p", id).Status)
}

func TestSaveSerializesCallbacksPerKey(t *testing.T) {
	s, err := NewAssessmentStore(StoreOptions{})
	require.NoError(t, err)
	id := msgID()

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []transition
	slow := func(existing *Assessment, updated Assessment) {
		if updated.Status == Reward {
			close(entered)
			<-release
		}
		mu.Lock()
		tr := transition{updated: updated.Status}
		if existing != nil {
			st := existing.Status
			tr.existing = &st
		}
		order = append(order, tr)
		mu.Unlock()
	}

	done := make(chan bool)
	go func() { done <- s.Save(Assessment{Peer: "p", MessageID: id, Status: Reward}, slow) }()
	<-entered

	second := make(chan bool)
	go func() { second <- s.Save(Assessment{Peer: "p", MessageID: id, Status: StrongPenalty}, slow) }()
	select {
	case <-second:
		t.Fatalf("second save completed while the first callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	// Keys on other stripes proceed while this one is held.
	other := Assessment{Peer: "q", MessageID: msgID(), Status: Reward}
	if stripe(other.key()) != stripe(key{peer: "p", msg: id}) {
		require.True(t, s.Save(other, nil))
	}

	close(release)
	require.True(t, <-done)
	require.True(t, <-second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Nil(t, order[0].existing)
	assert.Equal(t, Reward, order[0].updated)
	require.NotNil(t, order[1].existing)
	assert.Equal(t, Reward, *order[1].existing)
	assert.Equal(t, StrongPenalty, order[1].updated)
}

func TestConcurrentSavesStayMonotonic(t *testing.T) {
	for round := 0; round < 50; round++ {
		s, err := NewAssessmentStore(StoreOptions{})
		require.NoError(t, err)
		id := msgID()
		cb, seen := recorder()

		var wg sync.WaitGroup
		for _, st := range []Status{Reward, StrongPenalty} {
			wg.Add(1)
			go func(st Status) {
				defer wg.Done()
				s.Save(Assessment{Peer: "p", MessageID: id, Status: st}, cb)
			}(st)
		}
		wg.Wait()

		got := seen()
		require.NotEmpty(t, got)
		require.Nil(t, got[0].existing)
		for i := 1; i < len(got); i++ {
			require.NotNil(t, got[i].existing)
			assert.Equal(t, got[i-1].updated, *got[i].existing)
			assert.GreaterOrEqual(t, got[i].updated, *got[i].existing)
		}
		assert.Equal(t, StrongPenalty, got[len(got)-1].updated)
		assert.Equal(t, StrongPenalty, s.Find("p", id).Status)
	}
}

func TestAssessmentStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assessments.jsonl")
	s, err := NewAssessmentStore(StoreOptions{Path: path})
	require.NoError(t, err)
	id := msgID()
	require.True(t, s.Save(Assessment{Peer: "p", MessageID: id, Status: Reward}, nil))
	require.True(t, s.Save(Assessment{Peer: "p", MessageID: id, Status: WeakPenalty}, nil))
	require.True(t, s.Save(Assessment{Peer: "p", MessageID: msgID(), Status: Reward}, nil))

	reopened, err := NewAssessmentStore(StoreOptions{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	assert.Equal(t, WeakPenalty, reopened.Find("p", id).Status)
	assert.Len(t, reopened.FindAll("p"), 2)
	assert.Empty(t, reopened.FindAll("q"))
}

func TestReputationSequence(t *testing.T) {
	var r Reputation
	assert.Equal(t, 1.0, r.Value())
	r = r.WeakPenalize()
	assert.Equal(t, 0.0, r.Value())
	r = r.Reward()
	assert.Equal(t, 0.5, r.Value())
	r = r.StrongPenalize()
	assert.InDelta(t, 0.2, r.Value(), 1e-12)
	assert.Equal(t, Reputation{Good: 1, Total: 5}, r)
}

func TestProportionalServiceDeltas(t *testing.T) {
	svc := NewProportionalService(DefaultPrior)
	assert.Equal(t, 1.0, svc.Get("p"))

	id := msgID()
	first := Assessment{Peer: "p", MessageID: id, Status: Reward}
	require.NoError(t, svc.Update(nil, first))
	assert.Equal(t, 1.0, svc.Get("p"))

	strong := first.UpdateStatus(StrongPenalty)
	require.NoError(t, svc.Update(&first, strong))
	// prior (1,1) + strong (0,3)
	assert.InDelta(t, 0.25, svc.Get("p"), 1e-12)
	assert.Equal(t, Reputation{Good: 0, Total: 3}, svc.History("p"))

	// Equal or lower transitions change nothing.
	require.NoError(t, svc.Update(&strong, strong))
	assert.InDelta(t, 0.25, svc.Get("p"), 1e-12)
}

func TestProportionalServiceRejectsMismatch(t *testing.T) {
	svc := NewProportionalService(DefaultPrior)
	a := Assessment{Peer: "p", MessageID: msgID(), Status: Reward}
	b := Assessment{Peer: "q", MessageID: a.MessageID, Status: StrongPenalty}
	require.ErrorIs(t, svc.Update(&a, b), ErrAssessmentMismatch)
	c := Assessment{Peer: "p", MessageID: msgID(), Status: StrongPenalty}
	require.ErrorIs(t, svc.Update(&a, c), ErrAssessmentMismatch)
	assert.Equal(t, Reputation{}, svc.History("p"))
}

func TestZeroPriorMatchesValueType(t *testing.T) {
	svc := NewProportionalService(Reputation{})
	cb := UpdateCallback(svc)
	st, err := NewAssessmentStore(StoreOptions{})
	require.NoError(t, err)

	var want Reputation
	for _, s := range []Status{WeakPenalty, Reward, StrongPenalty} {
		st.Save(Assessment{Peer: "p", MessageID: msgID(), Status: s}, cb)
		switch s {
		case WeakPenalty:
			want = want.WeakPenalize()
		case Reward:
			want = want.Reward()
		case StrongPenalty:
			want = want.StrongPenalize()
		}
		assert.InDelta(t, want.Value(), svc.Get("p"), 1e-12)
	}
}

func TestMinAndStandardDeviation(t *testing.T) {
	reps := map[peer.ID]float64{"a": 1, "b": 0.9, "c": 0.95, "d": 0.1}
	rep := func(p peer.ID) float64 { return reps[p] }
	peers := []peer.ID{"a", "b", "c", "d"}

	got := MinAndStandardDeviation(0)(peers, rep)
	assert.ElementsMatch(t, []peer.ID{"a", "b", "c"}, got)

	got = MinAndStandardDeviation(0.92)(peers, rep)
	assert.ElementsMatch(t, []peer.ID{"a", "c"}, got)

	assert.Empty(t, MinAndStandardDeviation(0)(nil, rep))
	assert.Equal(t, []peer.ID{"d"}, MinAndStandardDeviation(0)([]peer.ID{"d"}, rep))
	assert.Empty(t, MinAndStandardDeviation(0.5)([]peer.ID{"d"}, rep))
}

func TestStddevIsSample(t *testing.T) {
	assert.InDelta(t, math.Sqrt(2.5), stddev([]float64{1, 2, 3, 4, 5}), 1e-12)
	assert.InDelta(t, 1.0, stddev([]float64{1, 2, 3}), 1e-12)
	assert.Equal(t, 0.0, stddev([]float64{7}))
}

func TestAllowAllKeepsEveryone(t *testing.T) {
	peers := []peer.ID{"a", "b", "c"}
	got := AllowAll()(peers, func(peer.ID) float64 { return 0 })
	assert.ElementsMatch(t, peers, got)
	assert.Equal(t, []peer.ID{"a", "b", "c"}, peers)
}
