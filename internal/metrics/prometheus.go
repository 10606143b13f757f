package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clarinet"

type counterDesc struct {
	desc *prometheus.Desc
	get  func(Snapshot) uint64
}

// collector exports a Metrics value without copying its counters into
// prometheus-owned state.
type collector struct {
	m        *Metrics
	counters []counterDesc
	received *prometheus.Desc
}

func newDesc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// Collector returns a prometheus.Collector reading m.
func (m *Metrics) Collector() prometheus.Collector {
	return &collector{
		m: m,
		counters: []counterDesc{
			{newDesc("connections", "opened_total", "Connections that reached OPEN."), func(s Snapshot) uint64 { return s.Connections.Opened }},
			{newDesc("connections", "rejected_total", "Connect requests rejected by the receiver."), func(s Snapshot) uint64 { return s.Connections.Rejected }},
			{newDesc("connections", "witness_failures_total", "Connects that found no willing witness."), func(s Snapshot) uint64 { return s.Connections.WitnessFailures }},
			{newDesc("connections", "closed_total", "Connections closed."), func(s Snapshot) uint64 { return s.Connections.Closed }},
			{newDesc("connections", "lock_timeouts_total", "Connection lock acquisitions that timed out."), func(s Snapshot) uint64 { return s.Connections.LockTimeouts }},
			{newDesc("messages", "sent_total", "Messages sent as sender."), func(s Snapshot) uint64 { return s.Messages.Sent }},
			{newDesc("messages", "witnessed_total", "Messages signed and relayed as witness."), func(s Snapshot) uint64 { return s.Messages.Witnessed }},
			{newDesc("messages", "received_total", "Messages received as receiver."), func(s Snapshot) uint64 { return s.Messages.Received }},
			{newDesc("messages", "forwarded_total", "Witness summaries forwarded back to the sender."), func(s Snapshot) uint64 { return s.Messages.Forwarded }},
			{newDesc("queries", "sent_total", "Queries issued."), func(s Snapshot) uint64 { return s.Queries.Sent }},
			{newDesc("queries", "answered_total", "Queries answered."), func(s Snapshot) uint64 { return s.Queries.Answered }},
			{newDesc("queries", "forwarded_total", "Query results forwarded for corroboration."), func(s Snapshot) uint64 { return s.Queries.Forwarded }},
			{newDesc("assessments", "reward_total", "Accepted REWARD assessments."), func(s Snapshot) uint64 { return s.Assessments.Reward }},
			{newDesc("assessments", "weak_penalty_total", "Accepted WEAK_PENALTY assessments."), func(s Snapshot) uint64 { return s.Assessments.WeakPenalty }},
			{newDesc("assessments", "strong_penalty_total", "Accepted STRONG_PENALTY assessments."), func(s Snapshot) uint64 { return s.Assessments.StrongPenalty }},
			{newDesc("transport", "rejected_total", "Inbound connections or streams refused by a limit."), func(s Snapshot) uint64 { return s.Transport.Rejected }},
			{newDesc("transport", "bad_frames_total", "Inbound frames that failed to decode."), func(s Snapshot) uint64 { return s.Transport.BadFrames }},
		},
		received: newDesc("transport", "received_total", "Inbound requests by endpoint.", "endpoint"),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.received
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.get(snap)))
	}
	for endpoint, n := range snap.Transport.Received {
		ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(n), endpoint)
	}
}

// Handler serves m in the Prometheus text format on a private registry.
func (m *Metrics) Handler() (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(m.Collector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
