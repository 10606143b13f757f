package node

import (
	"clarinet/internal/message"
	"clarinet/internal/metrics"
	"clarinet/internal/peer"
	"clarinet/internal/reputation"
)

// assess records status for p on message id. A node never assesses itself.
func (n *Node) assess(p peer.ID, id message.ID, s reputation.Status) {
	if p == "" || p == n.id {
		return
	}
	a := reputation.Assessment{Peer: p, MessageID: id, Status: s}
	if !n.assessments.Save(a, n.onAssessment) {
		n.log.Debugf("keep stronger assessment of %s on %s over %s", p, id, s)
	}
}

func (n *Node) onAssessment(existing *reputation.Assessment, updated reputation.Assessment) {
	if err := n.reputation.Update(existing, updated); err != nil {
		n.log.Warnf("reputation update: %v", err)
	}
	h := metrics.AssessmentHeader{
		Peer:      string(updated.Peer),
		MessageID: updated.MessageID.String(),
		To:        updated.Status.String(),
	}
	if existing != nil {
		if updated.Status <= existing.Status {
			return
		}
		h.From = existing.Status.String()
	}
	n.metrics.ObserveAssessment(h)
	n.log.Debugf("assess %s on %s: %s", updated.Peer, updated.MessageID, updated.Status)
}
