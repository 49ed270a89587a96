package reconcile

import (
	"github.com/ethereum/go-ethereum/event"

	"escrowsync/dispute"
)

// DisputeResolved is published after the transaction that resolved a dispute,
// or corrected its outcome, has committed.
type DisputeResolved struct {
	DisputeID string
	// EscrowID is the on-chain escrow id.
	EscrowID string
	Outcome  dispute.Outcome
	Source   dispute.OutcomeSource
}

// SubscribeDisputeResolved delivers resolutions to ch. Delivery blocks the
// applying worker until every subscriber has received, so ch should be buffered.
func (e *Engine) SubscribeDisputeResolved(ch chan<- DisputeResolved) event.Subscription {
	return e.scope.Track(e.resolvedFeed.Subscribe(ch))
}

func (e *Engine) publish(notes []DisputeResolved) {
	for _, n := range notes {
		e.resolvedFeed.Send(n)
	}
}
