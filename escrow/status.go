package escrow

// Trigger names the ledger occurrence that drives an escrow transition.
type Trigger string

const (
	TriggerFunded           Trigger = "funded"
	TriggerReleased         Trigger = "released"
	TriggerRefunded         Trigger = "refunded"
	TriggerDisputeRaised    Trigger = "dispute_raised"
	TriggerResolvedLandlord Trigger = "resolved_landlord"
	TriggerResolvedTenant   Trigger = "resolved_tenant"
)

type edge struct {
	from    Status
	trigger Trigger
}

var transitions = map[edge]Status{
	{StatusPending, TriggerFunded}:            StatusFunded,
	{StatusFunded, TriggerReleased}:           StatusReleased,
	{StatusFunded, TriggerRefunded}:           StatusRefunded,
	{StatusFunded, TriggerDisputeRaised}:      StatusDisputed,
	{StatusDisputed, TriggerResolvedLandlord}: StatusReleased,
	{StatusDisputed, TriggerResolvedTenant}:   StatusRefunded,
}

// Next returns the status reached from `from` on trigger t.
func Next(from Status, t Trigger) (Status, bool) {
	to, ok := transitions[edge{from, t}]
	return to, ok
}

// Target returns the status a trigger leads to regardless of origin.
func Target(t Trigger) Status {
	switch t {
	case TriggerFunded:
		return StatusFunded
	case TriggerReleased, TriggerResolvedLandlord:
		return StatusReleased
	case TriggerRefunded, TriggerResolvedTenant:
		return StatusRefunded
	case TriggerDisputeRaised:
		return StatusDisputed
	}
	return ""
}

// Disposition classifies how an event relates to the current projection.
type Disposition int

const (
	// Apply means the transition is legal from the current status.
	Apply Disposition = iota
	// AlreadyApplied means the escrow already sits in the target status.
	AlreadyApplied
	// Stale means the escrow is terminal and the event can never apply.
	Stale
	// Ahead means a predecessor event has not been projected yet.
	Ahead
)

func (d Disposition) String() string {
	switch d {
	case Apply:
		return "apply"
	case AlreadyApplied:
		return "already-applied"
	case Stale:
		return "stale"
	case Ahead:
		return "ahead"
	}
	return "unknown"
}

// Classify decides what to do with trigger t given the current status.
func Classify(current Status, t Trigger) Disposition {
	if _, ok := Next(current, t); ok {
		return Apply
	}
	if current == Target(t) {
		return AlreadyApplied
	}
	if current.Terminal() {
		return Stale
	}
	return Ahead
}
