package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusRaised   Status = "RAISED"
	StatusVoting   Status = "VOTING"
	StatusResolved Status = "RESOLVED"
)

// Outcome is the arbitration result. It is set once.
type Outcome string

const (
	OutcomeUnresolved Outcome = "UNRESOLVED"
	OutcomeLandlord   Outcome = "LANDLORD"
	OutcomeTenant     Outcome = "TENANT"
)

// OutcomeSource records who decided the outcome.
type OutcomeSource string

const (
	SourceNone   OutcomeSource = ""
	SourceQuorum OutcomeSource = "quorum"
	SourceChain  OutcomeSource = "chain"
)

// Dispute mirrors the disputes table.
type Dispute struct {
	ID                   string
	EscrowID             string
	RaisedBy             string
	DetailsHash          string
	VotesFavorLandlord   int
	VotesFavorTenant     int
	Outcome              Outcome
	OutcomeSource        OutcomeSource
	Status               Status
	RaisedAtLedgerTime   *time.Time
	ResolvedAtLedgerTime *time.Time
	LastSyncedLedgerSeq  uint64
	TransactionHash      string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Arbiter is an authorized voter identity, managed only by ledger events.
type Arbiter struct {
	ID                    string
	ChainAddress          string
	Active                bool
	TotalVotes            int
	TotalDisputesResolved int
	LastSyncedLedgerSeq   uint64
}

// Vote is one arbiter's ballot on one dispute.
type Vote struct {
	DisputeID       string
	ArbiterID       string
	FavorLandlord   bool
	TransactionHash string
	LedgerSeq       uint64
	Revoked         bool
}

const (
	// OutboxTopicResolved is published when a dispute reaches RESOLVED or its outcome is corrected.
	OutboxTopicResolved = "dispute.resolved"
)
