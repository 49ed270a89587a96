package agreement

import "time"

// Obligation is the projected holder of an agreement's rent obligation.
type Obligation struct {
	AgreementID         string
	HolderAddress       string
	PreviousHolder      string
	LastSyncedLedgerSeq uint64
	TransactionHash     string
	UpdatedAt           time.Time
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	// OutboxTopicObligationTransferred is published whenever the obligation holder changes.
	OutboxTopicObligationTransferred = "agreement.obligation_transferred"
)
