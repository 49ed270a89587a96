package escrow

import "time"

// Status is the projected lifecycle state of an on-chain escrow.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusFunded   Status = "FUNDED"
	StatusReleased Status = "RELEASED"
	StatusDisputed Status = "DISPUTED"
	StatusRefunded Status = "REFUNDED"
	StatusFailed   Status = "FAILED"
)

// Terminal reports whether no ledger event may move the escrow out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusReleased, StatusDisputed, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Escrow mirrors the stellar_escrows table.
type Escrow struct {
	ID                  string
	BlockchainEscrowID  string
	AgreementID         string
	ContractAddress     string
	ArbiterAddress      string
	DepositorAddress    string
	BeneficiaryAddress  string
	Amount              string
	Currency            string
	Status              Status
	ApprovalCount       int
	LastSyncedLedgerSeq uint64
	TransactionHash     string
	FailureReason       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const (
	// OutboxTopicStatusChanged is published whenever a projected escrow changes status.
	OutboxTopicStatusChanged = "escrow.status_changed"
)
