// Package projection is the transactional store behind the reconciliation engine.
package projection

import (
	"context"
	"time"

	"escrowsync/agreement"
	"escrowsync/dispute"
	"escrowsync/escrow"
)

// Cursor is the persisted watermark of one ledger stream.
type Cursor struct {
	Stream         string
	LastAppliedSeq uint64
	LastLedgerTime time.Time
	UpdatedAt      time.Time
}

// UnrecognizedEvent records a ledger event the normalizer rejected.
type UnrecognizedEvent struct {
	Stream   string
	Sequence uint64
	TxHash   string
	Topic    string
	Reason   string
	Raw      map[string]any
}

// FailedEvent records an event that could not be applied to an escrow.
type FailedEvent struct {
	BlockchainEscrowID string
	Sequence           uint64
	TxHash             string
	Topic              string
	Reason             string
}

// Tx is the set of primitives one event application may use. Every call
// made through a Tx commits or rolls back together.
type Tx interface {
	// RecordAppliedEvent reports false if (txHash, topic) was applied before.
	RecordAppliedEvent(ctx context.Context, txHash, topic string, seq uint64) (bool, error)

	// GetEscrowByBlockchainID locks the escrow for the rest of the transaction.
	GetEscrowByBlockchainID(ctx context.Context, blockchainID string) (escrow.Escrow, error)
	InsertEscrowIfAbsent(ctx context.Context, e escrow.Escrow) (bool, error)
	UpsertEscrowIfSequenceNewer(ctx context.Context, e escrow.Escrow, seq uint64) (bool, error)
	// MarkEscrowFailed sets FAILED unconditionally, inserting a placeholder if needed.
	MarkEscrowFailed(ctx context.Context, blockchainID, reason string, seq uint64) error

	// GetLatestDispute locks the newest dispute of the escrow (local id).
	GetLatestDispute(ctx context.Context, escrowID string) (dispute.Dispute, error)
	InsertDispute(ctx context.Context, d dispute.Dispute) error
	UpdateDispute(ctx context.Context, d dispute.Dispute) error

	GetArbiterByAddress(ctx context.Context, address string) (dispute.Arbiter, error)
	GetOrCreateArbiter(ctx context.Context, address string) (dispute.Arbiter, error)
	SetArbiterActive(ctx context.Context, arbiterID string, active bool, seq uint64) (bool, error)
	CountActiveArbiters(ctx context.Context) (int, error)
	IncrementArbiterVotes(ctx context.Context, arbiterID string) error
	IncrementArbiterResolutions(ctx context.Context, disputeID string) error

	// UpsertVote reports whether this is the arbiter's first ballot on the dispute.
	UpsertVote(ctx context.Context, v dispute.Vote) (bool, error)
	CountVotes(ctx context.Context, disputeID string) (landlord, tenant int, err error)

	TransferObligation(ctx context.Context, o agreement.Obligation, seq uint64) (bool, error)

	RecordUnrecognized(ctx context.Context, u UnrecognizedEvent) error
	RecordFailedEvent(ctx context.Context, f FailedEvent) error
	EnqueueOutbox(ctx context.Context, topic string, payload map[string]any) error

	// AdvanceCursor never moves the stored cursor backwards.
	AdvanceCursor(ctx context.Context, stream string, seq uint64, ledgerTime time.Time) error
}

// Reader serves the query side.
type Reader interface {
	Cursor(ctx context.Context, stream string) (Cursor, error)
	EscrowByAgreement(ctx context.Context, agreementID string) (escrow.Escrow, error)
	EscrowByBlockchainID(ctx context.Context, blockchainID string) (escrow.Escrow, error)
	DisputeByID(ctx context.Context, disputeID string) (dispute.Dispute, error)
	LatestDisputeForEscrow(ctx context.Context, escrowID string) (dispute.Dispute, error)
	Obligation(ctx context.Context, agreementID string) (agreement.Obligation, error)
}

// Store is what the engine and the status service are built on.
type Store interface {
	Reader
	// InTx runs fn in one transaction. A non-nil error from fn rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// AdvanceCursor moves the cursor outside of an event application.
	AdvanceCursor(ctx context.Context, stream string, seq uint64, ledgerTime time.Time) error
}
