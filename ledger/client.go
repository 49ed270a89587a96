// Package ledger reads contract events from the chain indexer in sequence order.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrEscrowNotOnChain is returned by EscrowState when the contract has no such escrow.
var ErrEscrowNotOnChain = errors.New("ledger: escrow not found on chain")

// RawEvent is one contract event as served by the indexer. Topic entries and
// Value are base64 encoded XDR ScVals.
type RawEvent struct {
	Sequence       uint64
	Ledger         uint64
	LedgerClosedAt time.Time
	TxHash         string
	ContractID     string
	Topic          []string
	Value          string
}

// EscrowState is the contract's own view of one escrow.
type EscrowState struct {
	EscrowID      string
	Status        string
	ApprovalCount int
	Ledger        uint64
}

// Client is the indexer surface the reconciler depends on.
type Client interface {
	// Events returns up to limit events of stream with Sequence >= fromSeq, ascending.
	Events(ctx context.Context, stream string, fromSeq uint64, limit int) ([]RawEvent, error)
	LatestSeq(ctx context.Context, stream string) (uint64, error)
	EscrowState(ctx context.Context, escrowID string) (EscrowState, error)
}
