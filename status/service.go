// Package status answers the read-side questions about the projection:
// where an escrow or dispute stands, and how far behind the ledger we are.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrowsync/dispute"
	"escrowsync/escrow"
	"escrowsync/ledger"
	"escrowsync/projection"
)

var (
	// ErrMissingID is returned for an empty lookup key.
	ErrMissingID = errors.New("status: missing id")
	// ErrNoChainClient is returned by VerifyEscrow when no ledger client is wired.
	ErrNoChainClient = errors.New("status: no ledger client")
)

// SourceState is the part of the ledger source health checks need.
type SourceState interface {
	State() ledger.State
	Head() uint64
}

// EscrowStatus is the projected view of one escrow and its latest dispute.
type EscrowStatus struct {
	Escrow  escrow.Escrow
	Dispute *dispute.Dispute
}

// SyncHealth describes how far the projection trails the ledger. The source
// fields are only known inside a running reconciler and stay empty otherwise.
type SyncHealth struct {
	Stream              string `json:"stream"`
	LastAppliedSequence uint64 `json:"last_applied_sequence"`
	// LagSeconds is the age of the ledger close time of the last applied event.
	LagSeconds  float64      `json:"lag_seconds"`
	HeadSeq     uint64       `json:"head_seq,omitempty"`
	SeqBehind   uint64       `json:"seq_behind,omitempty"`
	SourceState ledger.State `json:"source_state,omitempty"`
}

// Verification compares one escrow's projected status with the chain.
type Verification struct {
	BlockchainEscrowID string
	Projected          escrow.Status
	OnChain            string
	ChainLedger        uint64
	Consistent         bool
}

type Service struct {
	store  projection.Reader
	stream string
	source SourceState
	chain  ledger.Client
	now    func() time.Time
}

// NewService wires the query side. source and chain may be nil.
func NewService(store projection.Reader, stream string, source SourceState, chain ledger.Client) *Service {
	return &Service{
		store:  store,
		stream: stream,
		source: source,
		chain:  chain,
		now:    time.Now,
	}
}

// GetEscrowStatus returns the newest escrow of an agreement.
func (s *Service) GetEscrowStatus(ctx context.Context, agreementID string) (EscrowStatus, error) {
	if agreementID == "" {
		return EscrowStatus{}, ErrMissingID
	}
	e, err := s.store.EscrowByAgreement(ctx, agreementID)
	if err != nil {
		return EscrowStatus{}, fmt.Errorf("status: escrow for agreement %s: %w", agreementID, err)
	}
	out := EscrowStatus{Escrow: e}
	d, err := s.store.LatestDisputeForEscrow(ctx, e.ID)
	switch {
	case err == nil:
		out.Dispute = &d
	case !errors.Is(err, dispute.ErrNotFound):
		return EscrowStatus{}, fmt.Errorf("status: dispute for escrow %s: %w", e.BlockchainEscrowID, err)
	}
	return out, nil
}

func (s *Service) GetDisputeStatus(ctx context.Context, disputeID string) (dispute.Dispute, error) {
	if disputeID == "" {
		return dispute.Dispute{}, ErrMissingID
	}
	d, err := s.store.DisputeByID(ctx, disputeID)
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("status: dispute %s: %w", disputeID, err)
	}
	return d, nil
}

func (s *Service) GetSyncHealth(ctx context.Context) (SyncHealth, error) {
	c, err := s.store.Cursor(ctx, s.stream)
	if err != nil {
		return SyncHealth{}, fmt.Errorf("status: cursor %s: %w", s.stream, err)
	}
	h := SyncHealth{
		Stream:              s.stream,
		LastAppliedSequence: c.LastAppliedSeq,
	}
	if !c.LastLedgerTime.IsZero() {
		if lag := s.now().Sub(c.LastLedgerTime); lag > 0 {
			h.LagSeconds = lag.Seconds()
		}
	}
	if s.source != nil {
		h.SourceState = s.source.State()
		h.HeadSeq = s.source.Head()
		if h.HeadSeq > c.LastAppliedSeq {
			h.SeqBehind = h.HeadSeq - c.LastAppliedSeq
		}
	}
	return h, nil
}

// VerifyEscrow asks the chain for the escrow's status and compares it with
// the projection.
func (s *Service) VerifyEscrow(ctx context.Context, blockchainEscrowID string) (Verification, error) {
	if blockchainEscrowID == "" {
		return Verification{}, ErrMissingID
	}
	if s.chain == nil {
		return Verification{}, ErrNoChainClient
	}
	e, err := s.store.EscrowByBlockchainID(ctx, blockchainEscrowID)
	if err != nil {
		return Verification{}, fmt.Errorf("status: escrow %s: %w", blockchainEscrowID, err)
	}
	onChain, err := s.chain.EscrowState(ctx, blockchainEscrowID)
	if err != nil {
		return Verification{}, fmt.Errorf("status: chain state of %s: %w", blockchainEscrowID, err)
	}
	return Verification{
		BlockchainEscrowID: blockchainEscrowID,
		Projected:          e.Status,
		OnChain:            onChain.Status,
		ChainLedger:        onChain.Ledger,
		Consistent:         chainStatus(onChain.Status) == e.Status,
	}, nil
}

// chainStatus maps the contract's enum names (Pending, Funded, ...) onto the
// projected statuses.
func chainStatus(s string) escrow.Status {
	return escrow.Status(strings.ToUpper(strings.TrimSpace(s)))
}
