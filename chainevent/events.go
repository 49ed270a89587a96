// Package chainevent turns raw contract events into typed domain events.
package chainevent

import (
	"time"

	"escrowsync/dispute"
)

// Kind names a domain event.
type Kind string

const (
	KindEscrowCreated         Kind = "EscrowCreated"
	KindEscrowFunded          Kind = "EscrowFunded"
	KindReleaseApproved       Kind = "ReleaseApproved"
	KindEscrowReleased        Kind = "EscrowReleased"
	KindEscrowRefunded        Kind = "EscrowRefunded"
	KindDisputeRaised         Kind = "DisputeRaised"
	KindArbiterVoted          Kind = "ArbiterVoted"
	KindDisputeResolved       Kind = "DisputeResolved"
	KindObligationTransferred Kind = "ObligationTransferred"
	KindArbiterAdded          Kind = "ArbiterAdded"
	KindArbiterRemoved        Kind = "ArbiterRemoved"
	KindUnrecognized          Kind = "Unrecognized"
)

// Contract event symbols, topic[0] of every event.
const (
	SymEscrowCreated         = "esc_created"
	SymEscrowFunded          = "esc_funded"
	SymReleaseApproved       = "esc_approve"
	SymEscrowReleased        = "esc_release"
	SymEscrowRefunded        = "esc_refund"
	SymDisputeRaised         = "dsp_raised"
	SymArbiterVoted          = "arb_voted"
	SymDisputeResolved       = "dsp_resolved"
	SymObligationTransferred = "obl_transfer"
	SymArbiterAdded          = "arb_added"
	SymArbiterRemoved        = "arb_removed"
)

// Header carries the ledger coordinates shared by every event.
type Header struct {
	Sequence   uint64
	Ledger     uint64
	LedgerTime time.Time
	TxHash     string
	ContractID string
	Symbol     string
	// Topic is the symbol followed by the decoded topic arguments, joined by '/',
	// then '#' and the ordering key (escrow or agreement id) when there is one.
	// Together with TxHash it identifies the event for deduplication.
	Topic string
}

// Meta returns the header.
func (h Header) Meta() Header { return h }

// Event is a normalized ledger event.
type Event interface {
	Kind() Kind
	Meta() Header
	// Key selects the ordering domain: the escrow id, the agreement id for
	// obligation transfers, and "" for events that touch global state.
	Key() string
}

type EscrowCreated struct {
	Header
	EscrowID    string
	AgreementID string
	Depositor   string
	Beneficiary string
	Arbiter     string
	// Amount is the decimal rendering of the i128 stroop amount.
	Amount string
	Token  string
}

type EscrowFunded struct {
	Header
	EscrowID string
}

// ReleaseApproved is one signer's approval of a multi-sig release.
type ReleaseApproved struct {
	Header
	EscrowID      string
	Signer        string
	ReleaseTo     string
	ApprovalCount int
}

type EscrowReleased struct {
	Header
	EscrowID string
}

type EscrowRefunded struct {
	Header
	EscrowID string
}

type DisputeRaised struct {
	Header
	EscrowID    string
	RaisedBy    string
	DetailsHash string
}

type ArbiterVoted struct {
	Header
	EscrowID      string
	Arbiter       string
	FavorLandlord bool
}

// DisputeResolved is the contract's authoritative resolution.
type DisputeResolved struct {
	Header
	EscrowID string
	Outcome  dispute.Outcome
}

type ObligationTransferred struct {
	Header
	AgreementID string
	From        string
	To          string
}

type ArbiterAdded struct {
	Header
	Arbiter string
}

type ArbiterRemoved struct {
	Header
	Arbiter string
}

// Unrecognized stands in for an event the normalizer rejected, so it still
// flows through ordering and cursor accounting.
type Unrecognized struct {
	Header
	Reason   string
	RawTopic []string
	RawValue string
}

func (EscrowCreated) Kind() Kind         { return KindEscrowCreated }
func (EscrowFunded) Kind() Kind          { return KindEscrowFunded }
func (ReleaseApproved) Kind() Kind       { return KindReleaseApproved }
func (EscrowReleased) Kind() Kind        { return KindEscrowReleased }
func (EscrowRefunded) Kind() Kind        { return KindEscrowRefunded }
func (DisputeRaised) Kind() Kind         { return KindDisputeRaised }
func (ArbiterVoted) Kind() Kind          { return KindArbiterVoted }
func (DisputeResolved) Kind() Kind       { return KindDisputeResolved }
func (ObligationTransferred) Kind() Kind { return KindObligationTransferred }
func (ArbiterAdded) Kind() Kind          { return KindArbiterAdded }
func (ArbiterRemoved) Kind() Kind        { return KindArbiterRemoved }
func (Unrecognized) Kind() Kind          { return KindUnrecognized }

func (e EscrowCreated) Key() string         { return e.EscrowID }
func (e EscrowFunded) Key() string          { return e.EscrowID }
func (e ReleaseApproved) Key() string       { return e.EscrowID }
func (e EscrowReleased) Key() string        { return e.EscrowID }
func (e EscrowRefunded) Key() string        { return e.EscrowID }
func (e DisputeRaised) Key() string         { return e.EscrowID }
func (e ArbiterVoted) Key() string          { return e.EscrowID }
func (e DisputeResolved) Key() string       { return e.EscrowID }
func (e ObligationTransferred) Key() string { return e.AgreementID }
func (ArbiterAdded) Key() string            { return "" }
func (ArbiterRemoved) Key() string          { return "" }
func (Unrecognized) Key() string            { return "" }

// IsBarrier reports whether e must be applied with no other event in flight.
func IsBarrier(e Event) bool {
	return e.Key() == ""
}
