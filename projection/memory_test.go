package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowsync/agreement"
	"escrowsync/dispute"
	"escrowsync/escrow"
)

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		_, err := tx.InsertEscrowIfAbsent(ctx, escrow.Escrow{BlockchainEscrowID: "e1", Status: escrow.StatusPending})
		require.NoError(t, err)
		require.NoError(t, tx.AdvanceCursor(ctx, "s", 10, time.Time{}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.EscrowByBlockchainID(ctx, "e1")
	require.ErrorIs(t, err, escrow.ErrNotFound)
	c, err := s.Cursor(ctx, "s")
	require.NoError(t, err)
	require.Zero(t, c.LastAppliedSeq)
}

func TestMemoryStore_AppliedEventIdempotency(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var first, second bool
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		var err error
		first, err = tx.RecordAppliedEvent(ctx, "tx1", "esc_funded", 1)
		return err
	}))
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		var err error
		second, err = tx.RecordAppliedEvent(ctx, "tx1", "esc_funded", 1)
		return err
	}))
	require.True(t, first)
	require.False(t, second)
	require.Equal(t, 1, s.AppliedCount())
}

func TestMemoryStore_EscrowWriteOnceAndSequenceGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		ok, err := tx.InsertEscrowIfAbsent(ctx, escrow.Escrow{BlockchainEscrowID: "e1", AgreementID: "a1", Status: escrow.StatusPending, LastSyncedLedgerSeq: 10})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = tx.InsertEscrowIfAbsent(ctx, escrow.Escrow{BlockchainEscrowID: "e1", AgreementID: "other"})
		require.NoError(t, err)
		require.False(t, ok)

		e, err := tx.GetEscrowByBlockchainID(ctx, "e1")
		require.NoError(t, err)
		e.Status = escrow.StatusFunded
		ok, err = tx.UpsertEscrowIfSequenceNewer(ctx, e, 11)
		require.NoError(t, err)
		require.True(t, ok)

		e.Status = escrow.StatusPending
		ok, err = tx.UpsertEscrowIfSequenceNewer(ctx, e, 11)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))

	e, err := s.EscrowByBlockchainID(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFunded, e.Status)
	require.Equal(t, uint64(11), e.LastSyncedLedgerSeq)
	require.Equal(t, "a1", e.AgreementID)

	byAgreement, err := s.EscrowByAgreement(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, e.ID, byAgreement.ID)
}

func TestMemoryStore_VotesCountedNotIncremented(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		arb, err := tx.GetOrCreateArbiter(ctx, "GARB")
		require.NoError(t, err)
		require.False(t, arb.Active)

		ok, err := tx.SetArbiterActive(ctx, arb.ID, true, 3)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = tx.SetArbiterActive(ctx, arb.ID, false, 2)
		require.NoError(t, err)
		require.False(t, ok)

		n, err := tx.CountActiveArbiters(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		require.NoError(t, tx.InsertDispute(ctx, dispute.Dispute{ID: "d1", EscrowID: "x", Status: dispute.StatusRaised, Outcome: dispute.OutcomeUnresolved}))
		require.ErrorIs(t, tx.InsertDispute(ctx, dispute.Dispute{ID: "d2", EscrowID: "x", Status: dispute.StatusRaised}), dispute.ErrOpenDisputeExists)

		first, err := tx.UpsertVote(ctx, dispute.Vote{DisputeID: "d1", ArbiterID: arb.ID, FavorLandlord: true, LedgerSeq: 5})
		require.NoError(t, err)
		require.True(t, first)
		again, err := tx.UpsertVote(ctx, dispute.Vote{DisputeID: "d1", ArbiterID: arb.ID, FavorLandlord: true, LedgerSeq: 5})
		require.NoError(t, err)
		require.False(t, again)
		changed, err := tx.UpsertVote(ctx, dispute.Vote{DisputeID: "d1", ArbiterID: arb.ID, FavorLandlord: false, LedgerSeq: 6})
		require.NoError(t, err)
		require.False(t, changed)

		landlord, tenant, err := tx.CountVotes(ctx, "d1")
		require.NoError(t, err)
		require.Equal(t, 0, landlord)
		require.Equal(t, 1, tenant)
		return nil
	}))
	require.Len(t, s.Votes("d1"), 1)
}

func TestMemoryStore_ResolvedOutcomeOnlyChangedByChain(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertDispute(ctx, dispute.Dispute{ID: "d1", EscrowID: "x", Status: dispute.StatusRaised, Outcome: dispute.OutcomeUnresolved}))
		d, err := tx.GetLatestDispute(ctx, "x")
		require.NoError(t, err)
		d.Status, d.Outcome, d.OutcomeSource = dispute.StatusResolved, dispute.OutcomeLandlord, dispute.SourceQuorum
		require.NoError(t, tx.UpdateDispute(ctx, d))

		d.Outcome = dispute.OutcomeTenant
		require.ErrorIs(t, tx.UpdateDispute(ctx, d), dispute.ErrBadStatus)

		d.OutcomeSource = dispute.SourceChain
		return tx.UpdateDispute(ctx, d)
	}))

	d, err := s.DisputeByID(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, dispute.OutcomeTenant, d.Outcome)
	require.Equal(t, dispute.SourceChain, d.OutcomeSource)
}

func TestMemoryStore_CursorNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t1 := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.AdvanceCursor(ctx, "s", 15, t1))
	require.NoError(t, s.AdvanceCursor(ctx, "s", 12, t1.Add(-time.Minute)))

	c, err := s.Cursor(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, uint64(15), c.LastAppliedSeq)
	require.True(t, c.LastLedgerTime.Equal(t1))
}

func TestMemoryStore_ObligationAndRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		ok, err := tx.TransferObligation(ctx, agreement.Obligation{AgreementID: "a1", HolderAddress: "GNEW", PreviousHolder: "GOLD"}, 7)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = tx.TransferObligation(ctx, agreement.Obligation{AgreementID: "a1", HolderAddress: "GSTALE"}, 6)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, tx.RecordFailedEvent(ctx, FailedEvent{BlockchainEscrowID: "e", Sequence: 4, Reason: "timeout"}))
		require.NoError(t, tx.RecordFailedEvent(ctx, FailedEvent{BlockchainEscrowID: "e", Sequence: 4, Reason: "dup"}))
		require.NoError(t, tx.RecordUnrecognized(ctx, UnrecognizedEvent{Stream: "s", Sequence: 9, Reason: "unknown topic"}))
		return tx.EnqueueOutbox(ctx, "escrow.status_changed", map[string]any{"escrow_id": "e"})
	}))

	o, err := s.Obligation(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "GNEW", o.HolderAddress)
	require.Len(t, s.FailedEvents(), 1)
	require.Equal(t, "timeout", s.FailedEvents()[0].Reason)
	require.Len(t, s.UnrecognizedEvents(), 1)
	require.Len(t, s.Outbox(), 1)
	require.JSONEq(t, `{"escrow_id":"e"}`, string(s.Outbox()[0].Payload))
}

func TestMemoryStore_MarkEscrowFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		_, err := tx.InsertEscrowIfAbsent(ctx, escrow.Escrow{BlockchainEscrowID: "e1", Status: escrow.StatusFunded, LastSyncedLedgerSeq: 9})
		require.NoError(t, err)
		require.NoError(t, tx.MarkEscrowFailed(ctx, "e1", "reorder timeout", 4))
		// never seen: a placeholder row carries the failure
		return tx.MarkEscrowFailed(ctx, "ghost", "reorder buffer overflow", 12)
	}))

	e, err := s.EscrowByBlockchainID(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFailed, e.Status)
	require.Equal(t, "reorder timeout", e.FailureReason)
	require.Equal(t, uint64(9), e.LastSyncedLedgerSeq, "sequence never regresses")

	g, err := s.EscrowByBlockchainID(ctx, "ghost")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFailed, g.Status)
	require.Equal(t, uint64(12), g.LastSyncedLedgerSeq)
	require.NotEmpty(t, g.ID)

	err = s.InTx(ctx, func(tx Tx) error { return tx.MarkEscrowFailed(ctx, "", "x", 1) })
	require.ErrorIs(t, err, escrow.ErrMissingBlockchainID)
}
