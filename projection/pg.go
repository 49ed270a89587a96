package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowsync/agreement"
	"escrowsync/db"
	"escrowsync/dispute"
	"escrowsync/escrow"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore is the PostgreSQL projection store.
type PGStore struct {
	pool       TxBeginner
	q          db.Querier
	escrows    *escrow.Repository
	disputes   *dispute.Repository
	agreements *agreement.Repository
}

// NewPGStore wires a store over a pgx pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return newPGStore(pool, pool)
}

func newPGStore(pool TxBeginner, q db.Querier) *PGStore {
	return &PGStore{
		pool:       pool,
		q:          q,
		escrows:    escrow.NewRepository(),
		disputes:   dispute.NewRepository(),
		agreements: agreement.NewRepository(),
	}
}

func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("projection: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx, s: s}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("projection: commit tx: %w", err)
	}
	return nil
}

func (s *PGStore) AdvanceCursor(ctx context.Context, stream string, seq uint64, ledgerTime time.Time) error {
	return s.InTx(ctx, func(tx Tx) error {
		return tx.AdvanceCursor(ctx, stream, seq, ledgerTime)
	})
}

func (s *PGStore) Cursor(ctx context.Context, stream string) (Cursor, error) {
	c := Cursor{Stream: stream}
	var ledgerTime *time.Time
	err := s.q.QueryRow(ctx, `
SELECT last_applied_seq, last_ledger_time, updated_at FROM sync_cursors WHERE stream = $1`, stream).
		Scan(&c.LastAppliedSeq, &ledgerTime, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, nil
		}
		return Cursor{}, fmt.Errorf("projection: load cursor: %w", err)
	}
	if ledgerTime != nil {
		c.LastLedgerTime = *ledgerTime
	}
	return c, nil
}

func (s *PGStore) EscrowByAgreement(ctx context.Context, agreementID string) (escrow.Escrow, error) {
	return s.escrows.GetLatestByAgreement(ctx, s.q, agreementID)
}

func (s *PGStore) EscrowByBlockchainID(ctx context.Context, blockchainID string) (escrow.Escrow, error) {
	return s.escrows.GetByBlockchainID(ctx, s.q, blockchainID)
}

func (s *PGStore) DisputeByID(ctx context.Context, disputeID string) (dispute.Dispute, error) {
	if _, err := uuid.Parse(disputeID); err != nil {
		return dispute.Dispute{}, dispute.ErrNotFound
	}
	return s.disputes.GetByID(ctx, s.q, disputeID)
}

func (s *PGStore) LatestDisputeForEscrow(ctx context.Context, escrowID string) (dispute.Dispute, error) {
	return s.disputes.GetLatestForEscrow(ctx, s.q, escrowID)
}

func (s *PGStore) Obligation(ctx context.Context, agreementID string) (agreement.Obligation, error) {
	return s.agreements.GetObligation(ctx, s.q, agreementID)
}

type pgTx struct {
	tx pgx.Tx
	s  *PGStore
}

func (t *pgTx) RecordAppliedEvent(ctx context.Context, txHash, topic string, seq uint64) (bool, error) {
	if err := t.s.agreements.InsertAppliedEvent(ctx, t.tx, txHash, topic, seq); err != nil {
		if errors.Is(err, agreement.ErrDuplicateEvent) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *pgTx) GetEscrowByBlockchainID(ctx context.Context, blockchainID string) (escrow.Escrow, error) {
	return t.s.escrows.GetByBlockchainIDForUpdate(ctx, t.tx, blockchainID)
}

func (t *pgTx) InsertEscrowIfAbsent(ctx context.Context, e escrow.Escrow) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return t.s.escrows.InsertIfAbsent(ctx, t.tx, e)
}

func (t *pgTx) UpsertEscrowIfSequenceNewer(ctx context.Context, e escrow.Escrow, seq uint64) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return t.s.escrows.UpsertIfSequenceNewer(ctx, t.tx, e, seq)
}

func (t *pgTx) MarkEscrowFailed(ctx context.Context, blockchainID, reason string, seq uint64) error {
	return t.s.escrows.MarkFailed(ctx, t.tx, uuid.NewString(), blockchainID, reason, seq)
}

func (t *pgTx) GetLatestDispute(ctx context.Context, escrowID string) (dispute.Dispute, error) {
	return t.s.disputes.GetLatestForEscrowForUpdate(ctx, t.tx, escrowID)
}

func (t *pgTx) InsertDispute(ctx context.Context, d dispute.Dispute) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return t.s.disputes.Insert(ctx, t.tx, d)
}

func (t *pgTx) UpdateDispute(ctx context.Context, d dispute.Dispute) error {
	return t.s.disputes.Update(ctx, t.tx, d)
}

func (t *pgTx) GetArbiterByAddress(ctx context.Context, address string) (dispute.Arbiter, error) {
	return t.s.disputes.GetArbiterByAddress(ctx, t.tx, address)
}

func (t *pgTx) GetOrCreateArbiter(ctx context.Context, address string) (dispute.Arbiter, error) {
	return t.s.disputes.GetOrCreateArbiter(ctx, t.tx, uuid.NewString(), address)
}

func (t *pgTx) SetArbiterActive(ctx context.Context, arbiterID string, active bool, seq uint64) (bool, error) {
	return t.s.disputes.SetArbiterActive(ctx, t.tx, arbiterID, active, seq)
}

func (t *pgTx) CountActiveArbiters(ctx context.Context) (int, error) {
	return t.s.disputes.CountActiveArbiters(ctx, t.tx)
}

func (t *pgTx) IncrementArbiterVotes(ctx context.Context, arbiterID string) error {
	return t.s.disputes.IncrementArbiterVotes(ctx, t.tx, arbiterID)
}

func (t *pgTx) IncrementArbiterResolutions(ctx context.Context, disputeID string) error {
	return t.s.disputes.IncrementArbiterResolutions(ctx, t.tx, disputeID)
}

func (t *pgTx) UpsertVote(ctx context.Context, v dispute.Vote) (bool, error) {
	return t.s.disputes.UpsertVote(ctx, t.tx, v)
}

func (t *pgTx) CountVotes(ctx context.Context, disputeID string) (int, int, error) {
	return t.s.disputes.CountVotes(ctx, t.tx, disputeID)
}

func (t *pgTx) TransferObligation(ctx context.Context, o agreement.Obligation, seq uint64) (bool, error) {
	return t.s.agreements.TransferObligation(ctx, t.tx, o, seq)
}

func (t *pgTx) RecordUnrecognized(ctx context.Context, u UnrecognizedEvent) error {
	raw, err := json.Marshal(u.Raw)
	if err != nil {
		return fmt.Errorf("projection: marshal unrecognized payload: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `
INSERT INTO unrecognized_events (stream, ledger_seq, tx_hash, topic, reason, raw)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (stream, ledger_seq) DO NOTHING`, u.Stream, u.Sequence, u.TxHash, u.Topic, u.Reason, raw); err != nil {
		return fmt.Errorf("projection: record unrecognized: %w", err)
	}
	return nil
}

func (t *pgTx) RecordFailedEvent(ctx context.Context, f FailedEvent) error {
	if _, err := t.tx.Exec(ctx, `
INSERT INTO failed_events (blockchain_escrow_id, ledger_seq, tx_hash, topic, reason)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (blockchain_escrow_id, ledger_seq) DO NOTHING`, f.BlockchainEscrowID, f.Sequence, f.TxHash, f.Topic, f.Reason); err != nil {
		return fmt.Errorf("projection: record failed event: %w", err)
	}
	return nil
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, topic string, payload map[string]any) error {
	return t.s.agreements.EnqueueOutbox(ctx, t.tx, topic, payload)
}

func (t *pgTx) AdvanceCursor(ctx context.Context, stream string, seq uint64, ledgerTime time.Time) error {
	var lt *time.Time
	if !ledgerTime.IsZero() {
		utc := ledgerTime.UTC()
		lt = &utc
	}
	const upsertSQL = `
INSERT INTO sync_cursors (stream, last_applied_seq, last_ledger_time)
VALUES ($1, $2, $3)
ON CONFLICT (stream) DO UPDATE
SET last_ledger_time = CASE
        WHEN EXCLUDED.last_applied_seq >= sync_cursors.last_applied_seq
        THEN COALESCE(EXCLUDED.last_ledger_time, sync_cursors.last_ledger_time)
        ELSE sync_cursors.last_ledger_time
    END,
    last_applied_seq = GREATEST(sync_cursors.last_applied_seq, EXCLUDED.last_applied_seq),
    updated_at = now();
`
	if _, err := t.tx.Exec(ctx, upsertSQL, stream, seq, lt); err != nil {
		return fmt.Errorf("projection: advance cursor: %w", err)
	}
	return nil
}
