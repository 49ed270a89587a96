package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowsync/db"
)

var (
	// ErrDuplicateEvent signals the applied-events guard already holds this (tx hash, topic).
	ErrDuplicateEvent = errors.New("agreement: event already applied")
	// ErrObligationNotFound is returned when no obligation row exists for the agreement.
	ErrObligationNotFound = errors.New("agreement: obligation not found")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertAppliedEvent reserves the event identity inside the active transaction.
func (r *Repository) InsertAppliedEvent(ctx context.Context, tx pgx.Tx, txHash, topic string, seq uint64) error {
	if txHash == "" || topic == "" {
		return fmt.Errorf("agreement: empty event identity")
	}

	// ON CONFLICT keeps the surrounding transaction usable after a duplicate.
	tag, err := tx.Exec(ctx, `
INSERT INTO applied_events (tx_hash, topic, ledger_seq) VALUES ($1, $2, $3)
ON CONFLICT (tx_hash, topic) DO NOTHING`, txHash, topic, seq)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("agreement: insert applied event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}

	return nil
}

// TransferObligation moves the obligation to o.HolderAddress unless seq is already reflected.
func (r *Repository) TransferObligation(ctx context.Context, tx pgx.Tx, o Obligation, seq uint64) (bool, error) {
	if o.AgreementID == "" {
		return false, fmt.Errorf("agreement: missing agreement id")
	}

	const upsertSQL = `
INSERT INTO agreement_obligations (agreement_id, holder_address, previous_holder, last_synced_ledger_seq, transaction_hash)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (agreement_id) DO UPDATE
SET holder_address         = EXCLUDED.holder_address,
    previous_holder        = EXCLUDED.previous_holder,
    last_synced_ledger_seq = EXCLUDED.last_synced_ledger_seq,
    transaction_hash       = EXCLUDED.transaction_hash,
    updated_at             = now()
WHERE agreement_obligations.last_synced_ledger_seq < EXCLUDED.last_synced_ledger_seq;
`
	tag, err := tx.Exec(ctx, upsertSQL, o.AgreementID, o.HolderAddress, o.PreviousHolder, seq, o.TransactionHash)
	if err != nil {
		return false, fmt.Errorf("agreement: transfer obligation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetObligation returns the projected holder for an agreement.
func (r *Repository) GetObligation(ctx context.Context, q db.Querier, agreementID string) (Obligation, error) {
	var o Obligation
	err := q.QueryRow(ctx, `
SELECT agreement_id, holder_address, previous_holder, last_synced_ledger_seq, transaction_hash, updated_at
FROM agreement_obligations WHERE agreement_id = $1`, agreementID).
		Scan(&o.AgreementID, &o.HolderAddress, &o.PreviousHolder, &o.LastSyncedLedgerSeq, &o.TransactionHash, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Obligation{}, ErrObligationNotFound
		}
		return Obligation{}, fmt.Errorf("agreement: get obligation: %w", err)
	}
	return o, nil
}

// EnqueueOutbox writes a notification row in the same transaction as the state change.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("agreement: empty outbox topic")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`

	if _, err := tx.Exec(ctx, insertSQL, topic, payloadBytes); err != nil {
		return fmt.Errorf("agreement: insert outbox message: %w", err)
	}

	return nil
}
