package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowsync/db"
)

var (
	// ErrNotFound is returned when no escrow row matches the lookup.
	ErrNotFound = errors.New("escrow: not found")
	// ErrMissingBlockchainID guards the write-once identifier.
	ErrMissingBlockchainID = errors.New("escrow: missing blockchain escrow id")
)

const selectColumns = `
	id::text, COALESCE(blockchain_escrow_id, ''), agreement_id, contract_address, arbiter_address,
	depositor_address, beneficiary_address, amount, currency, status, approval_count,
	last_synced_ledger_seq, transaction_hash, COALESCE(failure_reason, ''), created_at, updated_at`

// Repository holds the SQL for stellar_escrows. Writes run inside the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// GetByBlockchainIDForUpdate loads the escrow and holds its row lock until the tx ends.
func (r *Repository) GetByBlockchainIDForUpdate(ctx context.Context, tx pgx.Tx, blockchainID string) (Escrow, error) {
	return r.getOne(ctx, tx, `SELECT`+selectColumns+` FROM stellar_escrows WHERE blockchain_escrow_id = $1 FOR UPDATE`, blockchainID)
}

// GetByBlockchainID is the lock-free read used by queries.
func (r *Repository) GetByBlockchainID(ctx context.Context, q db.Querier, blockchainID string) (Escrow, error) {
	return r.getOne(ctx, q, `SELECT`+selectColumns+` FROM stellar_escrows WHERE blockchain_escrow_id = $1`, blockchainID)
}

// GetLatestByAgreement returns the most recently created escrow for an agreement.
func (r *Repository) GetLatestByAgreement(ctx context.Context, q db.Querier, agreementID string) (Escrow, error) {
	return r.getOne(ctx, q, `SELECT`+selectColumns+` FROM stellar_escrows WHERE agreement_id = $1 ORDER BY created_at DESC, id LIMIT 1`, agreementID)
}

// GetByID loads by local primary key.
func (r *Repository) GetByID(ctx context.Context, q db.Querier, id string) (Escrow, error) {
	return r.getOne(ctx, q, `SELECT`+selectColumns+` FROM stellar_escrows WHERE id = $1`, id)
}

func (r *Repository) getOne(ctx context.Context, q db.Querier, query string, arg any) (Escrow, error) {
	var e Escrow
	err := q.QueryRow(ctx, query, arg).Scan(
		&e.ID, &e.BlockchainEscrowID, &e.AgreementID, &e.ContractAddress, &e.ArbiterAddress,
		&e.DepositorAddress, &e.BeneficiaryAddress, &e.Amount, &e.Currency, &e.Status, &e.ApprovalCount,
		&e.LastSyncedLedgerSeq, &e.TransactionHash, &e.FailureReason, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: query: %w", err)
	}
	return e, nil
}

// InsertIfAbsent is the conditional insert that makes the first EscrowCreated win.
// It reports false when a row with the same blockchain id already exists.
func (r *Repository) InsertIfAbsent(ctx context.Context, tx pgx.Tx, e Escrow) (bool, error) {
	if e.BlockchainEscrowID == "" {
		return false, ErrMissingBlockchainID
	}

	const insertSQL = `
INSERT INTO stellar_escrows (
    id, blockchain_escrow_id, agreement_id, contract_address, arbiter_address,
    depositor_address, beneficiary_address, amount, currency, status, approval_count,
    last_synced_ledger_seq, transaction_hash, failure_reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,''))
ON CONFLICT (blockchain_escrow_id) DO NOTHING;
`
	tag, err := tx.Exec(ctx, insertSQL,
		e.ID, e.BlockchainEscrowID, e.AgreementID, e.ContractAddress, e.ArbiterAddress,
		e.DepositorAddress, e.BeneficiaryAddress, amountOrZero(e.Amount), e.Currency, string(e.Status), e.ApprovalCount,
		e.LastSyncedLedgerSeq, e.TransactionHash, e.FailureReason,
	)
	if err != nil {
		return false, fmt.Errorf("escrow: insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertIfSequenceNewer writes e unless the stored row already reflects seq or later.
// The blockchain id is never rewritten on conflict.
func (r *Repository) UpsertIfSequenceNewer(ctx context.Context, tx pgx.Tx, e Escrow, seq uint64) (bool, error) {
	if e.BlockchainEscrowID == "" {
		return false, ErrMissingBlockchainID
	}

	const upsertSQL = `
INSERT INTO stellar_escrows (
    id, blockchain_escrow_id, agreement_id, contract_address, arbiter_address,
    depositor_address, beneficiary_address, amount, currency, status, approval_count,
    last_synced_ledger_seq, transaction_hash, failure_reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,''))
ON CONFLICT (blockchain_escrow_id) DO UPDATE
SET agreement_id        = EXCLUDED.agreement_id,
    contract_address    = EXCLUDED.contract_address,
    arbiter_address     = EXCLUDED.arbiter_address,
    depositor_address   = EXCLUDED.depositor_address,
    beneficiary_address = EXCLUDED.beneficiary_address,
    amount              = EXCLUDED.amount,
    currency            = EXCLUDED.currency,
    status              = EXCLUDED.status,
    approval_count      = EXCLUDED.approval_count,
    last_synced_ledger_seq = EXCLUDED.last_synced_ledger_seq,
    transaction_hash    = EXCLUDED.transaction_hash,
    failure_reason      = EXCLUDED.failure_reason,
    updated_at          = now()
WHERE stellar_escrows.last_synced_ledger_seq < EXCLUDED.last_synced_ledger_seq;
`
	tag, err := tx.Exec(ctx, upsertSQL,
		e.ID, e.BlockchainEscrowID, e.AgreementID, e.ContractAddress, e.ArbiterAddress,
		e.DepositorAddress, e.BeneficiaryAddress, amountOrZero(e.Amount), e.Currency, string(e.Status), e.ApprovalCount,
		seq, e.TransactionHash, e.FailureReason,
	)
	if err != nil {
		return false, fmt.Errorf("escrow: upsert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed forces the escrow into FAILED, creating a placeholder row when the
// escrow was never projected. The stored sequence never moves backwards.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id, blockchainID, reason string, seq uint64) error {
	if blockchainID == "" {
		return ErrMissingBlockchainID
	}

	const failSQL = `
INSERT INTO stellar_escrows (id, blockchain_escrow_id, status, last_synced_ledger_seq, failure_reason)
VALUES ($1, $2, 'FAILED', $3, $4)
ON CONFLICT (blockchain_escrow_id) DO UPDATE
SET status                 = 'FAILED',
    failure_reason         = EXCLUDED.failure_reason,
    last_synced_ledger_seq = GREATEST(stellar_escrows.last_synced_ledger_seq, EXCLUDED.last_synced_ledger_seq),
    updated_at             = now();
`
	if _, err := tx.Exec(ctx, failSQL, id, blockchainID, seq, reason); err != nil {
		return fmt.Errorf("escrow: mark failed: %w", err)
	}
	return nil
}

func amountOrZero(a string) string {
	if a == "" {
		return "0"
	}
	return a
}
