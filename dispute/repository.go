package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowsync/db"
)

var (
	ErrNotFound        = errors.New("dispute: not found")
	ErrArbiterNotFound = errors.New("dispute: arbiter not found")
	ErrBadStatus       = errors.New("dispute: invalid status transition")
	// ErrOpenDisputeExists is returned when the escrow already has a non-resolved dispute.
	ErrOpenDisputeExists = errors.New("dispute: escrow already has an open dispute")
)

const disputeColumns = `
	id::text, escrow_id::text, raised_by, details_hash, votes_favor_landlord, votes_favor_tenant,
	outcome, COALESCE(outcome_source, ''), status, raised_at_ledger_time, resolved_at_ledger_time,
	last_synced_ledger_seq, transaction_hash, created_at, updated_at`

const arbiterColumns = `
	id::text, chain_address, active, total_votes, total_disputes_resolved, last_synced_ledger_seq`

// Repository holds the SQL for disputes, dispute_votes and arbiters.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.EscrowID, &d.RaisedBy, &d.DetailsHash, &d.VotesFavorLandlord, &d.VotesFavorTenant,
		&d.Outcome, &d.OutcomeSource, &d.Status, &d.RaisedAtLedgerTime, &d.ResolvedAtLedgerTime,
		&d.LastSyncedLedgerSeq, &d.TransactionHash, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: scan: %w", err)
	}
	return d, nil
}

// GetLatestForEscrowForUpdate returns the newest dispute of an escrow and locks it.
func (r *Repository) GetLatestForEscrowForUpdate(ctx context.Context, tx pgx.Tx, escrowID string) (Dispute, error) {
	return scanDispute(tx.QueryRow(ctx, `SELECT`+disputeColumns+`
		FROM disputes WHERE escrow_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1 FOR UPDATE`, escrowID))
}

// GetLatestForEscrow is the lock-free variant used by queries.
func (r *Repository) GetLatestForEscrow(ctx context.Context, q db.Querier, escrowID string) (Dispute, error) {
	return scanDispute(q.QueryRow(ctx, `SELECT`+disputeColumns+`
		FROM disputes WHERE escrow_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`, escrowID))
}

// GetByID loads one dispute by primary key.
func (r *Repository) GetByID(ctx context.Context, q db.Querier, id string) (Dispute, error) {
	return scanDispute(q.QueryRow(ctx, `SELECT`+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

// Insert creates a dispute. The partial unique index rejects a second open dispute.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const insertSQL = `
INSERT INTO disputes (
    id, escrow_id, raised_by, details_hash, votes_favor_landlord, votes_favor_tenant,
    outcome, outcome_source, status, raised_at_ledger_time, resolved_at_ledger_time,
    last_synced_ledger_seq, transaction_hash)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13);
`
	_, err := tx.Exec(ctx, insertSQL,
		d.ID, d.EscrowID, d.RaisedBy, d.DetailsHash, d.VotesFavorLandlord, d.VotesFavorTenant,
		string(d.Outcome), string(d.OutcomeSource), string(d.Status), d.RaisedAtLedgerTime, d.ResolvedAtLedgerTime,
		d.LastSyncedLedgerSeq, d.TransactionHash,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrOpenDisputeExists
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

// Update persists the mutable columns. A resolved outcome may only be changed
// when the new source is the chain.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const updateSQL = `
UPDATE disputes
SET votes_favor_landlord    = $2,
    votes_favor_tenant      = $3,
    outcome                 = $4,
    outcome_source          = NULLIF($5,''),
    status                  = $6,
    resolved_at_ledger_time = $7,
    last_synced_ledger_seq  = GREATEST(last_synced_ledger_seq, $8),
    transaction_hash        = $9,
    updated_at              = now()
WHERE id = $1
  AND (status <> 'RESOLVED' OR outcome = $4 OR $5 = 'chain');
`
	tag, err := tx.Exec(ctx, updateSQL,
		d.ID, d.VotesFavorLandlord, d.VotesFavorTenant, string(d.Outcome), string(d.OutcomeSource),
		string(d.Status), d.ResolvedAtLedgerTime, d.LastSyncedLedgerSeq, d.TransactionHash,
	)
	if err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBadStatus
	}
	return nil
}

// UpsertVote writes the ballot, overwriting an earlier ballot of the same arbiter.
// It reports whether this was the arbiter's first ballot on the dispute.
func (r *Repository) UpsertVote(ctx context.Context, tx pgx.Tx, v Vote) (bool, error) {
	const upsertSQL = `
INSERT INTO dispute_votes (dispute_id, arbiter_id, favor_landlord, transaction_hash, ledger_seq, revoked)
VALUES ($1,$2,$3,$4,$5,false)
ON CONFLICT (dispute_id, arbiter_id) DO UPDATE
SET favor_landlord   = EXCLUDED.favor_landlord,
    transaction_hash = EXCLUDED.transaction_hash,
    ledger_seq       = EXCLUDED.ledger_seq,
    revoked          = false,
    updated_at       = now()
WHERE dispute_votes.ledger_seq < EXCLUDED.ledger_seq
RETURNING (xmax = 0) AS inserted;
`
	var inserted bool
	err := tx.QueryRow(ctx, upsertSQL, v.DisputeID, v.ArbiterID, v.FavorLandlord, v.TransactionHash, v.LedgerSeq).Scan(&inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// An equal or newer ballot is already stored.
			return false, nil
		}
		return false, fmt.Errorf("dispute: upsert vote: %w", err)
	}
	return inserted, nil
}

// CountVotes counts non-revoked ballots per side.
func (r *Repository) CountVotes(ctx context.Context, tx pgx.Tx, disputeID string) (int, int, error) {
	const countSQL = `
SELECT COUNT(*) FILTER (WHERE favor_landlord),
       COUNT(*) FILTER (WHERE NOT favor_landlord)
FROM dispute_votes
WHERE dispute_id = $1 AND NOT revoked;
`
	var landlord, tenant int
	if err := tx.QueryRow(ctx, countSQL, disputeID).Scan(&landlord, &tenant); err != nil {
		return 0, 0, fmt.Errorf("dispute: count votes: %w", err)
	}
	return landlord, tenant, nil
}

// GetArbiterByAddress looks up an arbiter without creating it.
func (r *Repository) GetArbiterByAddress(ctx context.Context, q db.Querier, address string) (Arbiter, error) {
	var a Arbiter
	err := q.QueryRow(ctx, `SELECT`+arbiterColumns+` FROM arbiters WHERE chain_address = $1`, address).
		Scan(&a.ID, &a.ChainAddress, &a.Active, &a.TotalVotes, &a.TotalDisputesResolved, &a.LastSyncedLedgerSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbiter{}, ErrArbiterNotFound
		}
		return Arbiter{}, fmt.Errorf("dispute: get arbiter: %w", err)
	}
	return a, nil
}

// GetOrCreateArbiter returns the arbiter for address, inserting an inactive row if absent.
func (r *Repository) GetOrCreateArbiter(ctx context.Context, tx pgx.Tx, id, address string) (Arbiter, error) {
	if _, err := tx.Exec(ctx, `
INSERT INTO arbiters (id, chain_address, active) VALUES ($1, $2, false)
ON CONFLICT (chain_address) DO NOTHING`, id, address); err != nil {
		return Arbiter{}, fmt.Errorf("dispute: create arbiter: %w", err)
	}
	return r.GetArbiterByAddress(ctx, tx, address)
}

// SetArbiterActive flips the active flag unless a newer ledger event already did.
func (r *Repository) SetArbiterActive(ctx context.Context, tx pgx.Tx, arbiterID string, active bool, seq uint64) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE arbiters
SET active = $2, last_synced_ledger_seq = $3, updated_at = now()
WHERE id = $1 AND last_synced_ledger_seq < $3`, arbiterID, active, seq)
	if err != nil {
		return false, fmt.Errorf("dispute: set arbiter active: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountActiveArbiters returns N for the quorum rule.
func (r *Repository) CountActiveArbiters(ctx context.Context, tx pgx.Tx) (int, error) {
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM arbiters WHERE active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("dispute: count active arbiters: %w", err)
	}
	return n, nil
}

// IncrementArbiterVotes bumps total_votes atomically.
func (r *Repository) IncrementArbiterVotes(ctx context.Context, tx pgx.Tx, arbiterID string) error {
	if _, err := tx.Exec(ctx, `UPDATE arbiters SET total_votes = total_votes + 1, updated_at = now() WHERE id = $1`, arbiterID); err != nil {
		return fmt.Errorf("dispute: increment votes: %w", err)
	}
	return nil
}

// IncrementArbiterResolutions credits every arbiter with a live ballot on the dispute.
func (r *Repository) IncrementArbiterResolutions(ctx context.Context, tx pgx.Tx, disputeID string) error {
	if _, err := tx.Exec(ctx, `
UPDATE arbiters a
SET total_disputes_resolved = a.total_disputes_resolved + 1, updated_at = now()
FROM dispute_votes v
WHERE v.arbiter_id = a.id AND v.dispute_id = $1 AND NOT v.revoked`, disputeID); err != nil {
		return fmt.Errorf("dispute: increment resolutions: %w", err)
	}
	return nil
}
