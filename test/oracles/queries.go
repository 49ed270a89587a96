package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows at any point in time.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_dispute",
			SQL: `SELECT escrow_id, COUNT(*) FROM disputes
                  WHERE status <> 'RESOLVED'
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_resolved_dispute_has_outcome",
			SQL: `SELECT id, outcome, outcome_source FROM disputes
                  WHERE status = 'RESOLVED'
                    AND (outcome = 'UNRESOLVED' OR outcome_source IS NULL OR resolved_at_ledger_time IS NULL)`,
		},
		{
			Name: "O3_vote_tallies",
			SQL: `SELECT d.id, d.votes_favor_landlord, d.votes_favor_tenant, v.l, v.t
                  FROM disputes d
                  LEFT JOIN (
                      SELECT dispute_id,
                             COUNT(*) FILTER (WHERE favor_landlord AND NOT revoked) AS l,
                             COUNT(*) FILTER (WHERE NOT favor_landlord AND NOT revoked) AS t
                      FROM dispute_votes GROUP BY dispute_id) v ON v.dispute_id = d.id
                  WHERE d.votes_favor_landlord <> COALESCE(v.l, 0)
                     OR d.votes_favor_tenant <> COALESCE(v.t, 0)`,
		},
		{
			Name: "O4_resolution_cascade",
			SQL: `SELECT d.id, d.outcome, e.status FROM disputes d
                  JOIN stellar_escrows e ON e.id = d.escrow_id
                  WHERE d.status = 'RESOLVED' AND e.status <> 'FAILED'
                    AND NOT ((d.outcome = 'LANDLORD' AND e.status = 'RELEASED')
                          OR (d.outcome = 'TENANT' AND e.status = 'REFUNDED'))`,
		},
		{
			Name: "O5_outbox_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O6_arbiter_vote_totals",
			SQL: `SELECT a.chain_address, a.total_votes, v.n FROM arbiters a
                  LEFT JOIN (SELECT arbiter_id, COUNT(*) AS n FROM dispute_votes GROUP BY arbiter_id) v
                    ON v.arbiter_id = a.id
                  WHERE a.total_votes <> COALESCE(v.n, 0)`,
		},
		{
			Name: "O7_failed_events_target_failed_escrow",
			SQL: `SELECT f.blockchain_escrow_id, f.ledger_seq FROM failed_events f
                  LEFT JOIN stellar_escrows e ON e.blockchain_escrow_id = f.blockchain_escrow_id
                  WHERE e.status IS DISTINCT FROM 'FAILED'`,
		},
		{
			Name: "O8_cursor_on_applied_event",
			SQL: `SELECT c.stream, c.last_applied_seq FROM sync_cursors c
                  WHERE c.last_applied_seq > 0
                    AND NOT EXISTS (SELECT 1 FROM applied_events a WHERE a.ledger_seq = c.last_applied_seq)`,
		},
		{
			Name: "O9_escrow_guard_trigger",
			SQL: `SELECT 'missing_stellar_escrows_guard' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'stellar_escrows_guard')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
