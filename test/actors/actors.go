package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowsync/agreement"
	"escrowsync/chainevent"
	"escrowsync/dispute"
	"escrowsync/escrow"
	"escrowsync/status"
)

// Deliver feeds events to out the way a flaky indexer would: each event may be
// held back by up to window positions and some are sent twice. Barrier events
// are never reordered. out is closed once every event was sent.
func Deliver(ctx context.Context, rng *rand.Rand, events []chainevent.Event, window int, dupRate float64, out chan<- chainevent.Event) error {
	defer close(out)
	send := func(ev chainevent.Event) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var held []chainevent.Event
	flush := func(all bool) error {
		for len(held) > 0 && (all || len(held) > window) {
			i := rng.Intn(len(held))
			ev := held[i]
			held = append(held[:i], held[i+1:]...)
			if err := send(ev); err != nil {
				return err
			}
			if rng.Float64() < dupRate {
				if err := send(ev); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, ev := range events {
		if chainevent.IsBarrier(ev) {
			if err := flush(true); err != nil {
				return err
			}
			if err := send(ev); err != nil {
				return err
			}
			continue
		}
		held = append(held, ev)
		if err := flush(false); err != nil {
			return err
		}
	}
	return flush(true)
}

// HealthWatcher polls sync health and fails if the cursor ever moves backwards.
func HealthWatcher(ctx context.Context, svc *status.Service, stop <-chan struct{}) error {
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		h, err := svc.GetSyncHealth(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// the chaos actor may have killed our connection
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if h.LastAppliedSequence < last {
			return fmt.Errorf("cursor regressed from %d to %d", last, h.LastAppliedSequence)
		}
		last = h.LastAppliedSequence
		time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
	}
}

// EscrowReader reads projected escrows by agreement while they are being written.
func EscrowReader(ctx context.Context, svc *status.Service, agreementIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := agreementIDs[rand.Intn(len(agreementIDs))]
		st, err := svc.GetEscrowStatus(ctx, id)
		if err == nil && st.Dispute != nil && st.Dispute.EscrowID != st.Escrow.ID {
			return fmt.Errorf("agreement %s: dispute %s belongs to escrow %s, not %s", id, st.Dispute.ID, st.Dispute.EscrowID, st.Escrow.ID)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// OutboxWorker drains the reconciler's outbox with SKIP LOCKED the way a
// downstream publisher would. A random tenth of deliveries fail; a message
// that failed maxAttempts times, or whose topic no consumer knows, goes dead.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, maxAttempts int, stop <-chan struct{}) error {
	known := map[string]bool{
		escrow.OutboxTopicStatusChanged:            true,
		dispute.OutboxTopicResolved:                true,
		agreement.OutboxTopicObligationTransferred: true,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := drainOutbox(ctx, pool, known, maxAttempts); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(100 * time.Millisecond)
	}
}

type outboxRow struct {
	id       string
	topic    string
	attempts int
}

func drainOutbox(ctx context.Context, pool *pgxpool.Pool, known map[string]bool, maxAttempts int) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, topic, attempts FROM outbox
                                WHERE status = 'pending'
                                ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 25`)
	if err != nil {
		return err
	}
	var batch []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.id, &r.topic, &r.attempts); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range batch {
		next := "processed"
		switch {
		case !known[r.topic]:
			next = "dead"
		case rand.Intn(10) == 0:
			if r.attempts+1 < maxAttempts {
				next = "pending"
			} else {
				next = "dead"
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = $2, attempts = attempts + 1, last_attempt = NOW() WHERE id = $1`, r.id, next); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
