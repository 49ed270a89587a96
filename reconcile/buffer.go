package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"escrowsync/chainevent"
)

type parkedEvent struct {
	ev chainevent.Event
	at time.Time
}

// parkedQueue holds one escrow's events that arrived ahead of a predecessor,
// ordered by sequence. It is owned by a single shard goroutine.
type parkedQueue struct {
	events []parkedEvent
}

func (q *parkedQueue) insert(p parkedEvent) {
	seq := p.ev.Meta().Sequence
	i := sort.Search(len(q.events), func(i int) bool { return q.events[i].ev.Meta().Sequence > seq })
	q.events = append(q.events, parkedEvent{})
	copy(q.events[i+1:], q.events[i:])
	q.events[i] = p
}

func (q *parkedQueue) oldest() time.Time {
	var t time.Time
	for _, p := range q.events {
		if t.IsZero() || p.at.Before(t) {
			t = p.at
		}
	}
	return t
}

func (r *run) park(ctx context.Context, sh *shard, ev chainevent.Event) {
	key := ev.Key()
	q := sh.parked[key]
	if q == nil {
		q = &parkedQueue{}
		sh.parked[key] = q
	}
	if len(q.events) >= r.cfg.ReorderLimit {
		r.markFailed(ctx, sh, key, ev, fmt.Sprintf("reorder buffer overflow at %d events", len(q.events)))
		return
	}
	q.insert(parkedEvent{ev: ev, at: time.Now()})
	eventsBufferedTotal.Inc(1)
	bufferDepthGauge.Update(r.depth.Add(1))
	log.Debug("Event parked until its predecessor applies", "escrow", key, "seq", ev.Meta().Sequence, "kind", ev.Kind())
}

// drain retries the parked events of key in sequence order until a full pass
// makes no progress.
func (r *run) drain(ctx context.Context, sh *shard, key string) {
	for progressed := true; progressed; {
		progressed = false
		q := sh.parked[key]
		if q == nil {
			return
		}
		pending := q.events
		q.events = nil
		for i, p := range pending {
			if ctx.Err() != nil {
				q.events = append(q.events, pending[i:]...)
				return
			}
			res, err := r.apply(ctx, p.ev)
			if err != nil {
				q.events = append(q.events, pending[i+1:]...)
				bufferDepthGauge.Update(r.depth.Add(-1))
				r.applyFailed(ctx, sh, p.ev, err)
				return
			}
			if res == resultBuffered {
				q.events = append(q.events, p)
				continue
			}
			progressed = true
			bufferDepthGauge.Update(r.depth.Add(-1))
		}
		if len(q.events) == 0 {
			delete(sh.parked, key)
		}
	}
}

// sweep fails escrows whose oldest parked event waited past ReorderTimeout.
func (r *run) sweep(ctx context.Context, sh *shard) {
	now := time.Now()
	for key, q := range sh.parked {
		if len(q.events) == 0 {
			delete(sh.parked, key)
			continue
		}
		if now.Sub(q.oldest()) < r.cfg.ReorderTimeout {
			continue
		}
		first := q.events[0].ev.Meta().Sequence
		r.markFailed(ctx, sh, key, nil, fmt.Sprintf("reorder timeout: waited %s for a predecessor of seq %d", r.cfg.ReorderTimeout, first))
		if ctx.Err() != nil {
			return
		}
	}
}
