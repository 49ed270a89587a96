// Package reconcile applies normalized ledger events to the projection store,
// in per-escrow order, exactly once, and tracks the resumable stream cursor.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"escrowsync/chainevent"
	"escrowsync/db"
	"escrowsync/escrow"
	"escrowsync/ledger"
	"escrowsync/projection"
)

// Engine reconciles one ledger stream into the projection.
type Engine struct {
	store  projection.Store
	source *ledger.Source
	cfg    Config

	resolvedFeed event.Feed
	scope        event.SubscriptionScope

	running atomic.Bool
}

// NewEngine builds an engine. source may be nil when only Process is used.
func NewEngine(store projection.Store, source *ledger.Source, cfg Config) *Engine {
	cfg.applyDefaults()
	if cfg.Stream == "" && source != nil {
		cfg.Stream = source.Stream()
	}
	return &Engine{store: store, source: source, cfg: cfg}
}

// Stream returns the stream whose cursor the engine owns.
func (e *Engine) Stream() string { return e.cfg.Stream }

// Close ends all subscriptions.
func (e *Engine) Close() { e.scope.Close() }

// Run resumes the stream after the stored cursor and applies events until ctx
// is cancelled (nil), the source reports a gap or gives up (its error, after
// every event already received is applied), or an apply fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	if e.source == nil {
		return ErrNoSource
	}
	if e.cfg.Stream == "" {
		return ErrNoStream
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	cur, err := e.store.Cursor(ctx, e.cfg.Stream)
	if err != nil {
		return fmt.Errorf("reconcile: load cursor: %w", err)
	}
	log.Info("Reconciliation engine starting", "stream", e.cfg.Stream, "cursor", cur.LastAppliedSeq, "workers", e.cfg.Workers)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	raw := make(chan ledger.RawEvent, e.cfg.QueueSize)
	events := make(chan chainevent.Event, e.cfg.QueueSize)

	var g errgroup.Group
	g.Go(func() error {
		defer close(raw)
		return e.source.Run(ctx, cur.LastAppliedSeq+1, raw)
	})
	g.Go(func() error {
		defer close(events)
		normalize(ctx, raw, events)
		return nil
	})
	g.Go(func() error {
		if err := e.process(ctx, cur, events); err != nil {
			cancel()
			return err
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		log.Error("Reconciliation engine stopped", "stream", e.cfg.Stream, "err", err)
		return err
	}
	log.Info("Reconciliation engine stopped", "stream", e.cfg.Stream)
	return nil
}

// Process applies events read from in, starting from the stored cursor, until
// in is closed or ctx is cancelled.
func (e *Engine) Process(ctx context.Context, in <-chan chainevent.Event) error {
	if e.cfg.Stream == "" {
		return ErrNoStream
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	cur, err := e.store.Cursor(ctx, e.cfg.Stream)
	if err != nil {
		return fmt.Errorf("reconcile: load cursor: %w", err)
	}
	return e.process(ctx, cur, in)
}

func normalize(ctx context.Context, in <-chan ledger.RawEvent, out chan<- chainevent.Event) {
	for raw := range in {
		ev, err := chainevent.Normalize(raw)
		if err != nil {
			var ue *chainevent.UnrecognizedError
			if !errors.As(err, &ue) {
				ue = &chainevent.UnrecognizedError{Raw: raw, Reason: err.Error()}
			}
			log.Debug("Ledger event not normalized", "seq", raw.Sequence, "tx", raw.TxHash, "reason", ue.Reason)
			ev = ue.Event()
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

type item struct {
	ev chainevent.Event
	// barrier is set on the marker the dispatcher uses to wait for a drained queue.
	barrier *sync.WaitGroup
}

type shard struct {
	id     int
	queue  chan item
	parked map[string]*parkedQueue
}

// run is the state of one Run or Process call.
type run struct {
	e      *Engine
	cfg    *Config
	wm     *watermark
	shards []*shard
	cancel context.CancelFunc

	// flushed is only touched by the dispatcher.
	flushed uint64
	depth   atomic.Int64

	mu  sync.Mutex
	err error
}

func (e *Engine) process(ctx context.Context, base projection.Cursor, in <-chan chainevent.Event) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		e:       e,
		cfg:     &e.cfg,
		wm:      newWatermark(base.LastAppliedSeq, base.LastLedgerTime),
		cancel:  cancel,
		flushed: base.LastAppliedSeq,
	}
	var wg sync.WaitGroup
	r.shards = make([]*shard, e.cfg.Workers)
	for i := range r.shards {
		sh := &shard{id: i, queue: make(chan item, e.cfg.QueueSize), parked: make(map[string]*parkedQueue)}
		r.shards[i] = sh
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx, sh)
		}()
	}

	r.dispatch(ctx, in)
	for _, sh := range r.shards {
		close(sh.queue)
	}
	wg.Wait()

	r.flush(context.WithoutCancel(ctx))
	if n := r.depth.Load(); n > 0 {
		log.Warn("Parked events dropped at shutdown, they will be replayed", "stream", e.cfg.Stream, "count", n)
		bufferDepthGauge.Update(0)
	}
	return r.failure()
}

func (r *run) dispatch(ctx context.Context, in <-chan chainevent.Event) {
	flush := time.NewTicker(r.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			r.flush(ctx)
		case ev, ok := <-in:
			if !ok {
				return
			}
			h := ev.Meta()
			r.wm.dispatch(h.Sequence, h.LedgerTime)
			if chainevent.IsBarrier(ev) {
				r.quiesce()
				if ctx.Err() == nil {
					r.handleBarrier(ctx, ev)
				}
				continue
			}
			r.shardFor(ev.Key()).queue <- item{ev: ev}
		}
	}
}

func (r *run) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// quiesce returns once every shard has handled everything queued before it.
func (r *run) quiesce() {
	var wg sync.WaitGroup
	wg.Add(len(r.shards))
	for _, sh := range r.shards {
		sh.queue <- item{barrier: &wg}
	}
	wg.Wait()
}

// work always drains its queue so the dispatcher never blocks, but stops
// applying once the run is cancelled.
func (r *run) work(ctx context.Context, sh *shard) {
	sweep := time.NewTicker(r.cfg.sweepInterval())
	defer sweep.Stop()

	for {
		select {
		case it, ok := <-sh.queue:
			if !ok {
				return
			}
			if it.barrier != nil {
				it.barrier.Done()
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			r.handle(ctx, sh, it.ev)
		case <-sweep.C:
			if ctx.Err() == nil {
				r.sweep(ctx, sh)
			}
		}
	}
}

func (r *run) handle(ctx context.Context, sh *shard, ev chainevent.Event) {
	res, err := r.apply(ctx, ev)
	switch {
	case err != nil:
		r.applyFailed(ctx, sh, ev, err)
	case res == resultBuffered:
		r.park(ctx, sh, ev)
	default:
		r.drain(ctx, sh, ev.Key())
	}
}

func (r *run) handleBarrier(ctx context.Context, ev chainevent.Event) {
	if _, err := r.apply(ctx, ev); err != nil {
		r.applyFailed(ctx, nil, ev, err)
	}
}

// apply runs one event through applyOnce with retries and settles it in the
// watermark once committed.
func (r *run) apply(ctx context.Context, ev chainevent.Event) (result, error) {
	h := ev.Meta()
	var (
		res result
		a   *txApply
	)
	err := r.retry(ctx, h.Sequence, func() error {
		start := time.Now()
		var err error
		res, a, err = r.e.applyOnce(ctx, r.wm, ev)
		applyLatency.UpdateSince(start)
		return err
	})
	if err != nil {
		return 0, err
	}

	switch res {
	case resultApplied:
		a.committed()
		eventsAppliedTotal.Inc(1)
		r.wm.done(h.Sequence)
		r.e.publish(a.notes)
		disputeResolvedTotal.Inc(int64(len(a.notes)))
		seq, _ := r.wm.safe()
		cursorSeqGauge.Update(int64(seq))
	case resultDuplicate:
		eventsDuplicateTotal.Inc(1)
		r.wm.done(h.Sequence)
	}
	return res, nil
}

// retry retries transient storage errors until the ceiling and anything else
// ApplyAttempts times. A transient error that outlasts the ceiling comes back
// as *TransientError.
func (r *run) retry(ctx context.Context, seq uint64, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryInitial
	bo.MaxInterval = r.cfg.RetryMax
	bo.MaxElapsedTime = r.cfg.RetryCeiling

	attempts := 0
	wrapped := func() error {
		attempts++
		err := op()
		if err != nil && !db.IsTransient(err) && attempts >= r.cfg.ApplyAttempts {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		applyRetriesTotal.Inc(1)
		log.Warn("Apply failed, retrying", "stream", r.cfg.Stream, "seq", seq, "attempt", attempts, "wait", wait, "err", err)
	}

	err := backoff.RetryNotify(wrapped, backoff.WithContext(bo, ctx), notify)
	switch {
	case err == nil:
		return nil
	case db.IsTransient(err):
		return &TransientError{Seq: seq, Err: err}
	}
	return err
}

func (r *run) applyFailed(ctx context.Context, sh *shard, ev chainevent.Event, err error) {
	if ctx.Err() != nil {
		// Interrupted by shutdown; the event stays above the cursor.
		return
	}
	var te *TransientError
	if errors.As(err, &te) || sh == nil || !escrowKeyed(ev) {
		if te == nil {
			err = fmt.Errorf("reconcile: apply %s seq %d: %w", ev.Kind(), ev.Meta().Sequence, err)
		}
		r.fail(err)
		return
	}
	r.markFailed(ctx, sh, ev.Key(), ev, fmt.Sprintf("apply %s: %v", ev.Kind(), err))
}

func escrowKeyed(ev chainevent.Event) bool {
	return ev.Key() != "" && ev.Kind() != chainevent.KindObligationTransferred
}

func (r *run) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
		log.Error("Reconciliation halted", "stream", r.cfg.Stream, "err", err)
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// flush persists the committed watermark between applies.
func (r *run) flush(ctx context.Context) {
	seq, ledgerTime := r.wm.safe()
	if seq <= r.flushed {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommitTimeout)
	defer cancel()
	if err := r.e.store.AdvanceCursor(ctx, r.cfg.Stream, seq, ledgerTime); err != nil {
		log.Warn("Cursor flush failed", "stream", r.cfg.Stream, "seq", seq, "err", err)
		return
	}
	r.flushed = seq
	cursorSeqGauge.Update(int64(seq))
}

// markFailed moves the escrow to FAILED and consumes every event parked for
// it, plus trigger when set, in one transaction.
func (r *run) markFailed(ctx context.Context, sh *shard, key string, trigger chainevent.Event, reason string) {
	var evs []chainevent.Event
	q := sh.parked[key]
	if q != nil {
		for _, p := range q.events {
			evs = append(evs, p.ev)
		}
	}
	if trigger != nil {
		evs = append(evs, trigger)
	}
	if len(evs) == 0 {
		return
	}
	seqs := make([]uint64, len(evs))
	var maxSeq uint64
	for i, ev := range evs {
		seqs[i] = ev.Meta().Sequence
		if seqs[i] > maxSeq {
			maxSeq = seqs[i]
		}
	}

	err := r.retry(ctx, maxSeq, func() error {
		txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CommitTimeout)
		defer cancel()
		return r.e.store.InTx(txCtx, func(tx projection.Tx) error {
			if err := tx.MarkEscrowFailed(txCtx, key, reason, maxSeq); err != nil {
				return err
			}
			for _, ev := range evs {
				h := ev.Meta()
				fresh, err := tx.RecordAppliedEvent(txCtx, h.TxHash, h.Topic, h.Sequence)
				if err != nil {
					return err
				}
				if !fresh {
					continue
				}
				if err := tx.RecordFailedEvent(txCtx, projection.FailedEvent{
					BlockchainEscrowID: key,
					Sequence:           h.Sequence,
					TxHash:             h.TxHash,
					Topic:              h.Topic,
					Reason:             reason,
				}); err != nil {
					return err
				}
			}
			if err := tx.EnqueueOutbox(txCtx, escrow.OutboxTopicStatusChanged, map[string]any{
				"escrow_id":  key,
				"to":         string(escrow.StatusFailed),
				"reason":     reason,
				"ledger_seq": maxSeq,
			}); err != nil {
				return err
			}
			seq, ledgerTime := r.wm.cursorFor(seqs...)
			return tx.AdvanceCursor(txCtx, r.cfg.Stream, seq, ledgerTime)
		})
	})
	if err != nil {
		if ctx.Err() == nil {
			r.fail(fmt.Errorf("reconcile: mark escrow %s failed: %w", key, err))
		}
		return
	}

	if q != nil {
		delete(sh.parked, key)
		bufferDepthGauge.Update(r.depth.Add(-int64(len(q.events))))
	}
	for _, s := range seqs {
		r.wm.done(s)
	}
	escrowFailedTotal.Inc(1)
	eventsFailedTotal.Inc(int64(len(evs)))
	log.Error("Escrow marked FAILED, operator backfill required", "escrow", key, "events", len(evs), "reason", reason)
}
