package reconcile

import (
	"sync"
	"time"
)

// watermark tracks which stream sequences are durably applied. The cursor it
// reports is the highest sequence below which nothing is outstanding, so a
// restart from cursor+1 never skips an event.
type watermark struct {
	mu sync.Mutex

	// Every sequence <= committed has been applied, buffered-then-failed or
	// found to be a duplicate.
	committed uint64
	lastTime  time.Time

	inflight map[uint64]int
	finished map[uint64]struct{}
	times    map[uint64]time.Time
}

func newWatermark(base uint64, baseTime time.Time) *watermark {
	return &watermark{
		committed: base,
		lastTime:  baseTime,
		inflight:  make(map[uint64]int),
		finished:  make(map[uint64]struct{}),
		times:     make(map[uint64]time.Time),
	}
}

// dispatch registers seq as handed to a worker.
func (w *watermark) dispatch(seq uint64, ledgerTime time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.committed {
		return
	}
	w.inflight[seq]++
	if !ledgerTime.IsZero() {
		w.times[seq] = ledgerTime
	}
}

// done marks seq as settled once its transaction has committed.
func (w *watermark) done(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.committed {
		return
	}
	if n := w.inflight[seq]; n > 1 {
		w.inflight[seq] = n - 1
		return
	}
	delete(w.inflight, seq)
	w.finished[seq] = struct{}{}

	for {
		next := w.committed + 1
		if _, ok := w.finished[next]; !ok {
			break
		}
		delete(w.finished, next)
		w.committed = next
		if t, ok := w.times[next]; ok {
			w.lastTime = t
			delete(w.times, next)
		}
	}
}

// cursorFor returns the cursor a transaction settling seqs may write: the
// committed mark extended as if those sequences were already finished.
func (w *watermark) cursorFor(seqs ...uint64) (uint64, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	settling := make(map[uint64]int, len(seqs))
	for _, s := range seqs {
		settling[s]++
	}
	c, t := w.committed, w.lastTime
	for {
		next := c + 1
		_, fin := w.finished[next]
		if !fin {
			n, ok := w.inflight[next]
			if !ok || settling[next] < n {
				break
			}
		}
		c = next
		if tt, ok := w.times[next]; ok {
			t = tt
		}
	}
	return c, t
}

// safe returns the committed mark.
func (w *watermark) safe() (uint64, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed, w.lastTime
}

// outstanding reports how many dispatched sequences are not settled yet.
func (w *watermark) outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}
