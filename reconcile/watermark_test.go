package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(seq uint64) time.Time {
	return time.Unix(1_700_000_000+int64(seq), 0).UTC()
}

func TestWatermarkAdvancesOnlyOverContiguousRuns(t *testing.T) {
	w := newWatermark(0, time.Time{})
	for seq := uint64(1); seq <= 3; seq++ {
		w.dispatch(seq, at(seq))
	}

	w.done(2)
	seq, _ := w.safe()
	require.Equal(t, uint64(0), seq, "seq 1 still outstanding")

	seq, ts := w.cursorFor(1)
	require.Equal(t, uint64(2), seq)
	require.Equal(t, at(2), ts)

	w.done(1)
	seq, ts = w.safe()
	require.Equal(t, uint64(2), seq)
	require.Equal(t, at(2), ts)
	require.Equal(t, 1, w.outstanding())

	w.done(3)
	seq, ts = w.safe()
	require.Equal(t, uint64(3), seq)
	require.Equal(t, at(3), ts)
	require.Zero(t, w.outstanding())
}

func TestWatermarkNeverPassesUndispatchedSequence(t *testing.T) {
	w := newWatermark(10, at(10))
	w.dispatch(12, at(12))
	w.done(12)

	seq, ts := w.safe()
	require.Equal(t, uint64(10), seq)
	require.Equal(t, at(10), ts)

	w.dispatch(11, at(11))
	seq, _ = w.cursorFor(11)
	require.Equal(t, uint64(12), seq)
}

func TestWatermarkCountsRedelivery(t *testing.T) {
	w := newWatermark(4, time.Time{})
	w.dispatch(5, at(5))
	w.dispatch(5, at(5))

	seq, _ := w.cursorFor(5)
	require.Equal(t, uint64(4), seq, "one delivery of seq 5 is still in flight")
	seq, _ = w.cursorFor(5, 5)
	require.Equal(t, uint64(5), seq)

	w.done(5)
	seq, _ = w.safe()
	require.Equal(t, uint64(4), seq)
	w.done(5)
	seq, _ = w.safe()
	require.Equal(t, uint64(5), seq)
}

func TestWatermarkIgnoresSettledSequences(t *testing.T) {
	w := newWatermark(7, at(7))
	w.dispatch(3, at(3))
	w.done(3)
	require.Zero(t, w.outstanding())

	seq, ts := w.cursorFor(3)
	require.Equal(t, uint64(7), seq)
	require.Equal(t, at(7), ts)
}
