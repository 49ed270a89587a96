package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClient struct {
	mu          sync.Mutex
	events      []RawEvent
	failFirst   int
	failAlways  bool
	ignoreFrom  bool
	calls       int
	escrowState map[string]EscrowState
}

func (f *fakeClient) add(seqs ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range seqs {
		f.events = append(f.events, RawEvent{Sequence: s, TxHash: "tx", ContractID: "C1"})
	}
	sort.Slice(f.events, func(i, j int) bool { return f.events[i].Sequence < f.events[j].Sequence })
}

func (f *fakeClient) Events(_ context.Context, _ string, fromSeq uint64, limit int) ([]RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAlways || f.calls <= f.failFirst {
		return nil, errors.New("indexer unavailable")
	}
	var out []RawEvent
	for _, ev := range f.events {
		if !f.ignoreFrom && ev.Sequence < fromSeq {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeClient) LatestSeq(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return 0, nil
	}
	return f.events[len(f.events)-1].Sequence, nil
}

func (f *fakeClient) EscrowState(_ context.Context, id string) (EscrowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.escrowState[id]
	if !ok {
		return EscrowState{}, ErrEscrowNotOnChain
	}
	return st, nil
}

func testSourceConfig() SourceConfig {
	return SourceConfig{
		Stream:       "C1",
		PollInterval: time.Millisecond,
		BatchSize:    2,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		RetryCeiling: time.Second,
	}
}

func collect(t *testing.T, out <-chan RawEvent, n int) []uint64 {
	t.Helper()
	var seqs []uint64
	timeout := time.After(5 * time.Second)
	for len(seqs) < n {
		select {
		case ev := <-out:
			seqs = append(seqs, ev.Sequence)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(seqs), n)
		}
	}
	return seqs
}

func TestSource_ResumesFromSequence(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &fakeClient{}
	client.add(1, 2, 3, 4, 5)
	src := NewSource(client, testSourceConfig())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan RawEvent, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx, 3, out) }()

	require.Equal(t, []uint64{3, 4, 5}, collect(t, out, 3))
	require.Eventually(t, func() bool { return src.State() == StateRunning }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	require.Equal(t, StateStopped, src.State())
	require.Equal(t, uint64(6), src.Next())
}

func TestSource_SkipsOverlapOnResume(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &fakeClient{ignoreFrom: true}
	client.add(1, 2, 3, 4)
	cfg := testSourceConfig()
	cfg.BatchSize = 10
	src := NewSource(client, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan RawEvent, 8)
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx, 3, out) }()

	require.Equal(t, []uint64{3, 4}, collect(t, out, 2))
	cancel()
	require.NoError(t, <-errCh)
}

func TestSource_GapStopsWithoutAdvancing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &fakeClient{}
	client.add(30, 31)
	src := NewSource(client, testSourceConfig())

	out := make(chan RawEvent, 4)
	err := src.Run(context.Background(), 26, out)

	require.ErrorIs(t, err, ErrGapDetected)
	var gap *GapError
	require.ErrorAs(t, err, &gap)
	require.Equal(t, uint64(26), gap.Expected)
	require.Equal(t, uint64(30), gap.Got)
	require.Empty(t, out)
	require.Equal(t, uint64(26), src.Next())
	require.Equal(t, StateStopped, src.State())
}

func TestSource_RetriesTransientFetchErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &fakeClient{failFirst: 3}
	client.add(1, 2)
	src := NewSource(client, testSourceConfig())
	before := sourceRetriesTotal.Snapshot().Count()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan RawEvent, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx, 1, out) }()

	require.Equal(t, []uint64{1, 2}, collect(t, out, 2))
	cancel()
	require.NoError(t, <-errCh)
	require.GreaterOrEqual(t, sourceRetriesTotal.Snapshot().Count()-before, int64(3))
}

func TestSource_SurfacesExhaustedRetries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &fakeClient{failAlways: true}
	cfg := testSourceConfig()
	cfg.RetryCeiling = 30 * time.Millisecond
	src := NewSource(client, cfg)

	err := src.Run(context.Background(), 1, make(chan RawEvent))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, StateStopped, src.State())
}

func TestSource_RejectsSecondRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := NewSource(&fakeClient{}, testSourceConfig())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx, 1, make(chan RawEvent)) }()

	require.Eventually(t, func() bool { return src.State() == StateRunning }, time.Second, time.Millisecond)
	require.ErrorIs(t, src.Run(ctx, 1, make(chan RawEvent)), ErrAlreadyRunning)

	cancel()
	require.NoError(t, <-errCh)

	// A stopped source may be started again.
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	require.NoError(t, src.Run(ctx2, 1, make(chan RawEvent)))
}
