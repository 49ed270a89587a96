package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyRunning is returned by Run while another Run is active.
	ErrAlreadyRunning = errors.New("ledger: source already running")
	// ErrGapDetected means the indexer skipped a sequence range.
	ErrGapDetected = errors.New("ledger: sequence gap detected")
	// ErrRetriesExhausted means fetching kept failing past the retry ceiling.
	ErrRetriesExhausted = errors.New("ledger: fetch retries exhausted")
)

// GapError reports the first missing sequence of a stream.
type GapError struct {
	Stream   string
	Expected uint64
	Got      uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("ledger: gap in stream %s: expected seq %d, got %d", e.Stream, e.Expected, e.Got)
}

func (e *GapError) Unwrap() error { return ErrGapDetected }

// State is the lifecycle phase of a Source.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var sourceTransitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopping},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

// SourceConfig tunes polling and retry.
type SourceConfig struct {
	Stream       string
	PollInterval time.Duration
	BatchSize    int
	// RetryInitial and RetryMax bound the delay between failed fetches.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// RetryCeiling is the total time a failing fetch is retried before Run gives up.
	RetryCeiling time.Duration
}

func (c *SourceConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 5 * time.Minute
	}
}

// Source turns the indexer into an ordered, resumable event sequence.
type Source struct {
	client  Client
	cfg     SourceConfig
	limiter *rate.Limiter

	mu    sync.Mutex
	state State

	head atomic.Uint64
	next atomic.Uint64
}

// NewSource returns a stopped source for cfg.Stream.
func NewSource(client Client, cfg SourceConfig) *Source {
	cfg.applyDefaults()
	return &Source{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		state:   StateStopped,
	}
}

// Stream returns the contract stream this source reads.
func (s *Source) Stream() string { return s.cfg.Stream }

// State returns the current lifecycle phase.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Head returns the latest sequence the indexer reported, 0 if unknown.
func (s *Source) Head() uint64 { return s.head.Load() }

// Next returns the next sequence Run expects.
func (s *Source) Next() uint64 { return s.next.Load() }

func (s *Source) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range sourceTransitions[s.state] {
		if allowed == to {
			log.Debug("Ledger source state change", "stream", s.cfg.Stream, "from", s.state, "to", to)
			s.state = to
			return nil
		}
	}
	if to == StateStarting {
		return ErrAlreadyRunning
	}
	return fmt.Errorf("ledger: illegal source transition %s -> %s", s.state, to)
}

// Run sends every event with Sequence >= from to out, in order, until ctx is
// cancelled (nil), a gap is found (*GapError) or fetching fails past the retry
// ceiling (ErrRetriesExhausted). It never closes out.
func (s *Source) Run(ctx context.Context, from uint64, out chan<- RawEvent) error {
	if err := s.transition(StateStarting); err != nil {
		return err
	}
	defer func() {
		_ = s.transition(StateStopping)
		_ = s.transition(StateStopped)
	}()

	expected := from
	s.next.Store(expected)
	if err := s.transition(StateRunning); err != nil {
		return err
	}
	log.Info("Ledger source started", "stream", s.cfg.Stream, "from", from)

	full := false
	for {
		// A full batch means we are behind; fetch again without pacing.
		if !full {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		} else if ctx.Err() != nil {
			return nil
		}

		batch, err := s.fetch(ctx, expected)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		full = len(batch) >= s.cfg.BatchSize
		if len(batch) == 0 {
			s.refreshHead(ctx)
			continue
		}

		for _, ev := range batch {
			if ev.Sequence < expected {
				sourceSkippedTotal.Inc(1)
				continue
			}
			if ev.Sequence > expected {
				sourceGapsTotal.Inc(1)
				gap := &GapError{Stream: s.cfg.Stream, Expected: expected, Got: ev.Sequence}
				log.Error("Ledger sequence gap, pausing stream", "stream", s.cfg.Stream, "expected", expected, "got", ev.Sequence)
				return gap
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
			sourceEventsTotal.Inc(1)
			expected++
			s.next.Store(expected)
			sourceNextSeq.Update(int64(expected))
			if ev.Sequence > s.head.Load() {
				s.head.Store(ev.Sequence)
			}
		}
	}
}

func (s *Source) fetch(ctx context.Context, from uint64) ([]RawEvent, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryInitial
	bo.MaxInterval = s.cfg.RetryMax
	bo.MaxElapsedTime = s.cfg.RetryCeiling
	bo.RandomizationFactor = 0.5

	var batch []RawEvent
	op := func() error {
		start := time.Now()
		res, err := s.client.Events(ctx, s.cfg.Stream, from, s.cfg.BatchSize)
		sourceFetchLatency.UpdateSince(start)
		if err != nil {
			return err
		}
		batch = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		sourceRetriesTotal.Inc(1)
		log.Warn("Ledger fetch failed, retrying", "stream", s.cfg.Stream, "from", from, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, fmt.Errorf("ledger: fetch stream %s from %d: %w: %w", s.cfg.Stream, from, ErrRetriesExhausted, err)
	}
	return batch, nil
}

func (s *Source) refreshHead(ctx context.Context) {
	head, err := s.client.LatestSeq(ctx, s.cfg.Stream)
	if err != nil {
		log.Debug("Ledger head refresh failed", "stream", s.cfg.Stream, "err", err)
		return
	}
	s.head.Store(head)
	sourceHeadSeq.Update(int64(head))
}
