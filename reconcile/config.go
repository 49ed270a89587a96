package reconcile

import "time"

// Config tunes the engine. Zero values take the defaults below.
type Config struct {
	// Stream names the cursor row; it defaults to the source's stream.
	Stream string
	// Workers is the number of shards events are partitioned across by key.
	Workers int
	// QueueSize bounds every channel between stages.
	QueueSize int

	// ReorderLimit caps the events parked for one escrow waiting on a predecessor.
	ReorderLimit int
	// ReorderTimeout is how long a parked event may wait before its escrow fails.
	ReorderTimeout time.Duration

	// ApplyAttempts bounds retries of non-transient apply errors.
	ApplyAttempts int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	// RetryCeiling is the total time transient errors are retried before Run stops.
	RetryCeiling time.Duration

	// CommitTimeout bounds one apply transaction, including after shutdown began.
	CommitTimeout time.Duration
	// FlushInterval paces cursor writes while no event is being applied.
	FlushInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ReorderLimit <= 0 {
		c.ReorderLimit = 64
	}
	if c.ReorderTimeout <= 0 {
		c.ReorderTimeout = 2 * time.Minute
	}
	if c.ApplyAttempts <= 0 {
		c.ApplyAttempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = time.Minute
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 10 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

func (c *Config) sweepInterval() time.Duration {
	d := c.ReorderTimeout / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
