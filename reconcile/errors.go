package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned when Run or Process is called on a busy engine.
	ErrAlreadyRunning = errors.New("reconcile: engine already running")
	// ErrNoSource is returned by Run on an engine built without a ledger source.
	ErrNoSource = errors.New("reconcile: no ledger source")
	// ErrNoStream is returned when neither the config nor the source names a stream.
	ErrNoStream = errors.New("reconcile: no stream configured")

	// Control-flow sentinels returned from inside a transaction to roll it back.
	errDuplicate = errors.New("reconcile: event already applied")
	errBuffered  = errors.New("reconcile: event ahead of projection")
)

// TransientError is a storage failure that outlasted the retry ceiling. The
// event it carries was never applied and the cursor stays below it.
type TransientError struct {
	Seq uint64
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("reconcile: seq %d: transient failure past retry ceiling: %v", e.Seq, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
