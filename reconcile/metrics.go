package reconcile

import "github.com/ethereum/go-ethereum/metrics"

var (
	eventsAppliedTotal      = metrics.NewRegisteredCounter("reconcile/events/applied", nil)
	eventsDuplicateTotal    = metrics.NewRegisteredCounter("reconcile/events/duplicate", nil)
	eventsStaleTotal        = metrics.NewRegisteredCounter("reconcile/events/stale", nil)
	eventsBufferedTotal     = metrics.NewRegisteredCounter("reconcile/events/buffered", nil)
	eventsUnrecognizedTotal = metrics.NewRegisteredCounter("reconcile/events/unrecognized", nil)
	eventsFailedTotal       = metrics.NewRegisteredCounter("reconcile/events/failed", nil)
	escrowFailedTotal       = metrics.NewRegisteredCounter("reconcile/escrow/failed", nil)
	applyRetriesTotal       = metrics.NewRegisteredCounter("reconcile/apply/retries", nil)
	applyLatency            = metrics.NewRegisteredTimer("reconcile/apply/latency", nil)
	disputeResolvedTotal    = metrics.NewRegisteredCounter("reconcile/dispute/resolved", nil)
	disputeDivergenceTotal  = metrics.NewRegisteredCounter("reconcile/dispute/divergence", nil)
	invariantViolationTotal = metrics.NewRegisteredCounter("reconcile/invariant/violations", nil)
	cursorSeqGauge          = metrics.NewRegisteredGauge("reconcile/cursor/seq", nil)
	bufferDepthGauge        = metrics.NewRegisteredGauge("reconcile/buffer/depth", nil)
)
