package ledger

import "github.com/ethereum/go-ethereum/metrics"

var (
	sourceEventsTotal  = metrics.NewRegisteredCounter("ledger/source/events/total", nil)
	sourceSkippedTotal = metrics.NewRegisteredCounter("ledger/source/skipped/total", nil)
	sourceRetriesTotal = metrics.NewRegisteredCounter("ledger/source/retries/total", nil)
	sourceGapsTotal    = metrics.NewRegisteredCounter("ledger/source/gaps/total", nil)
	sourceFetchLatency = metrics.NewRegisteredTimer("ledger/source/fetch/latency", nil)
	sourceHeadSeq      = metrics.NewRegisteredGauge("ledger/source/head/seq", nil)
	sourceNextSeq      = metrics.NewRegisteredGauge("ledger/source/next/seq", nil)
	rpcReconnectsTotal = metrics.NewRegisteredCounter("ledger/rpc/reconnects/total", nil)
	rpcCallErrorsTotal = metrics.NewRegisteredCounter("ledger/rpc/errors/total", nil)
)
