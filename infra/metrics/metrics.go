// Package metrics holds the prometheus collectors shared by every
// component. Collectors register on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bourse"

// ============ Matching ============

var MatchEventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "events_processed_total",
		Help:      "Match events processed by outcome",
	},
	[]string{"symbol", "outcome"},
)

var MatchRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "retries_total",
		Help:      "Transient failures retried in lane",
	},
	[]string{"symbol"},
)

var DeadLettered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "dead_lettered_total",
		Help:      "Match events routed to the dead-letter sink",
	},
	[]string{"reason"},
)

var PausedLanes = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "paused_lanes",
		Help:      "Symbol lanes halted on an invariant violation",
	},
)

var MatchLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "pass_latency_ms",
		Help:      "Match pass including commit, in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250},
	},
	[]string{"symbol"},
)

var TradesExecuted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "matching",
		Name:      "trades_total",
		Help:      "Trades executed",
	},
	[]string{"symbol"},
)

// ============ Market data ============

var FeedState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "state",
		Help:      "Ingestor connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
	},
)

var FeedReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Feed reconnect attempts",
	},
)

var FeedParseFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "parse_failures_total",
		Help:      "Feed frames dropped as unparseable",
	},
	[]string{"kind"},
)

var TicksReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "ticks_total",
		Help:      "Valid ticks forwarded to aggregation",
	},
	[]string{"symbol"},
)

var KlinesSealed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kline",
		Name:      "sealed_total",
		Help:      "Klines sealed, flat candles included",
	},
	[]string{"interval", "kind"},
)

var LateTicks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kline",
		Name:      "late_ticks_total",
		Help:      "Ticks dropped because their interval was already sealed",
	},
	[]string{"symbol"},
)

var KlinePersistFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kline",
		Name:      "persist_failures_total",
		Help:      "Sealed klines that failed to persist and were queued for retry",
	},
)

// ============ Broadcast ============

var BroadcastDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "dropped_total",
		Help:      "Messages evicted from full subscriber buffers",
	},
	[]string{"channel"},
)

var Subscribers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "subscribers",
		Help:      "Live subscribers",
	},
)

// ============ Jobs ============

var JobRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Scheduled job runs by result",
	},
	[]string{"job", "result"},
)

var OutboxRelayed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "relayed_total",
		Help:      "Outbox entries relayed to the settlement topic",
	},
	[]string{"result"},
)
