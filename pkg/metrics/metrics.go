package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradesSettled counts successfully settled matches by market.
var TradesSettled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_trades_settled_total",
		Help: "Total number of matches settled into trades",
	},
	[]string{"market"},
)

// SettlementFailures counts failed settlement attempts by error kind.
var SettlementFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_settlement_failures_total",
		Help: "Total number of settlement attempts that failed",
	},
	[]string{"reason"},
)

// SettlementLatency records latency distribution for settling one match.
var SettlementLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "exchange_settlement_latency_seconds",
		Help:    "Latency in seconds to settle individual matches",
		Buckets: prometheus.DefBuckets,
	},
)

// NotifierErrors counts trade publications that had to be retried or dropped.
var NotifierErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "exchange_trade_notifier_errors_total",
		Help: "Total number of errors publishing settled trades",
	},
)

func init() {
	prometheus.MustRegister(TradesSettled, SettlementFailures, SettlementLatency, NotifierErrors)
}
