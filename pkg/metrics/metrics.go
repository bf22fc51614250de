package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DepositsTotal counts accepted deposits.
var DepositsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "strongroom_deposits_total",
		Help: "Total number of accepted deposits",
	},
)

// WithdrawalsTotal counts accepted withdrawals.
var WithdrawalsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "strongroom_withdrawals_total",
		Help: "Total number of accepted withdrawals",
	},
)

// OperationsRejected counts guard rejections by operation and error kind.
var OperationsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "strongroom_operations_rejected_total",
		Help: "Total number of rejected operations by operation and kind",
	},
	[]string{"operation", "kind"},
)

// Ledger gauges track the pooled totals after every mutation.
var (
	TotalShares = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strongroom_total_shares",
			Help: "Outstanding ownership shares",
		},
	)

	TotalDeposited = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strongroom_total_deposited",
			Help: "Pool value owed to participants",
		},
	)

	AvailableValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strongroom_available_value",
			Help: "Liquid pool value after allocations",
		},
	)
)

// BreakerTrips counts breaker activations by owner (vault, risk).
var BreakerTrips = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "strongroom_breaker_trips_total",
		Help: "Total number of circuit breaker activations by owner",
	},
	[]string{"owner"},
)

// BreakerActive reports the current breaker state by owner (0 or 1).
var BreakerActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "strongroom_breaker_active",
		Help: "Whether the circuit breaker is currently active by owner",
	},
	[]string{"owner"},
)

// Gateway message metrics
var (
	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strongroom_messages_processed_total",
			Help: "Total number of gateway messages consumed by tag",
		},
		[]string{"tag"},
	)

	MessagesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strongroom_messages_rejected_total",
			Help: "Total number of gateway messages rejected by reason",
		},
		[]string{"reason"},
	)
)

// Risk engine metrics
var (
	RiskScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strongroom_risk_score",
			Help: "Latest risk score by target in basis points",
		},
		[]string{"target"},
	)

	RiskAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strongroom_risk_alerts_total",
			Help: "Total number of risk alert threshold crossings",
		},
	)
)

// Cross-partition transfer metrics
var (
	TransfersDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strongroom_transfers_dispatched_total",
			Help: "Total number of outbound transfers by destination partition",
		},
		[]string{"partition"},
	)

	TransfersReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strongroom_transfers_received_total",
			Help: "Total number of accepted inbound transfers by source partition",
		},
		[]string{"partition"},
	)

	BudgetRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strongroom_transfer_budget_rejections_total",
			Help: "Total number of dispatches rejected by the window budget",
		},
	)
)

// FeedClients reports currently connected event feed subscribers.
var FeedClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "strongroom_feed_clients",
		Help: "Number of connected websocket feed subscribers",
	},
)

// Database pool gauges, sampled periodically by the daemon.
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strongroom_db_open_connections",
			Help: "Open database connections by driver",
		},
		[]string{"driver"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strongroom_db_idle_connections",
			Help: "Idle database connections by driver",
		},
		[]string{"driver"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strongroom_db_in_use_connections",
			Help: "In-use database connections by driver",
		},
		[]string{"driver"},
	)
)

func init() {
	prometheus.MustRegister(DepositsTotal, WithdrawalsTotal, OperationsRejected)
	prometheus.MustRegister(TotalShares, TotalDeposited, AvailableValue)
	prometheus.MustRegister(BreakerTrips, BreakerActive)
	prometheus.MustRegister(MessagesProcessed, MessagesRejected)
	prometheus.MustRegister(RiskScore, RiskAlerts)
	prometheus.MustRegister(TransfersDispatched, TransfersReceived, BudgetRejections)
	prometheus.MustRegister(FeedClients)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
