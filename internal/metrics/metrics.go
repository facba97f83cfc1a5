package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// database connection metrics
	// ============================================
	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shieldpool_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shieldpool_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	// ============================================
	// pool metrics
	// ============================================
	DepositsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldpool_deposits_accepted_total",
		Help: "Total number of commitments admitted to the pool accumulator",
	})

	DepositsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldpool_deposits_rejected_total",
			Help: "Total number of rejected deposits",
		},
		[]string{"reason"},
	)

	WithdrawalsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldpool_withdrawals_settled_total",
		Help: "Total number of settled withdrawals",
	})

	WithdrawalsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldpool_withdrawals_rejected_total",
			Help: "Total number of withdrawals refused by the pool gates",
		},
		[]string{"gate"},
	)

	SponsorshipsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldpool_sponsorships_granted_total",
		Help: "Total number of sponsorship grants issued",
	})

	PoolTreeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shieldpool_pool_tree_size",
		Help: "Number of leaves in the pool accumulator",
	})

	ComplianceTreeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shieldpool_compliance_tree_size",
		Help: "Number of leaves in the compliance accumulator",
	})

	ProofVerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shieldpool_proof_verification_duration_seconds",
			Help:    "Proof verification duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"schema"},
	)

	// ============================================
	// compliance coordinator metrics
	// ============================================
	ScreeningsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldpool_screenings_completed_total",
			Help: "Total number of screening verdicts by outcome",
		},
		[]string{"verdict"},
	)

	ScreeningErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldpool_screening_errors_total",
		Help: "Total number of screening provider failures",
	})

	ScreeningsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shieldpool_screenings_pending",
		Help: "Deposits awaiting a screening verdict",
	})

	ComplianceRootsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldpool_compliance_roots_published_total",
		Help: "Total number of compliance roots published to the pool",
	})

	// ============================================
	// withdrawal scheduler metrics
	// ============================================
	WithdrawalsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shieldpool_withdrawals_queued",
		Help: "Withdrawal requests waiting out their delay",
	})

	WithdrawalsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shieldpool_withdrawals_in_flight",
		Help: "Withdrawal requests currently being processed",
	})

	WithdrawalRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldpool_withdrawal_retries_total",
		Help: "Total number of withdrawal retry attempts",
	})

	WithdrawalDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shieldpool_withdrawal_delay_seconds",
		Help:    "Randomized delay assigned to queued withdrawals",
		Buckets: prometheus.ExponentialBuckets(15, 2, 8),
	})

	// ============================================
	// NATS metrics
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shieldpool_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldpool_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"event_type"},
	)

	NATSPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldpool_nats_publish_errors_total",
			Help: "Total number of NATS publish failures",
		},
		[]string{"event_type"},
	)
)
