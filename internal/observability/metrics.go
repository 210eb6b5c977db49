package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for OutcomeLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge
	LockWait             prometheus.Histogram

	// --- Markets ---
	MarketsCreated      prometheus.Counter
	MarketsSettled      *prometheus.CounterVec
	MarketPoolBalance   *prometheus.GaugeVec
	MarketOutstanding   *prometheus.GaugeVec
	RedemptionPayout    prometheus.Counter
	RedemptionBurned    *prometheus.CounterVec
	CollateralDeposited *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	IdempotencyDBErrors   prometheus.Counter
	DedupLRUSize          prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot / Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Ingestion ---
	IngestReceived *prometheus.CounterVec
	IngestInvalid  *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_core_commands_rejected_total",
			Help: "Commands rejected (dedup, guard, ledger)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outcome_core_command_duration_seconds",
			Help:    "Time to apply a single command, including lock wait",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outcome_core_sequence",
			Help: "Next sequence to be assigned",
		}),

		LockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outcome_core_market_lock_wait_seconds",
			Help:    "Time spent waiting for a market lock",
			Buckets: latencyBuckets,
		}),

		// Markets
		MarketsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "outcome_markets_created_total",
			Help: "Markets created",
		}),

		MarketsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_markets_settled_total",
			Help: "Markets settled by winning outcome",
		}, []string{"winner"}),

		MarketPoolBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outcome_market_pool_balance",
			Help: "Collateral held in a market pool (base units)",
		}, []string{"market_id"}),

		MarketOutstanding: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outcome_market_claims_outstanding",
			Help: "Outstanding claim supply per side (base units)",
		}, []string{"market_id", "side"}),

		RedemptionPayout: factory.NewCounter(prometheus.CounterOpts{
			Name: "outcome_redemption_payout_total",
			Help: "Collateral paid out by redemptions (base units)",
		}),

		RedemptionBurned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_redemption_burned_total",
			Help: "Claims burned by redemptions (base units)",
		}, []string{"side"}),

		CollateralDeposited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_collateral_deposited_total",
			Help: "Collateral minted by issuer deposits (base units)",
		}, []string{"asset"}),

		// Channel & Backpressure
		ProjectionDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "outcome_projection_drops_total",
			Help: "Core outputs dropped because the projection channel was full",
		}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "outcome_publish_drops_total",
			Help: "Outbound events dropped because publishing failed",
		}),

		// Idempotency
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"command_type", "tier"}),
		IdempotencyDBErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "outcome_idempotency_db_errors_total",
			Help: "Postgres dedup lookups that failed and fell through",
		}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outcome_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "outcome_persist_events_written_total",
			Help: "Event log rows written",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "outcome_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outcome_persist_batch_size",
			Help:    "Core outputs per persistence flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outcome_persist_batch_duration_seconds",
			Help:    "Time to flush one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "outcome_persist_retries_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outcome_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		// Snapshot / Replay
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "outcome_snapshots_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outcome_snapshot_duration_seconds",
			Help:    "Time to capture and write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outcome_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outcome_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "outcome_replay_events_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outcome_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Ingestion
		IngestReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_ingest_received_total",
			Help: "Commands received by source",
		}, []string{"source", "command_type"}),

		IngestInvalid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_ingest_invalid_total",
			Help: "Commands that failed to parse",
		}, []string{"source"}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_query_requests_total",
			Help: "Query API requests",
		}, []string{"method"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outcome_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_query_errors_total",
			Help: "Query API errors",
		}, []string{"method", "code"}),
	}
}
