package observability

import (
	"laminar/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for laminar.
type Metrics struct {
	// --- Operations ---
	OpsApplied       *prometheus.CounterVec
	OpsRejected      *prometheus.CounterVec
	OpDuration       *prometheus.HistogramVec
	FatalErrors      *prometheus.CounterVec
	CustodyJournals  *prometheus.CounterVec
	StateHashDur     prometheus.Histogram
	OperationCounter prometheus.Gauge

	// --- Balance sheet ---
	TVL             prometheus.Gauge
	Liability       prometheus.Gauge
	RoundingReserve prometheus.Gauge
	CollateralRatio prometheus.Gauge
	EquityNAV       prometheus.Gauge
	StableSupply    prometheus.Gauge
	EquitySupply    prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter
	SinkErrors          *prometheus.CounterVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram

	// --- Pricing ---
	PriceQuotes      *prometheus.CounterVec
	PriceStaleQuotes *prometheus.CounterVec
	PriceSlotGaps    *prometheus.CounterVec
	PriceLastSlot    *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	StoreConflicts         prometheus.Counter

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production, a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		// Operations
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_operations_applied_total",
			Help: "Operations committed",
		}, []string{"kind"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_operations_rejected_total",
			Help: "Operations rejected, by error kind",
		}, []string{"kind", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "laminar_operation_duration_seconds",
			Help:    "Time from load to commit of one operation",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"kind"}),

		FatalErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_fatal_errors_total",
			Help: "Balance sheet violations and overflows; page on any increase",
		}, []string{"kind"}),

		CustodyJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_custody_journals_total",
			Help: "Custody journal entries committed",
		}, []string{"journal_type"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "laminar_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		OperationCounter: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_operation_counter",
			Help: "Ledger operation counter",
		}),

		// Balance sheet
		TVL: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_tvl_base_units",
			Help: "Total value locked in base units",
		}),
		Liability: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_liability_base_units",
			Help: "Stable token liability in base units",
		}),
		RoundingReserve: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_rounding_reserve_base_units",
			Help: "Rounding reserve in base units",
		}),
		CollateralRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_collateral_ratio_bps",
			Help: "Collateral ratio in bps, -1 when there is no liability",
		}),
		EquityNAV: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_equity_nav",
			Help: "Equity token NAV (1e9 scale), -1 when undefined",
		}),
		StableSupply: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_stable_supply",
			Help: "Stable token supply",
		}),
		EquitySupply: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_equity_supply",
			Help: "Equity token supply",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "laminar_ingest_to_apply_seconds",
			Help:    "NATS receive to operation commit",
			Buckets: ingestBuckets,
		}, []string{"kind"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "laminar_persist_batch_duration_seconds",
			Help:    "Postgres event log batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "laminar_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "laminar_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "laminar_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "laminar_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "laminar_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "laminar_persist_backpressure_total",
			Help: "Times a commit blocked on the persist channel",
		}),

		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_sink_errors_total",
			Help: "Event sink failures after commit",
		}, []string{"sink"}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "laminar_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		// Pricing
		PriceQuotes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_price_quotes_total",
			Help: "Price quotes accepted from the feed",
		}, []string{"asset"}),

		PriceStaleQuotes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_price_stale_quotes_total",
			Help: "Quotes ignored because their slot was not newer",
		}, []string{"asset"}),

		PriceSlotGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_price_slot_gaps_total",
			Help: "Quotes that skipped one or more slots",
		}, []string{"asset"}),

		PriceLastSlot: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "laminar_price_last_slot",
			Help: "Slot of the latest accepted quote",
		}, []string{"asset"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "laminar_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "laminar_persist_journals_written_total",
			Help: "Custody journal entries written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "laminar_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "laminar_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_persist_last_sequence",
			Help: "Last persisted operation counter",
		}),

		StoreConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "laminar_store_version_conflicts_total",
			Help: "Commits rejected by the optimistic version check",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "laminar_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "laminar_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "laminar_snapshot_last_sequence",
			Help: "Operation counter of last snapshot",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "laminar_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// ObserveLedger publishes the balance sheet of a committed state.
func (m *Metrics) ObserveLedger(st state.LedgerState, bs state.BalanceSheet) {
	m.OperationCounter.Set(float64(st.OperationCounter))
	m.StableSupply.Set(float64(st.StableSupply))
	m.EquitySupply.Set(float64(st.EquitySupply))
	m.TVL.Set(float64(bs.TVL))
	m.Liability.Set(float64(bs.Liability))
	m.RoundingReserve.Set(float64(bs.Reserve))

	if bs.CRBps == state.InfiniteCR {
		m.CollateralRatio.Set(-1)
	} else {
		m.CollateralRatio.Set(float64(bs.CRBps))
	}
	if bs.NAVDefined {
		m.EquityNAV.Set(float64(bs.NAV))
	} else {
		m.EquityNAV.Set(-1)
	}
}
