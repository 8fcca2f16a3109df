package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MetaLayer.
type Metrics struct {
	// --- Replay core ---
	TxApplied      *prometheus.CounterVec
	TxRejected     *prometheus.CounterVec
	BlocksApplied  prometheus.Counter
	BlockRollbacks prometheus.Counter
	BlockApplyDur  prometheus.Histogram
	StateHashDur   prometheus.Histogram
	ChainHeight    prometheus.Gauge

	// --- Books and clearing ---
	TokenFills          prometheus.Counter
	ContractFills       prometheus.Counter
	BookDepth           *prometheus.GaugeVec
	Settlements         *prometheus.CounterVec
	SettlementShortfall prometheus.Counter

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Dedup & ordering ---
	DuplicateTxs   *prometheus.CounterVec
	SequenceFaults prometheus.Counter

	// --- Persistence ---
	PersistOutcomesWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastHeight      prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		TxApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_tx_applied_total",
			Help: "Transactions that mutated state",
		}, []string{"tx_type"}),

		TxRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_tx_rejected_total",
			Help: "Transactions rejected, by reject code",
		}, []string{"tx_type", "code"}),

		BlocksApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ml_blocks_applied_total",
			Help: "Blocks replayed to completion",
		}),

		BlockRollbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ml_block_rollbacks_total",
			Help: "Blocks rolled back on reorg",
		}),

		BlockApplyDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_block_apply_duration_seconds",
			Help:    "Time to replay one block",
			Buckets: applyBuckets,
		}),

		StateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_state_hash_duration_seconds",
			Help:    "Time to compute the block state digest",
			Buckets: applyBuckets,
		}),

		ChainHeight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ml_chain_height",
			Help: "Last applied block height",
		}),

		TokenFills: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ml_token_fills_total",
			Help: "Token exchange fills executed",
		}),

		ContractFills: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ml_contract_fills_total",
			Help: "Contract exchange fills executed",
		}),

		BookDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ml_book_depth",
			Help: "Resting orders per book",
		}, []string{"book"}),

		Settlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_settlements_total",
			Help: "Contract settlements, by trigger",
		}, []string{"trigger"}),

		SettlementShortfall: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ml_settlement_shortfall_willets_total",
			Help: "Uncollectable loss clamped at settlement",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ml_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ml_projection_drops_total",
			Help: "Block results dropped due to full projection channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ml_persist_backpressure_total",
			Help: "Times replay blocked on the persist channel",
		}),

		DuplicateTxs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_duplicate_txs_total",
			Help: "Duplicate txids skipped (lru/postgres)",
		}, []string{"tier"}),

		SequenceFaults: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ml_sequence_faults_total",
			Help: "Out-of-sequence blocks refused",
		}),

		PersistOutcomesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ml_persist_outcomes_written_total",
			Help: "Transaction outcomes committed to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_persist_batch_duration_seconds",
			Help:    "Postgres block batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_persist_errors_total",
			Help: "Postgres write errors, by kind",
		}, []string{"kind"}),

		PersistLastHeight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ml_persist_last_height",
			Help: "Highest block height durably committed",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_query_requests_total",
			Help: "Query API requests",
		}, []string{"method"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ml_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: applyBuckets,
		}, []string{"method"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_query_errors_total",
			Help: "Query API errors",
		}, []string{"method"}),
	}
}
