package observability

import (
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	transactionsTotal *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	lockWait          prometheus.Histogram
	conflictRetries   prometheus.Counter
	reconciled        prometheus.Counter
	externalErrors    *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		transactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_total",
				Help: "Transactions that reached a terminal status.",
			},
			[]string{"type", "status"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of ledger operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		lockWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_lock_wait_seconds",
				Help:    "Time spent waiting for account locks.",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
		),
		conflictRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_conflict_retries_total",
				Help: "Balance updates retried after a version conflict.",
			},
		),
		reconciled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_reconciled_total",
				Help: "Stale PENDING transactions moved to FAILED by the reconciler.",
			},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordTransaction counts a transaction outcome.
func (m *Metrics) RecordTransaction(t domain.TransactionType, s domain.TransactionStatus) {
	m.transactionsTotal.WithLabelValues(string(t), string(s)).Inc()
}

// RecordOperationDuration records the duration of an operation.
func (m *Metrics) RecordOperationDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveLockWait records how long a caller waited for account locks.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	m.lockWait.Observe(d.Seconds())
}

// IncrConflictRetry counts one retry after a version conflict.
func (m *Metrics) IncrConflictRetry() {
	m.conflictRetries.Inc()
}

// AddReconciled counts transactions failed by the reconciler.
func (m *Metrics) AddReconciled(n int) {
	m.reconciled.Add(float64(n))
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

var transactionTypes = []domain.TransactionType{
	domain.TransactionDeposit,
	domain.TransactionWithdraw,
	domain.TransactionTransfer,
}

// Snapshot returns the counters behind GET /v1/metrics/ledger. Values are
// cumulative since process start.
func (m *Metrics) Snapshot() *domain.LedgerMetrics {
	byStatus := func(s domain.TransactionStatus) int64 {
		var total float64
		for _, t := range transactionTypes {
			total += getCounterValue(m.transactionsTotal.WithLabelValues(string(t), string(s)))
		}
		return int64(total)
	}

	hits := getCounterValue(m.cacheHits.WithLabelValues("customers"))
	misses := getCounterValue(m.cacheMisses.WithLabelValues("customers"))
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.LedgerMetrics{
		Completed:       byStatus(domain.StatusCompleted),
		Failed:          byStatus(domain.StatusFailed),
		Cancelled:       byStatus(domain.StatusCancelled),
		ConflictRetries: int64(getCounterValue(m.conflictRetries)),
		Reconciled:      int64(getCounterValue(m.reconciled)),
		CacheHitRate:    hitRate,
	}
}

// getCounterValue extracts the current float64 value from a counter.
func getCounterValue(counter prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
