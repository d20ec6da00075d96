// Package metrics defines the Prometheus collectors exported by the
// database layer. Registration happens at import time via promauto; the
// host application decides how to expose the registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Query and transaction metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"}, // role: "read", "write"
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketdb_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation", "role"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_transactions_total",
			Help: "Total number of database transactions.",
		},
		[]string{"status"}, // status: "commit", "rollback"
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketdb_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	DBTransactionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketdb_transaction_retries_total",
			Help: "Total number of transaction retries after serialization or deadlock failures.",
		},
	)
)

// Connection pool metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketdb_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
		[]string{"role"},
	)
	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketdb_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
		[]string{"role"},
	)
	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketdb_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
		[]string{"role"},
	)
	DBPoolExhaustion = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_pool_exhaustion_total",
			Help: "Total number of times a connection could not be acquired before the timeout.",
		},
		[]string{"role"},
	)
)

// Failover and circuit breaker metrics
var (
	FailoverEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_failover_events_total",
			Help: "Total number of failover state transitions.",
		},
		[]string{"role", "transition"}, // transition: "degraded", "failed_over", "recovering", "recovered"
	)

	PoolHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketdb_pool_healthy",
			Help: "Whether a database pool is currently considered healthy (1) or not (0).",
		},
		[]string{"role", "host"},
	)

	HeartbeatFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_heartbeat_failures_total",
			Help: "Total number of failed health probes.",
		},
		[]string{"role", "host"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketdb_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half_open, 2=open).",
		},
		[]string{"name"},
	)

	RetriedOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_retried_operations_total",
			Help: "Total number of operations that needed at least one retry.",
		},
		[]string{"operation"},
	)
)

// Query cache metrics
var (
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketdb_cache_hits_total",
			Help: "Total number of query cache hits.",
		},
	)
	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketdb_cache_misses_total",
			Help: "Total number of query cache misses.",
		},
	)
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_cache_evictions_total",
			Help: "Total number of query cache evictions.",
		},
		[]string{"reason"}, // reason: "expired", "lru", "invalidated"
	)
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketdb_cache_entries",
			Help: "Current number of entries in the query cache.",
		},
	)
	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketdb_cache_bytes",
			Help: "Estimated total size of cached results in bytes.",
		},
	)
)

// Migration and backup metrics
var (
	MigrationsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketdb_migrations_applied_total",
			Help: "Total number of schema migrations applied.",
		},
	)
	MigrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketdb_migration_duration_seconds",
			Help:    "Duration of individual schema migrations in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_backups_total",
			Help: "Total number of backup runs.",
		},
		[]string{"status"}, // status: "success", "failure"
	)
	BackupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketdb_backup_duration_seconds",
			Help:    "Duration of backup runs in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
	)
	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_restores_total",
			Help: "Total number of restore runs.",
		},
		[]string{"status"},
	)
)

// Remote artifact storage metrics.
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_s3_operations_total",
			Help: "Total number of S3 operations against the artifact store.",
		},
		[]string{"operation", "status"}, // operation: "PUT", "GET", "DELETE"
	)
	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketdb_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)
	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdb_storage_operation_errors_total",
			Help: "S3 operation errors classified by cause.",
		},
		[]string{"operation", "reason"},
	)
)
