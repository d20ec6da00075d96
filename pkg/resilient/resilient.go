package resilient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quantumzero/marketdb/config"
	"github.com/quantumzero/marketdb/consts"
	"github.com/quantumzero/marketdb/db"
	"github.com/quantumzero/marketdb/logger"
	"github.com/quantumzero/marketdb/pkg/circuitbreaker"
	"github.com/quantumzero/marketdb/pkg/metrics"
	"github.com/quantumzero/marketdb/pkg/querycache"
	"github.com/quantumzero/marketdb/pkg/retry"
)

// ResilientDB combines the failover manager, per-path circuit breakers,
// bounded retries and the query cache into one database facade.
type ResilientDB struct {
	fm *FailoverManager

	cache           *querycache.Cache
	defaultCacheTTL time.Duration

	queryTimeout time.Duration
	writeTimeout time.Duration

	queryBreaker *circuitbreaker.CircuitBreaker
	writeBreaker *circuitbreaker.CircuitBreaker
}

// NewResilientDB connects per-host pools for every configured endpoint and
// wires the cache and circuit breakers. Health checking does not start
// until StartHealthMonitoring is called.
func NewResilientDB(ctx context.Context, cfg *config.Config, logQueries bool) (*ResilientDB, error) {
	fm, err := newFailoverManager(ctx, &cfg.Database, logQueries)
	if err != nil {
		return nil, err
	}

	queryTimeout, err := cfg.Database.GetQueryTimeout()
	if err != nil {
		fm.Close()
		return nil, fmt.Errorf("%w: %v", db.ErrConfiguration, err)
	}
	writeTimeout, err := cfg.Database.GetWriteTimeout()
	if err != nil {
		fm.Close()
		return nil, fmt.Errorf("%w: %v", db.ErrConfiguration, err)
	}

	rd := &ResilientDB{
		fm:           fm,
		queryTimeout: queryTimeout,
		writeTimeout: writeTimeout,
	}

	if cfg.Cache.Enabled {
		maxSize, err := cfg.Cache.GetMaxSize()
		if err != nil {
			fm.Close()
			return nil, fmt.Errorf("%w: %v", db.ErrConfiguration, err)
		}
		ttl, err := cfg.Cache.GetDefaultTTL()
		if err != nil {
			fm.Close()
			return nil, fmt.Errorf("%w: %v", db.ErrConfiguration, err)
		}
		cleanup, err := cfg.Cache.GetCleanupInterval()
		if err != nil {
			fm.Close()
			return nil, fmt.Errorf("%w: %v", db.ErrConfiguration, err)
		}
		rd.cache = querycache.New(cfg.Cache.GetMaxEntries(), maxSize, ttl, cleanup)
		rd.defaultCacheTTL = ttl
		logger.Info("Query cache enabled", "max_entries", cfg.Cache.GetMaxEntries(),
			"max_bytes", maxSize, "default_ttl", ttl)
	}

	// The query breaker is deliberately lenient: reads are frequent and a
	// few failures should not cut off the whole read path.
	rd.queryBreaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "db_query",
		MaxRequests: 5,
		Interval:    15 * time.Second,
		Timeout:     45 * time.Second,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 8 && failureRatio >= 0.6
		},
		IsSuccessful:  breakerSuccess,
		OnStateChange: breakerStateChanged,
	})

	rd.writeBreaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "db_write",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		IsSuccessful:  breakerSuccess,
		OnStateChange: breakerStateChanged,
	})

	rd.wireBreakerRecovery()
	return rd, nil
}

// wireBreakerRecovery lets a pool recovery probe force the matching
// breaker half-open immediately, instead of waiting out the open timeout.
func (rd *ResilientDB) wireBreakerRecovery() {
	rd.fm.onPoolRecovered = func(role string) {
		if role == "write" {
			rd.writeBreaker.ForceHalfOpen()
		} else {
			rd.queryBreaker.ForceHalfOpen()
		}
	}
}

// breakerSuccess keeps business errors (constraint violations, no rows)
// from counting against the breaker; only transient infrastructure
// failures should trip it.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return !db.IsTransient(err)
}

func breakerStateChanged(name string, from, to circuitbreaker.State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	logger.Warn("Circuit breaker state change", "breaker", name,
		"from", from.String(), "to", to.String())
}

// StartHealthMonitoring launches the heartbeat loop and periodic pool
// metrics collection.
func (rd *ResilientDB) StartHealthMonitoring(ctx context.Context) {
	rd.fm.startHealthChecking(ctx)
	rd.startPoolMetrics(ctx)
}

// classifyRetry maps an operation error to the retry layer's vocabulary:
// nil stays nil, transient errors are returned as-is (retryable) and
// everything else is wrapped in a StopError so the budget is not wasted on
// failures that cannot heal.
func (rd *ResilientDB) classifyRetry(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop(err)
	}
	if db.IsTransient(err) {
		return err
	}
	return retry.Stop(err)
}

// retryingExecute runs fn under the retry budget, counting retried attempts.
func retryingExecute(ctx context.Context, cfg retry.BackoffConfig, fn func() error) error {
	attempt := 0
	return retry.WithRetryAdvanced(ctx, func() error {
		attempt++
		if attempt > 1 {
			metrics.RetriedOperationsTotal.WithLabelValues(cfg.OperationName).Inc()
		}
		return fn()
	}, cfg)
}

// readDatabase selects the database currently serving reads, honoring the
// use-primary context override for read-your-writes consistency.
func (rd *ResilientDB) readDatabase(ctx context.Context) (*db.Database, error) {
	role := "read"
	if use, ok := ctx.Value(consts.UsePrimaryKey).(bool); ok && use {
		role = "write"
	}
	pool, err := rd.fm.getHealthyPool(role)
	if err != nil {
		return nil, err
	}
	return pool.database, nil
}

// writeDatabase selects the database currently serving writes.
func (rd *ResilientDB) writeDatabase() (*db.Database, error) {
	pool, err := rd.fm.getHealthyPool("write")
	if err != nil {
		return nil, err
	}
	return pool.database, nil
}

// QueryWithRetry runs a read query with failover, circuit breaking and
// bounded retries, under the configured query timeout per attempt. The
// timeout stays armed while the caller iterates the rows and is released
// on Close; the returned rows must be closed by the caller.
func (rd *ResilientDB) QueryWithRetry(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := retryingExecute(ctx, readRetryConfig, func() error {
		opCtx, cancel := context.WithTimeout(ctx, rd.queryTimeout)
		result, err := rd.queryBreaker.Execute(func() (interface{}, error) {
			database, err := rd.readDatabase(ctx)
			if err != nil {
				return nil, err
			}
			return database.TimedQuery(opCtx, "resilient_query", sql, args...)
		})
		if err != nil {
			cancel()
			return rd.classifyRetry(err)
		}
		rows = &timedRows{Rows: result.(pgx.Rows), cancel: cancel}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// timedRows ties the per-attempt query deadline to the life of the row
// set: the deadline keeps bounding iteration and is released when the
// rows are closed.
type timedRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *timedRows) Close() {
	r.Rows.Close()
	r.cancel()
}

// QueryRowWithRetry returns a row whose Scan participates in the retry
// loop. pgx only surfaces query errors at Scan time, so the retry has to
// wrap the Scan itself.
func (rd *ResilientDB) QueryRowWithRetry(ctx context.Context, sql string, args ...any) pgx.Row {
	return &resilientRow{rd: rd, ctx: ctx, sql: sql, args: args}
}

type resilientRow struct {
	rd   *ResilientDB
	ctx  context.Context
	sql  string
	args []any
}

func (r *resilientRow) Scan(dest ...any) error {
	return retryingExecute(r.ctx, readRetryConfig, func() error {
		_, err := r.rd.queryBreaker.Execute(func() (interface{}, error) {
			database, err := r.rd.readDatabase(r.ctx)
			if err != nil {
				return nil, err
			}
			opCtx, cancel := context.WithTimeout(r.ctx, r.rd.queryTimeout)
			defer cancel()
			row := database.TimedQueryRow(opCtx, "resilient_query_row", r.sql, r.args...)
			return nil, row.Scan(dest...)
		})
		if errors.Is(err, pgx.ErrNoRows) {
			// Not a failure, never retried.
			return retry.Stop(err)
		}
		return r.rd.classifyRetry(err)
	})
}

// ExecWithRetry runs a write statement with failover, circuit breaking and
// bounded retries, under the configured write timeout per attempt.
func (rd *ResilientDB) ExecWithRetry(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := retryingExecute(ctx, writeRetryConfig, func() error {
		_, err := rd.writeBreaker.Execute(func() (interface{}, error) {
			database, err := rd.writeDatabase()
			if err != nil {
				return nil, err
			}
			opCtx, cancel := context.WithTimeout(ctx, rd.writeTimeout)
			defer cancel()

			start := time.Now()
			t, err := database.GetWritePool().Exec(opCtx, sql, args...)
			status := "success"
			if err != nil {
				status = "error"
			}
			metrics.DBQueriesTotal.WithLabelValues("resilient_exec", status, "write").Inc()
			metrics.DBQueryDuration.WithLabelValues("resilient_exec", "write").Observe(time.Since(start).Seconds())
			if err != nil {
				return nil, err
			}
			tag = t
			return nil, nil
		})
		return rd.classifyRetry(err)
	})
	return tag, err
}

// ExecInvalidating is ExecWithRetry plus cache invalidation for the tables
// the statement touches.
func (rd *ResilientDB) ExecInvalidating(ctx context.Context, tables []string, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, err := rd.ExecWithRetry(ctx, sql, args...)
	if err == nil {
		rd.Invalidate(tables...)
	}
	return tag, err
}

// BeginTxWithRetry starts a managed transaction on the current write pool,
// retrying transient begin failures.
func (rd *ResilientDB) BeginTxWithRetry(ctx context.Context) (*db.Tx, error) {
	var tx *db.Tx
	err := retryingExecute(ctx, writeRetryConfig, func() error {
		database, err := rd.writeDatabase()
		if err != nil {
			return retry.Stop(err)
		}
		tx, err = database.Begin(ctx)
		return rd.classifyRetry(err)
	})
	return tx, err
}

// WithTransactionRetry runs fn inside a managed transaction and commits.
// On transient failure the WHOLE function is re-run against a fresh
// transaction; fn must therefore be safe to re-execute. Serialization
// conflicts that survive the retry budget surface as ErrTransactionConflict.
func (rd *ResilientDB) WithTransactionRetry(ctx context.Context, fn func(ctx context.Context, tx *db.Tx) error) error {
	err := retryingExecute(ctx, txRetryConfig, func() error {
		database, err := rd.writeDatabase()
		if err != nil {
			return retry.Stop(err)
		}

		opCtx, cancel := context.WithTimeout(ctx, rd.writeTimeout)
		defer cancel()

		tx, err := database.Begin(opCtx)
		if err != nil {
			return rd.classifyRetry(err)
		}
		defer tx.Close(opCtx)

		if err := fn(opCtx, tx); err != nil {
			if db.IsSerializationConflict(err) {
				metrics.DBTransactionRetries.Inc()
			}
			return rd.classifyRetry(err)
		}

		if err := tx.Commit(opCtx); err != nil {
			if db.IsSerializationConflict(err) {
				metrics.DBTransactionRetries.Inc()
			}
			return rd.classifyRetry(err)
		}
		return nil
	})

	if err != nil && db.IsSerializationConflict(err) {
		return fmt.Errorf("%w: %v", db.ErrTransactionConflict, err)
	}
	return err
}

// RowCollector materializes a result set into a cacheable value plus a
// size estimate in bytes.
type RowCollector func(rows pgx.Rows) (any, int64, error)

// CachedQuery serves a read query through the cache. Logically identical
// queries share one cache entry and concurrent misses for the same key
// collapse into a single database round trip. The skip-cache context key
// bypasses the cache entirely.
func (rd *ResilientDB) CachedQuery(ctx context.Context, tables []string, sql string, args []any, collect RowCollector) (any, error) {
	if rd.cache == nil || skipCache(ctx) {
		value, _, err := rd.collectQuery(ctx, sql, args, collect)
		return value, err
	}

	key := querycache.Key(sql, args...)
	return rd.cache.GetOrCompute(ctx, key, tables, rd.defaultCacheTTL, func(ctx context.Context) (any, int64, error) {
		return rd.collectQuery(ctx, sql, args, collect)
	})
}

func (rd *ResilientDB) collectQuery(ctx context.Context, sql string, args []any, collect RowCollector) (any, int64, error) {
	rows, err := rd.QueryWithRetry(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collect(rows)
}

func skipCache(ctx context.Context) bool {
	skip, ok := ctx.Value(consts.SkipCacheKey).(bool)
	return ok && skip
}

// Invalidate drops cache entries tagged with any of the given tables.
func (rd *ResilientDB) Invalidate(tables ...string) {
	if rd.cache != nil {
		rd.cache.Invalidate(tables...)
	}
}

// InvalidateAll empties the query cache.
func (rd *ResilientDB) InvalidateAll() {
	if rd.cache != nil {
		rd.cache.InvalidateAll()
	}
}

// Migrate applies pending schema migrations through the current write
// pool and then empties the query cache: a schema change can alter what
// any cached statement would return.
func (rd *ResilientDB) Migrate(ctx context.Context) error {
	database, err := rd.writeDatabase()
	if err != nil {
		return err
	}
	return rd.migrateAndInvalidate(ctx, database.Migrate)
}

func (rd *ResilientDB) migrateAndInvalidate(ctx context.Context, run func(context.Context) error) error {
	if err := run(ctx); err != nil {
		return err
	}
	rd.InvalidateAll()
	return nil
}

// RestoreBackup replays a backup through the manager against the current
// write pool and drops cache entries for the restored tables. Cached
// results from before the restore must never be served afterwards.
func (rd *ResilientDB) RestoreBackup(ctx context.Context, bm *db.BackupManager, manifest *db.Manifest) error {
	if err := bm.Restore(ctx, manifest); err != nil {
		return err
	}
	tables := make([]string, 0, len(manifest.Tables))
	for _, tm := range manifest.Tables {
		tables = append(tables, tm.Name)
	}
	rd.Invalidate(tables...)
	return nil
}

// CacheStats returns cache statistics, or zero values when the cache is
// disabled.
func (rd *ResilientDB) CacheStats() querycache.Stats {
	if rd.cache == nil {
		return querycache.Stats{}
	}
	return rd.cache.Stats()
}

// Primary returns the database currently serving writes, for components
// that need a raw handle (migrations, backups).
func (rd *ResilientDB) Primary() (*db.Database, error) {
	return rd.writeDatabase()
}

// PoolHealth is one pool's health snapshot for operational tooling.
type PoolHealth struct {
	Role    string
	Host    string
	Healthy bool
	Current bool
}

// HealthStatus reports the failover state of both roles and every pool.
func (rd *ResilientDB) HealthStatus() (writeState, readState RoleState, pools []PoolHealth) {
	rd.fm.mu.RLock()
	defer rd.fm.mu.RUnlock()

	writeIdx := rd.fm.currentWriteIdx.Load()
	for i, p := range rd.fm.writePools {
		pools = append(pools, PoolHealth{
			Role: "write", Host: p.host,
			Healthy: p.isHealthy.Load(), Current: int64(i) == writeIdx,
		})
	}
	if rd.fm.readPoolsAreDistinct() {
		readIdx := rd.fm.currentReadIdx.Load()
		for i, p := range rd.fm.readPools {
			pools = append(pools, PoolHealth{
				Role: "read", Host: p.host,
				Healthy: p.isHealthy.Load(), Current: int64(i) == readIdx,
			})
		}
	}
	return rd.fm.WriteState(), rd.fm.ReadState(), pools
}

// startPoolMetrics periodically aggregates connection pool statistics
// across all managed pools into the Prometheus gauges.
func (rd *ResilientDB) startPoolMetrics(ctx context.Context) {
	rd.fm.wg.Add(1)
	go func() {
		defer rd.fm.wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-rd.fm.stopCh:
				return
			case <-ticker.C:
				rd.collectAggregatedPoolStats()
			}
		}
	}()
}

func (rd *ResilientDB) collectAggregatedPoolStats() {
	rd.fm.mu.RLock()
	defer rd.fm.mu.RUnlock()

	collect := func(pools []*DatabasePool, role string) {
		var total, idle, inUse, max int32
		exhausted := 0
		for _, p := range pools {
			if p.database == nil {
				continue
			}
			pool := p.database.WritePool
			if role == "read" {
				pool = p.database.ReadPool
			}
			if pool == nil {
				continue
			}
			stats := pool.Stat()
			total += stats.TotalConns()
			idle += stats.IdleConns()
			inUse += stats.AcquiredConns()
			max += stats.MaxConns()

			if stats.MaxConns() > 0 {
				utilization := float64(stats.AcquiredConns()) / float64(stats.MaxConns())
				if utilization > 0.95 {
					exhausted++
					logger.Warn("Pool near exhaustion", "role", role,
						"host", p.host, "utilization_pct", utilization*100)
				}
			}
		}
		metrics.DBPoolTotalConns.WithLabelValues(role).Set(float64(total))
		metrics.DBPoolIdleConns.WithLabelValues(role).Set(float64(idle))
		metrics.DBPoolInUseConns.WithLabelValues(role).Set(float64(inUse))
		if exhausted > 0 {
			metrics.DBPoolExhaustion.WithLabelValues(role).Add(float64(exhausted))
		}
	}

	collect(rd.fm.writePools, "write")
	if rd.fm.readPoolsAreDistinct() {
		collect(rd.fm.readPools, "read")
	} else {
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(0)
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(0)
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(0)
	}
}

// Close stops health checking, closes every pool and stops the cache.
func (rd *ResilientDB) Close() {
	rd.fm.Close()
	if rd.cache != nil {
		rd.cache.Stop()
	}
}
