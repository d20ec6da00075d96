// Package db implements the core database access layer: read/write split
// connection pools, managed transactions, schema migrations, market data
// operations, the audit log and the backup engine.
package db

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantumzero/marketdb/config"
	"github.com/quantumzero/marketdb/consts"
	"github.com/quantumzero/marketdb/logger"
	"github.com/quantumzero/marketdb/pkg/metrics"
)

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool

	// How long an operation may wait for a connection before the pool is
	// considered exhausted.
	acquireTimeout time.Duration
}

// DatabasePoolConfig holds configuration for the database connection pool.
type DatabasePoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	AcquireTimeout  time.Duration
}

// NewDatabase initializes a single-host database connection with default
// pool settings. Used by tests and the admin CLI against one endpoint.
func NewDatabase(ctx context.Context, host, port, user, password, dbname string, tlsMode bool, logQueries bool) (*Database, error) {
	return NewDatabaseWithPoolConfig(ctx, host, port, user, password, dbname, tlsMode, logQueries, nil)
}

func NewDatabaseWithPoolConfig(ctx context.Context, host, port, user, password, dbname string, tlsMode bool, logQueries bool, poolConfig *DatabasePoolConfig) (*Database, error) {
	sslMode := "disable"
	if tlsMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, dbname, sslMode)

	logger.Info("Connecting to database", "user", user, "host", host, "port", port, "name", dbname, "sslmode", sslMode)

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse connection string: %v", ErrConfiguration, err)
	}

	if logQueries {
		cfg.ConnConfig.Tracer = &QueryTracer{}
	}

	acquireTimeout := 5 * time.Second
	if poolConfig != nil {
		cfg.MaxConns = poolConfig.MaxConns
		cfg.MinConns = poolConfig.MinConns
		cfg.MaxConnLifetime = poolConfig.MaxConnLifetime
		cfg.MaxConnIdleTime = poolConfig.MaxConnIdleTime
		if poolConfig.AcquireTimeout > 0 {
			acquireTimeout = poolConfig.AcquireTimeout
		}
	}

	dbPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %v", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %v", err)
	}

	return &Database{
		WritePool:      dbPool,
		ReadPool:       dbPool, // Same pool if no read/write split
		acquireTimeout: acquireTimeout,
	}, nil
}

// NewDatabaseFromConfig creates a new database connection with read/write
// split configuration. It validates the configuration first; validation
// failures are fatal and wrapped in ErrConfiguration.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig, logQueries bool) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("%w: write database configuration is required", ErrConfiguration)
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, logQueries, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, logQueries, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("No read configuration specified, using write pool for read operations")
		readPool = writePool
	}

	acquireTimeout, err := dbConfig.Write.GetAcquireTimeout()
	if err != nil {
		writePool.Close()
		if readPool != writePool {
			readPool.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return &Database{
		WritePool:      writePool,
		ReadPool:       readPool,
		acquireTimeout: acquireTimeout,
	}, nil
}

// createPoolFromEndpoint creates a connection pool from an endpoint configuration.
func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("%w: at least one host must be specified", ErrConfiguration)
	}

	// Randomly select one host; the failover manager builds one pool per
	// host when runtime failover is enabled.
	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	return createPoolForHost(ctx, endpoint, selectedHost, logQueries, poolType)
}

// createPoolForHost creates a connection pool for one specific host of an
// endpoint. The failover manager uses this to build per-host pools.
func createPoolForHost(ctx context.Context, endpoint *config.DatabaseEndpointConfig, host string, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	selectedHost := host

	// Handle host:port combination.
	// Priority: 1) host:port in hosts array, 2) separate port field, 3) default 5432
	if !strings.Contains(selectedHost, ":") {
		portStr, err := endpoint.GetPort()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port value '%s': %v", ErrConfiguration, portStr, err)
		}
		selectedHost = fmt.Sprintf("%s:%d", selectedHost, port)
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, selectedHost, endpoint.Name, sslMode)

	logger.Info("Connecting to database", "role", poolType, "user", endpoint.User,
		"host", selectedHost, "name", endpoint.Name, "sslmode", sslMode, "hosts", endpoint.Hosts)

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse connection string: %v", ErrConfiguration, err)
	}

	if logQueries {
		cfg.ConnConfig.Tracer = &QueryTracer{}
	}

	if endpoint.MaxConns > 0 {
		cfg.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		cfg.MinConns = int32(endpoint.MinConns)
	}

	if endpoint.MaxConnLifetime != "" {
		lifetime, err := endpoint.GetMaxConnLifetime()
		if err != nil {
			return nil, fmt.Errorf("%w: invalid max_conn_lifetime: %v", ErrConfiguration, err)
		}
		cfg.MaxConnLifetime = lifetime
	}

	if endpoint.MaxConnIdleTime != "" {
		idleTime, err := endpoint.GetMaxConnIdleTime()
		if err != nil {
			return nil, fmt.Errorf("%w: invalid max_conn_idle_time: %v", ErrConfiguration, err)
		}
		cfg.MaxConnIdleTime = idleTime
	}

	dbPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %v", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %v", err)
	}

	logger.Info("Pool created", "role", poolType,
		"max_conns", dbPool.Config().MaxConns, "min_conns", dbPool.Config().MinConns,
		"max_lifetime", dbPool.Config().MaxConnLifetime, "max_idle", dbPool.Config().MaxConnIdleTime)

	return dbPool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

// collectPoolStats gathers stats from both read and write pools and updates metrics.
func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		stats := db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}

// PoolStats is a point-in-time snapshot of one pool's connection counts.
type PoolStats struct {
	Role     string
	Total    int32
	Idle     int32
	Acquired int32
	Max      int32
}

// Stats returns snapshots for the write and read pools.
func (db *Database) Stats() []PoolStats {
	var out []PoolStats
	if db.WritePool != nil {
		s := db.WritePool.Stat()
		out = append(out, PoolStats{Role: "write", Total: s.TotalConns(), Idle: s.IdleConns(), Acquired: s.AcquiredConns(), Max: s.MaxConns()})
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		s := db.ReadPool.Stat()
		out = append(out, PoolStats{Role: "read", Total: s.TotalConns(), Idle: s.IdleConns(), Acquired: s.AcquiredConns(), Max: s.MaxConns()})
	}
	return out
}

// GetWritePool returns the connection pool for write operations.
func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

// GetReadPool returns the connection pool for read operations.
func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

// GetReadPoolWithContext returns the appropriate pool for read operations,
// considering session pinning: after a write, reads from the same logical
// session go to the primary for read-your-writes consistency.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if usePrimary, ok := ctx.Value(consts.UsePrimaryKey).(bool); ok && usePrimary {
		return db.WritePool
	}
	return db.ReadPool
}

// AcquireTimeout returns how long callers may wait for a pooled connection.
func (db *Database) AcquireTimeout() time.Duration {
	if db.acquireTimeout <= 0 {
		return 5 * time.Second
	}
	return db.acquireTimeout
}

// WithConn acquires a connection from the given pool under the acquire
// timeout and runs fn with it. Exhaustion surfaces as ErrPoolExhausted.
func (db *Database) WithConn(ctx context.Context, pool *pgxpool.Pool, fn func(*pgxpool.Conn) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, db.AcquireTimeout())
	conn, err := pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		err = classifyAcquireError(err)
		if pool == db.WritePool {
			metrics.DBPoolExhaustion.WithLabelValues("write").Inc()
		} else {
			metrics.DBPoolExhaustion.WithLabelValues("read").Inc()
		}
		return err
	}
	defer conn.Release()

	return fn(conn)
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
}

// BeginTx starts a new transaction on the write pool and wraps it for
// metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.GetWritePool().Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &measuredTx{
		Tx:    tx,
		start: time.Now(),
	}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	}
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	// We count a rollback attempt even if the rollback itself fails.
	metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

// Database timing helpers for critical operations

// TimedQueryRow wraps QueryRow with duration metrics.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...interface{}) pgx.Row {
	start := time.Now()

	pool := db.GetReadPoolWithContext(ctx)
	row := pool.QueryRow(ctx, sql, args...)

	role := "read"
	if pool == db.WritePool {
		role = "write"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", role).Inc()

	return row
}

// TimedQuery wraps Query with duration metrics.
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()

	pool := db.GetReadPoolWithContext(ctx)
	rows, err := pool.Query(ctx, sql, args...)

	role := "read"
	if pool == db.WritePool {
		role = "write"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure", role).Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success", role).Inc()
	}

	return rows, err
}

// TimedExec wraps Exec with duration metrics. Write operations always use
// the write pool.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...interface{}) error {
	start := time.Now()

	pool := db.GetWritePool()
	_, err := pool.Exec(ctx, sql, args...)

	metrics.DBQueryDuration.WithLabelValues(operation, "write").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure", "write").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success", "write").Inc()
	}

	return err
}
