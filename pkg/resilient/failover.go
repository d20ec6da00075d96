// Package resilient provides a failover-aware facade over the database
// layer. It maintains one connection pool per configured host for both the
// write and read roles, monitors pool health with periodic heartbeats, and
// routes operations to a healthy pool:
//
//	                    ┌────────────────────┐
//	  QueryWithRetry ──▶│  ResilientDB       │
//	  ExecWithRetry  ──▶│  circuit breakers  │
//	                    │  retry w/ backoff  │
//	                    └─────────┬──────────┘
//	                              │
//	                    ┌─────────▼──────────┐
//	                    │  FailoverManager   │
//	                    │  write: [h1 h2]    │
//	                    │  read:  [r1 r2 r3] │
//	                    └────────────────────┘
//
// A pool that fails the configured number of consecutive heartbeats is
// marked unhealthy and traffic moves to the next healthy pool of the same
// role. Unhealthy pools keep being probed; after the configured number of
// consecutive successful probes they are marked healthy again, and for the
// primary write host traffic is moved back. Replicas that could not be
// dialed at startup are retried in the background with escalating backoff.
package resilient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantumzero/marketdb/config"
	"github.com/quantumzero/marketdb/db"
	"github.com/quantumzero/marketdb/logger"
	"github.com/quantumzero/marketdb/pkg/metrics"
)

// RoleState is the failover state of one role (write or read). Transitions
// are serialized by the manager's mutex and idempotent: re-entering the
// current state is a no-op.
type RoleState int32

const (
	StateHealthy RoleState = iota
	StateDegraded
	StateFailedOver
	StateRecovering
)

func (s RoleState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateFailedOver:
		return "failed_over"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// DatabasePool is one per-host database handle with its health bookkeeping.
type DatabasePool struct {
	database *db.Database
	host     string

	isHealthy    atomic.Bool
	failCount    atomic.Int32
	successCount atomic.Int32
	lastFailure  atomic.Int64 // unix seconds
}

// recordFailure notes a failed probe or operation. It returns true exactly
// once per outage: when the consecutive-failure count reaches the threshold
// and the pool flips from healthy to unhealthy.
func (p *DatabasePool) recordFailure(threshold int32) bool {
	p.successCount.Store(0)
	p.lastFailure.Store(time.Now().Unix())
	if p.failCount.Add(1) >= threshold {
		return p.isHealthy.CompareAndSwap(true, false)
	}
	return false
}

// recordSuccess notes a successful probe. It returns true exactly once per
// recovery: when the consecutive-success count reaches the threshold and
// the pool flips back to healthy.
func (p *DatabasePool) recordSuccess(threshold int32) bool {
	p.failCount.Store(0)
	if p.isHealthy.Load() {
		return false
	}
	if p.successCount.Add(1) >= threshold {
		if p.isHealthy.CompareAndSwap(false, true) {
			p.successCount.Store(0)
			return true
		}
	}
	return false
}

// Host returns the host this pool is connected to.
func (p *DatabasePool) Host() string { return p.host }

// Healthy reports the pool's current health flag.
func (p *DatabasePool) Healthy() bool { return p.isHealthy.Load() }

// FailedReplica tracks a read replica that could not be connected, so the
// health loop can keep retrying it with escalating backoff.
type FailedReplica struct {
	host        string
	endpoint    *config.DatabaseEndpointConfig
	failedAt    time.Time
	lastAttempt time.Time
	attempts    int
}

// reconnectDelay escalates 30s, 1m, 2m, 5m and then settles at 10m.
func (fr *FailedReplica) reconnectDelay() time.Duration {
	delays := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute}
	if fr.attempts < len(delays) {
		return delays[fr.attempts]
	}
	return 10 * time.Minute
}

// FailoverManager owns the per-host pools of both roles and decides which
// pool serves traffic. Selection is lock-free on the happy path: the
// current index is atomic and only swapped under the write lock when the
// current pool is unhealthy.
type FailoverManager struct {
	writePools []*DatabasePool
	readPools  []*DatabasePool

	currentWriteIdx atomic.Int64
	currentReadIdx  atomic.Int64

	writeState atomic.Int32
	readState  atomic.Int32

	mu             sync.RWMutex
	failedReplicas []*FailedReplica

	// onPoolRecovered is invoked when a probe flips a pool back to healthy,
	// so the facade can short-circuit its circuit breaker's open timeout.
	onPoolRecovered func(role string)

	heartbeatInterval time.Duration
	probeTimeout      time.Duration
	failureThreshold  int32
	recoveryThreshold int32

	logQueries bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// newFailoverManager builds one pool per configured host. The first write
// host that connects becomes the current write pool; write hosts and read
// replicas that fail to connect at startup are tracked and re-dialed in the
// background. At least one write pool must come up.
func newFailoverManager(ctx context.Context, dbConfig *config.DatabaseConfig, logQueries bool) (*FailoverManager, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("%w: write database configuration is required", db.ErrConfiguration)
	}

	heartbeat, err := dbConfig.Failover.GetHeartbeatInterval()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrConfiguration, err)
	}
	probeTimeout, err := dbConfig.Failover.GetProbeTimeout()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrConfiguration, err)
	}

	fm := &FailoverManager{
		heartbeatInterval: heartbeat,
		probeTimeout:      probeTimeout,
		failureThreshold:  int32(dbConfig.Failover.GetFailureThreshold()),
		recoveryThreshold: int32(dbConfig.Failover.GetRecoveryThreshold()),
		logQueries:        logQueries,
		stopCh:            make(chan struct{}),
	}

	for _, host := range dbConfig.Write.Hosts {
		pool, err := createDatabasePool(ctx, dbConfig.Write, host, logQueries)
		if err != nil {
			logger.Warn("Failed to connect to write host at startup",
				"component", "FAILOVER", "host", host, "error", err)
			continue
		}
		fm.writePools = append(fm.writePools, pool)
		metrics.PoolHealthy.WithLabelValues("write", host).Set(1)
	}
	if len(fm.writePools) == 0 {
		return nil, fmt.Errorf("failed to connect to any write host %v", dbConfig.Write.Hosts)
	}

	if dbConfig.Read != nil {
		for _, host := range dbConfig.Read.Hosts {
			pool, err := createDatabasePool(ctx, dbConfig.Read, host, logQueries)
			if err != nil {
				logger.Warn("Failed to connect to read replica at startup, will retry in background",
					"component", "FAILOVER", "host", host, "error", err)
				fm.failedReplicas = append(fm.failedReplicas, &FailedReplica{
					host:     host,
					endpoint: dbConfig.Read,
					failedAt: time.Now(),
				})
				continue
			}
			fm.readPools = append(fm.readPools, pool)
			metrics.PoolHealthy.WithLabelValues("read", host).Set(1)
		}
	}
	if len(fm.readPools) == 0 {
		// Reads fall back to the write pools until a replica comes up.
		fm.readPools = fm.writePools
		if dbConfig.Read != nil {
			logger.Warn("No read replica reachable, routing reads to write pools",
				"component", "FAILOVER")
		}
	}

	return fm, nil
}

// createDatabasePool connects a Database to exactly one host of an endpoint.
func createDatabasePool(ctx context.Context, endpoint *config.DatabaseEndpointConfig, host string, logQueries bool) (*DatabasePool, error) {
	single := *endpoint
	single.Hosts = []string{host}

	database, err := db.NewDatabaseFromConfig(ctx, &config.DatabaseConfig{Write: &single}, logQueries)
	if err != nil {
		return nil, err
	}

	pool := &DatabasePool{database: database, host: host}
	pool.isHealthy.Store(true)
	return pool, nil
}

// readPoolsAreDistinct reports whether the read pools are separate handles
// from the write pools (false while reads fall back to the write side).
func (fm *FailoverManager) readPoolsAreDistinct() bool {
	if len(fm.readPools) == 0 || len(fm.writePools) == 0 {
		return true
	}
	return fm.readPools[0] != fm.writePools[0]
}

func (fm *FailoverManager) poolsForRole(role string) ([]*DatabasePool, *atomic.Int64, *atomic.Int32) {
	if role == "write" {
		return fm.writePools, &fm.currentWriteIdx, &fm.writeState
	}
	return fm.readPools, &fm.currentReadIdx, &fm.readState
}

// getHealthyPool returns the pool currently serving the role. Fast path: the
// current pool is healthy, checked under the read lock. Slow path: take the
// write lock, re-check (another goroutine may have swapped already), then
// move the index to the next healthy pool. When every pool is unhealthy the
// current one is returned anyway so the operation can fail with a real error.
func (fm *FailoverManager) getHealthyPool(role string) (*DatabasePool, error) {
	// The pool slices are only read under fm.mu: the reconnect loop
	// reassigns them when a replica comes back.
	fm.mu.RLock()
	pools, currentIdx, _ := fm.poolsForRole(role)
	if len(pools) == 0 {
		fm.mu.RUnlock()
		return nil, fmt.Errorf("no %s pools available", role)
	}
	idx := currentIdx.Load()
	if int(idx) >= len(pools) {
		idx = 0
	}
	pool := pools[idx]
	if pool.isHealthy.Load() {
		fm.mu.RUnlock()
		return pool, nil
	}
	fm.mu.RUnlock()

	fm.mu.Lock()
	defer fm.mu.Unlock()

	// Re-fetch and double-check after acquiring the write lock: another
	// goroutine may have swapped the index, or the reconnect loop may have
	// replaced the pool set entirely.
	pools, currentIdx, _ = fm.poolsForRole(role)
	if len(pools) == 0 {
		return nil, fmt.Errorf("no %s pools available", role)
	}
	idx = currentIdx.Load()
	if int(idx) >= len(pools) {
		idx = 0
		currentIdx.Store(0)
	}
	pool = pools[idx]
	if pool.isHealthy.Load() {
		return pool, nil
	}

	for i := 1; i <= len(pools); i++ {
		candidate := (idx + int64(i)) % int64(len(pools))
		if pools[candidate].isHealthy.Load() {
			fm.failoverLocked(role, idx, candidate)
			return pools[candidate], nil
		}
	}

	logger.Error("All pools unhealthy, returning current pool as last resort",
		"component", "FAILOVER", "role", role, "host", pool.host)
	return pool, nil
}

// failoverLocked moves the role's current index and records the transition.
// Callers must hold fm.mu.
func (fm *FailoverManager) failoverLocked(role string, from, to int64) {
	pools, currentIdx, state := fm.poolsForRole(role)
	currentIdx.Store(to)

	fromHost, toHost := pools[from].host, pools[to].host
	fm.transitionLocked(role, state, StateFailedOver,
		fmt.Sprintf("failover from %s to %s", fromHost, toHost))
	logger.Warn("Failing over", "component", "FAILOVER",
		"role", role, "from", fromHost, "to", toHost)
}

// transitionLocked records a role state change. Entering the current state
// again is a no-op, which makes repeated failure handling idempotent.
// Callers must hold fm.mu.
func (fm *FailoverManager) transitionLocked(role string, state *atomic.Int32, to RoleState, reason string) {
	from := RoleState(state.Load())
	if from == to {
		return
	}
	state.Store(int32(to))

	transition := from.String() + "_to_" + to.String()
	metrics.FailoverEventsTotal.WithLabelValues(role, transition).Inc()
	logger.Info("Failover state transition", "component", "FAILOVER",
		"role", role, "from", from.String(), "to", to.String(), "reason", reason)

	fm.auditLocked(role, transition, reason)
}

// auditLocked writes the transition to the system_logs audit table through
// whichever write pool is currently serving. Best effort.
func (fm *FailoverManager) auditLocked(role, transition, reason string) {
	idx := fm.currentWriteIdx.Load()
	if int(idx) >= len(fm.writePools) {
		return
	}
	database := fm.writePools[idx].database
	if database == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fm.probeTimeout)
	defer cancel()
	database.LogEvent(ctx, "WARNING", db.ComponentFailover, reason,
		map[string]any{"role": role, "transition": transition})
}

// WriteState returns the write role's current failover state.
func (fm *FailoverManager) WriteState() RoleState { return RoleState(fm.writeState.Load()) }

// ReadState returns the read role's current failover state.
func (fm *FailoverManager) ReadState() RoleState { return RoleState(fm.readState.Load()) }

// startHealthChecking launches the heartbeat loop.
func (fm *FailoverManager) startHealthChecking(ctx context.Context) {
	fm.wg.Add(1)
	go func() {
		defer fm.wg.Done()
		ticker := time.NewTicker(fm.heartbeatInterval)
		defer ticker.Stop()

		logger.Info("Starting pool health checks", "component", "FAILOVER",
			"interval", fm.heartbeatInterval, "probe_timeout", fm.probeTimeout,
			"failure_threshold", fm.failureThreshold, "recovery_threshold", fm.recoveryThreshold)

		for {
			select {
			case <-ctx.Done():
				return
			case <-fm.stopCh:
				return
			case <-ticker.C:
				fm.performHealthChecks(ctx)
				fm.attemptReconnectFailedReplicas(ctx)
			}
		}
	}()
}

// performHealthChecks probes every pool of both roles concurrently.
func (fm *FailoverManager) performHealthChecks(ctx context.Context) {
	fm.mu.RLock()
	var targets []struct {
		pool *DatabasePool
		role string
	}
	for _, p := range fm.writePools {
		targets = append(targets, struct {
			pool *DatabasePool
			role string
		}{p, "write"})
	}
	if fm.readPoolsAreDistinct() {
		for _, p := range fm.readPools {
			targets = append(targets, struct {
				pool *DatabasePool
				role string
			}{p, "read"})
		}
	}
	fm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(pool *DatabasePool, role string) {
			defer wg.Done()
			fm.checkPoolHealth(ctx, pool, role)
		}(t.pool, t.role)
	}
	wg.Wait()

	fm.settleRoleStates()
}

// checkPoolHealth pings one pool and applies the failure/recovery thresholds.
func (fm *FailoverManager) checkPoolHealth(ctx context.Context, pool *DatabasePool, role string) {
	probeCtx, cancel := context.WithTimeout(ctx, fm.probeTimeout)
	defer cancel()

	var err error
	if role == "write" {
		err = pool.database.WritePool.Ping(probeCtx)
	} else {
		err = pool.database.ReadPool.Ping(probeCtx)
	}

	if err != nil {
		metrics.HeartbeatFailures.WithLabelValues(role, pool.host).Inc()
		wasFlipped := pool.recordFailure(fm.failureThreshold)
		logger.Warn("Pool heartbeat failed", "component", "FAILOVER",
			"role", role, "host", pool.host,
			"consecutive_failures", pool.failCount.Load(), "error", err)
		if wasFlipped {
			metrics.PoolHealthy.WithLabelValues(role, pool.host).Set(0)
			fm.mu.Lock()
			_, _, state := fm.poolsForRole(role)
			fm.transitionLocked(role, state, StateDegraded,
				fmt.Sprintf("host %s unhealthy after %d consecutive heartbeat failures", pool.host, fm.failureThreshold))
			fm.mu.Unlock()
		}
		return
	}

	if pool.recordSuccess(fm.recoveryThreshold) {
		metrics.PoolHealthy.WithLabelValues(role, pool.host).Set(1)
		logger.Info("Pool recovered", "component", "FAILOVER",
			"role", role, "host", pool.host)
		fm.mu.Lock()
		_, _, state := fm.poolsForRole(role)
		fm.transitionLocked(role, state, StateRecovering,
			fmt.Sprintf("host %s healthy after %d consecutive successful probes", pool.host, fm.recoveryThreshold))
		fm.failBackLocked(role)
		fm.mu.Unlock()

		if fm.onPoolRecovered != nil {
			fm.onPoolRecovered(role)
		}
	}
}

// failBackLocked moves traffic back to the preferred (first-configured)
// host of a role once it is healthy again. Callers must hold fm.mu.
func (fm *FailoverManager) failBackLocked(role string) {
	pools, currentIdx, _ := fm.poolsForRole(role)
	if len(pools) == 0 {
		return
	}
	idx := currentIdx.Load()
	if idx != 0 && pools[0].isHealthy.Load() {
		currentIdx.Store(0)
		transition := "recovering_to_healthy"
		metrics.FailoverEventsTotal.WithLabelValues(role, transition).Inc()
		logger.Info("Failing back to preferred host", "component", "FAILOVER",
			"role", role, "from", pools[idx].host, "to", pools[0].host)
		fm.auditLocked(role, transition,
			fmt.Sprintf("failback from %s to preferred host %s", pools[idx].host, pools[0].host))
	}
}

// settleRoleStates returns a role to Healthy when every one of its pools is
// healthy again, completing the Recovering leg of the state machine.
func (fm *FailoverManager) settleRoleStates() {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	settle := func(role string) {
		pools, _, state := fm.poolsForRole(role)
		for _, p := range pools {
			if !p.isHealthy.Load() {
				return
			}
		}
		fm.transitionLocked(role, state, StateHealthy, "all pools healthy")
	}
	settle("write")
	if fm.readPoolsAreDistinct() {
		settle("read")
	}
}

// attemptReconnectFailedReplicas re-dials replicas that failed at startup,
// with escalating backoff per replica.
func (fm *FailoverManager) attemptReconnectFailedReplicas(ctx context.Context) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	now := time.Now()
	for i := len(fm.failedReplicas) - 1; i >= 0; i-- {
		replica := fm.failedReplicas[i]
		if !replica.lastAttempt.IsZero() && now.Sub(replica.lastAttempt) < replica.reconnectDelay() {
			continue
		}
		replica.lastAttempt = now
		replica.attempts++

		pool, err := createDatabasePool(ctx, replica.endpoint, replica.host, fm.logQueries)
		if err != nil {
			logger.Debug("Read replica still unreachable", "component", "FAILOVER",
				"host", replica.host, "attempts", replica.attempts,
				"next_retry_in", replica.reconnectDelay())
			continue
		}

		logger.Info("Reconnected to read replica", "component", "FAILOVER",
			"host", replica.host, "downtime", now.Sub(replica.failedAt))
		metrics.PoolHealthy.WithLabelValues("read", replica.host).Set(1)

		wasFallingBack := !fm.readPoolsAreDistinct()
		if wasFallingBack {
			fm.readPools = nil
		}
		fm.readPools = append(fm.readPools, pool)
		if wasFallingBack {
			fm.currentReadIdx.Store(0)
			logger.Info("Switching reads from write pools to dedicated replica",
				"component", "FAILOVER", "host", replica.host)
		}

		fm.failedReplicas = append(fm.failedReplicas[:i], fm.failedReplicas[i+1:]...)
	}
}

// Close stops the health loop and closes every distinct pool.
func (fm *FailoverManager) Close() {
	fm.stopOnce.Do(func() { close(fm.stopCh) })
	fm.wg.Wait()

	fm.mu.Lock()
	defer fm.mu.Unlock()

	closed := make(map[*DatabasePool]bool)
	for _, p := range fm.writePools {
		if !closed[p] && p.database != nil {
			p.database.Close()
			closed[p] = true
		}
	}
	for _, p := range fm.readPools {
		if !closed[p] && p.database != nil {
			p.database.Close()
			closed[p] = true
		}
	}
}
