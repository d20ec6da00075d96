package resilient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumzero/marketdb/consts"
	"github.com/quantumzero/marketdb/db"
	"github.com/quantumzero/marketdb/pkg/circuitbreaker"
	"github.com/quantumzero/marketdb/pkg/querycache"
	"github.com/quantumzero/marketdb/pkg/retry"
)

func TestClassifyRetry(t *testing.T) {
	rd := &ResilientDB{}

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"connection failure class 08", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"breaker open", circuitbreaker.ErrCircuitBreakerOpen, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := rd.classifyRetry(tc.err)
			require.Error(t, out)
			if tc.retryable {
				assert.False(t, retry.IsStopError(out), "expected retryable")
			} else {
				assert.True(t, retry.IsStopError(out), "expected permanent")
			}
		})
	}

	assert.NoError(t, rd.classifyRetry(nil))
}

func TestClassifyRetryPreservesOriginalError(t *testing.T) {
	rd := &ResilientDB{}

	pgErr := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	out := rd.classifyRetry(pgErr)

	var unwrapped *pgconn.PgError
	require.True(t, errors.As(out, &unwrapped))
	assert.Equal(t, "23505", unwrapped.Code)
}

func TestBreakerSuccessIgnoresBusinessErrors(t *testing.T) {
	assert.True(t, breakerSuccess(nil))
	assert.True(t, breakerSuccess(pgx.ErrNoRows))
	assert.True(t, breakerSuccess(&pgconn.PgError{Code: "23505"}), "constraint violations are not infrastructure failures")
	assert.True(t, breakerSuccess(db.ErrInvalidMarketData))

	assert.False(t, breakerSuccess(&pgconn.PgError{Code: "08006"}))
	assert.False(t, breakerSuccess(&pgconn.PgError{Code: "53300"}))
	assert.False(t, breakerSuccess(db.ErrConnectionLost))
}

func TestRetryingExecuteStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := retryingExecute(context.Background(), readRetryConfig, func() error {
		calls++
		return retry.Stop(errors.New("permanent"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors are never retried")
}

func TestRetryingExecuteRetriesTransientErrors(t *testing.T) {
	cfg := readRetryConfig
	cfg.InitialInterval = 1
	cfg.MaxInterval = 1
	cfg.Jitter = false

	calls := 0
	err := retryingExecute(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestSkipCacheContextKey(t *testing.T) {
	assert.False(t, skipCache(context.Background()))

	ctx := context.WithValue(context.Background(), consts.SkipCacheKey, true)
	assert.True(t, skipCache(ctx))
}

func newTestBreaker(name string) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     time.Hour, // recovery must come from the health probe
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})
}

func tripBreaker(t *testing.T, cb *circuitbreaker.CircuitBreaker) {
	t.Helper()
	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, db.ErrConnectionLost
		})
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.State())
}

func TestPoolRecoveryForcesBreakerHalfOpen(t *testing.T) {
	rd := &ResilientDB{
		fm:           newTestManager([]string{"pg1"}, []string{"replica1"}),
		queryBreaker: newTestBreaker("db_query"),
		writeBreaker: newTestBreaker("db_write"),
	}
	rd.wireBreakerRecovery()

	tripBreaker(t, rd.queryBreaker)
	tripBreaker(t, rd.writeBreaker)

	rd.fm.onPoolRecovered("read")
	assert.Equal(t, circuitbreaker.StateHalfOpen, rd.queryBreaker.State(),
		"a recovered read pool must not wait out the query breaker's open timeout")
	assert.Equal(t, circuitbreaker.StateOpen, rd.writeBreaker.State(),
		"read recovery leaves the write breaker alone")

	rd.fm.onPoolRecovered("write")
	assert.Equal(t, circuitbreaker.StateHalfOpen, rd.writeBreaker.State())
}

// stubRows is the minimal pgx.Rows double for close bookkeeping.
type stubRows struct {
	pgx.Rows
	closed bool
}

func (r *stubRows) Close() { r.closed = true }

func TestTimedRowsCloseReleasesDeadline(t *testing.T) {
	inner := &stubRows{}
	ctx, cancel := context.WithCancel(context.Background())

	rows := &timedRows{Rows: inner, cancel: cancel}
	rows.Close()

	assert.True(t, inner.closed)
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "closing the rows releases the attempt deadline")
}

func TestMigrateInvalidatesCache(t *testing.T) {
	rd := &ResilientDB{cache: querycache.New(8, 1<<20, time.Minute, 0), defaultCacheTTL: time.Minute}

	seed := func() {
		_, err := rd.cache.GetOrCompute(context.Background(), querycache.Key("SELECT 1"), nil, time.Minute,
			func(ctx context.Context) (any, int64, error) { return 1, 8, nil })
		require.NoError(t, err)
		require.Equal(t, 1, rd.cache.Stats().Entries)
	}

	seed()
	require.NoError(t, rd.migrateAndInvalidate(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, 0, rd.cache.Stats().Entries, "a schema change empties the cache")

	seed()
	migErr := errors.New("checksum mismatch")
	err := rd.migrateAndInvalidate(context.Background(), func(context.Context) error { return migErr })
	assert.ErrorIs(t, err, migErr)
	assert.Equal(t, 1, rd.cache.Stats().Entries, "a failed run leaves the cache alone")
}

func TestHealthStatusSnapshot(t *testing.T) {
	fm := newTestManager([]string{"pg1", "pg2"}, []string{"replica1"})
	fm.writePools[1].isHealthy.Store(false)
	rd := &ResilientDB{fm: fm}

	writeState, readState, pools := rd.HealthStatus()
	assert.Equal(t, StateHealthy, writeState)
	assert.Equal(t, StateHealthy, readState)
	require.Len(t, pools, 3)

	byHost := map[string]PoolHealth{}
	for _, p := range pools {
		byHost[p.Host] = p
	}
	assert.True(t, byHost["pg1"].Healthy)
	assert.True(t, byHost["pg1"].Current)
	assert.False(t, byHost["pg2"].Healthy)
	assert.True(t, byHost["replica1"].Current)
}
