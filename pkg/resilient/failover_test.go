package resilient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(writeHosts, readHosts []string) *FailoverManager {
	fm := &FailoverManager{
		heartbeatInterval: time.Second,
		probeTimeout:      time.Second,
		failureThreshold:  3,
		recoveryThreshold: 2,
		stopCh:            make(chan struct{}),
	}
	for _, h := range writeHosts {
		p := &DatabasePool{host: h}
		p.isHealthy.Store(true)
		fm.writePools = append(fm.writePools, p)
	}
	for _, h := range readHosts {
		p := &DatabasePool{host: h}
		p.isHealthy.Store(true)
		fm.readPools = append(fm.readPools, p)
	}
	if len(readHosts) == 0 {
		fm.readPools = fm.writePools
	}
	return fm
}

func TestGetHealthyPoolFastPath(t *testing.T) {
	fm := newTestManager([]string{"pg1", "pg2"}, nil)

	pool, err := fm.getHealthyPool("write")
	require.NoError(t, err)
	assert.Equal(t, "pg1", pool.Host())
	assert.Equal(t, int64(0), fm.currentWriteIdx.Load())
	assert.Equal(t, StateHealthy, fm.WriteState())
}

func TestFailoverSwitchesToNextHealthyPool(t *testing.T) {
	fm := newTestManager([]string{"pg1", "pg2", "pg3"}, nil)

	fm.writePools[0].isHealthy.Store(false)

	pool, err := fm.getHealthyPool("write")
	require.NoError(t, err)
	assert.Equal(t, "pg2", pool.Host())
	assert.Equal(t, int64(1), fm.currentWriteIdx.Load())
	assert.Equal(t, StateFailedOver, fm.WriteState())

	// Subsequent selections stick with the new pool.
	for i := 0; i < 5; i++ {
		pool, err = fm.getHealthyPool("write")
		require.NoError(t, err)
		assert.Equal(t, "pg2", pool.Host())
	}
}

func TestFailoverSkipsUnhealthyPools(t *testing.T) {
	fm := newTestManager([]string{"pg1", "pg2", "pg3"}, nil)

	fm.writePools[0].isHealthy.Store(false)
	fm.writePools[1].isHealthy.Store(false)

	pool, err := fm.getHealthyPool("write")
	require.NoError(t, err)
	assert.Equal(t, "pg3", pool.Host())
}

func TestAllPoolsUnhealthyReturnsCurrentAsLastResort(t *testing.T) {
	fm := newTestManager([]string{"pg1", "pg2"}, nil)

	for _, p := range fm.writePools {
		p.isHealthy.Store(false)
	}

	pool, err := fm.getHealthyPool("write")
	require.NoError(t, err)
	require.NotNil(t, pool)
	assert.Equal(t, "pg1", pool.Host())
	// No index churn when there is nowhere better to go.
	assert.Equal(t, int64(0), fm.currentWriteIdx.Load())
}

func TestReadRoleFailsOverIndependently(t *testing.T) {
	fm := newTestManager([]string{"pg1"}, []string{"replica1", "replica2"})

	fm.readPools[0].isHealthy.Store(false)

	pool, err := fm.getHealthyPool("read")
	require.NoError(t, err)
	assert.Equal(t, "replica2", pool.Host())
	assert.Equal(t, StateFailedOver, fm.ReadState())
	assert.Equal(t, StateHealthy, fm.WriteState(), "write role is unaffected")
}

func TestGetHealthyPoolSeesReplicaSwap(t *testing.T) {
	// Reads start on the write pools; a reconnecting replica replaces the
	// read pool set under the manager lock while selections are in flight.
	fm := newTestManager([]string{"pg1"}, nil)

	replica := &DatabasePool{host: "replica1"}
	replica.isHealthy.Store(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_, _ = fm.getHealthyPool("read")
		}
	}()

	for i := 0; i < 500; i++ {
		fm.mu.Lock()
		if i%2 == 0 {
			fm.readPools = []*DatabasePool{replica}
		} else {
			fm.readPools = fm.writePools
		}
		fm.currentReadIdx.Store(0)
		fm.mu.Unlock()
	}
	<-done

	fm.mu.Lock()
	fm.readPools = []*DatabasePool{replica}
	fm.currentReadIdx.Store(0)
	fm.mu.Unlock()

	pool, err := fm.getHealthyPool("read")
	require.NoError(t, err)
	assert.Equal(t, "replica1", pool.Host())
}

func TestGetHealthyPoolClampsStaleIndex(t *testing.T) {
	fm := newTestManager([]string{"pg1", "pg2", "pg3"}, nil)
	fm.currentReadIdx.Store(2)

	// The reconnect loop shrinks the read pool set to a single replica.
	replica := &DatabasePool{host: "replica1"}
	replica.isHealthy.Store(true)
	fm.mu.Lock()
	fm.readPools = []*DatabasePool{replica}
	fm.mu.Unlock()

	pool, err := fm.getHealthyPool("read")
	require.NoError(t, err)
	assert.Equal(t, "replica1", pool.Host())
}

func TestRecordFailureFlipsOnceAtThreshold(t *testing.T) {
	p := &DatabasePool{host: "pg1"}
	p.isHealthy.Store(true)

	assert.False(t, p.recordFailure(3))
	assert.False(t, p.recordFailure(3))
	assert.True(t, p.recordFailure(3), "flip exactly at the threshold")
	assert.False(t, p.Healthy())

	// Repeated failures after the flip are idempotent.
	assert.False(t, p.recordFailure(3))
	assert.False(t, p.recordFailure(3))
	assert.False(t, p.Healthy())
}

func TestRecordSuccessRequiresConsecutiveProbes(t *testing.T) {
	p := &DatabasePool{host: "pg1"}
	p.isHealthy.Store(false)

	assert.False(t, p.recordSuccess(2))
	assert.True(t, p.recordSuccess(2))
	assert.True(t, p.Healthy())

	// Success on an already-healthy pool changes nothing.
	assert.False(t, p.recordSuccess(2))
}

func TestRecordFailureResetsRecoveryProgress(t *testing.T) {
	p := &DatabasePool{host: "pg1"}
	p.isHealthy.Store(false)

	assert.False(t, p.recordSuccess(3))
	assert.False(t, p.recordSuccess(3))
	assert.False(t, p.recordFailure(3), "a single failure resets the success streak")
	assert.False(t, p.recordSuccess(3))
	assert.False(t, p.recordSuccess(3))
	assert.True(t, p.recordSuccess(3))
}

func TestTransitionIsIdempotent(t *testing.T) {
	fm := newTestManager([]string{"pg1", "pg2"}, nil)

	fm.mu.Lock()
	fm.transitionLocked("write", &fm.writeState, StateDegraded, "test")
	fm.transitionLocked("write", &fm.writeState, StateDegraded, "test again")
	fm.mu.Unlock()

	assert.Equal(t, StateDegraded, fm.WriteState())
}

func TestFailBackToPreferredHost(t *testing.T) {
	fm := newTestManager([]string{"pg1", "pg2"}, nil)

	// Fail over to pg2, then bring pg1 back.
	fm.writePools[0].isHealthy.Store(false)
	_, err := fm.getHealthyPool("write")
	require.NoError(t, err)
	require.Equal(t, int64(1), fm.currentWriteIdx.Load())

	fm.writePools[0].isHealthy.Store(true)
	fm.mu.Lock()
	fm.failBackLocked("write")
	fm.mu.Unlock()

	assert.Equal(t, int64(0), fm.currentWriteIdx.Load())

	pool, err := fm.getHealthyPool("write")
	require.NoError(t, err)
	assert.Equal(t, "pg1", pool.Host())
}

func TestSettleRoleStatesReturnsToHealthy(t *testing.T) {
	fm := newTestManager([]string{"pg1", "pg2"}, nil)
	fm.writeState.Store(int32(StateRecovering))

	fm.settleRoleStates()
	assert.Equal(t, StateHealthy, fm.WriteState())

	// Not settled while any pool is still down.
	fm.writeState.Store(int32(StateDegraded))
	fm.writePools[1].isHealthy.Store(false)
	fm.settleRoleStates()
	assert.Equal(t, StateDegraded, fm.WriteState())
}

func TestReconnectDelayEscalates(t *testing.T) {
	fr := &FailedReplica{host: "replica1"}

	expected := []time.Duration{
		30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute,
		10 * time.Minute, 10 * time.Minute,
	}
	for i, want := range expected {
		assert.Equal(t, want, fr.reconnectDelay(), "attempt %d", i)
		fr.attempts++
	}
}

func TestReadPoolsAreDistinct(t *testing.T) {
	shared := newTestManager([]string{"pg1"}, nil)
	assert.False(t, shared.readPoolsAreDistinct())

	split := newTestManager([]string{"pg1"}, []string{"replica1"})
	assert.True(t, split.readPoolsAreDistinct())
}

func TestRoleStateString(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "failed_over", StateFailedOver.String())
	assert.Equal(t, "recovering", StateRecovering.String())
}
