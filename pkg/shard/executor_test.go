package shard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/memgate/pkg/store"
	"github.com/harun/memgate/pkg/store/memstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(threshold int) (*Executor, *memstore.Store) {
	st := memstore.New("episodic", "semantic", "procedural", "association")
	reg := NewRegistry(DefaultShards("", ""), threshold)
	exec := NewExecutor(reg, st, ExecutorConfig{
		DefaultTimeout: time.Second,
		Logger:         zerolog.Nop(),
	})
	return exec, st
}

func TestExecutorFailFastAfterThreshold(t *testing.T) {
	ctx := context.Background()
	exec, st := newTestExecutor(2)
	st.SetDown("episodic", true)

	for i := 0; i < 2; i++ {
		_, err := exec.Execute(ctx, Episodic, store.Ping(), CallOptions{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrShardQuery))
	}
	assert.Equal(t, StatusOffline, exec.Registry().Status(Episodic))
	assert.Equal(t, 2, st.Calls("episodic", store.OpPing))

	_, err := exec.Execute(ctx, Episodic, store.Search([]string{"x"}, 5, time.Now()), CallOptions{})
	assert.True(t, errors.Is(err, ErrShardOffline))
	assert.Zero(t, st.Calls("episodic", store.OpSearch), "offline shards are never contacted")

	var offline *OfflineError
	require.ErrorAs(t, err, &offline)
	assert.Equal(t, Episodic, offline.Shard)
}

func TestExecutorHealthCheckBypassesFailFast(t *testing.T) {
	ctx := context.Background()
	exec, st := newTestExecutor(1)

	var recovered atomic.Int32
	exec.OnRecover(func(c Category) {
		if c == Episodic {
			recovered.Add(1)
		}
	})

	st.SetDown("episodic", true)
	_, _ = exec.Execute(ctx, Episodic, store.Ping(), CallOptions{})
	require.Equal(t, StatusOffline, exec.Registry().Status(Episodic))

	st.SetDown("episodic", false)
	_, err := exec.Execute(ctx, Episodic, store.Ping(), CallOptions{AllowOffline: true})
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, exec.Registry().Status(Episodic))
	assert.Equal(t, int32(1), recovered.Load())

	_, err = exec.Execute(ctx, Episodic, store.Ping(), CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), recovered.Load(), "hooks fire on transitions only")
}

func TestExecutorOfflineHook(t *testing.T) {
	ctx := context.Background()
	exec, st := newTestExecutor(2)

	var (
		mu      sync.Mutex
		offline []Category
		cause   error
	)
	exec.OnOffline(func(c Category, err error) {
		mu.Lock()
		defer mu.Unlock()
		offline = append(offline, c)
		cause = err
	})

	st.SetDown("semantic", true)
	_, _ = exec.Execute(ctx, Semantic, store.Ping(), CallOptions{})
	mu.Lock()
	assert.Empty(t, offline, "one failure is below the threshold")
	mu.Unlock()

	_, _ = exec.Execute(ctx, Semantic, store.Ping(), CallOptions{AllowOffline: true})
	_, _ = exec.Execute(ctx, Semantic, store.Ping(), CallOptions{AllowOffline: true})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Category{Semantic}, offline, "hooks fire on transitions only")
	assert.ErrorIs(t, cause, store.ErrUnreachable)
}

func TestExecutorHookMayRegisterHooks(t *testing.T) {
	ctx := context.Background()
	exec, st := newTestExecutor(1)

	var late atomic.Int32
	exec.OnOffline(func(c Category, err error) {
		exec.OnOffline(func(Category, error) { late.Add(1) })
		exec.OnRecover(func(Category) { late.Add(1) })
	})

	st.SetDown("procedural", true)
	_, _ = exec.Execute(ctx, Procedural, store.Ping(), CallOptions{})
	require.Equal(t, StatusOffline, exec.Registry().Status(Procedural))
	assert.Zero(t, late.Load(), "hooks added during a notification wait for the next transition")

	st.SetDown("procedural", false)
	_, err := exec.Execute(ctx, Procedural, store.Ping(), CallOptions{AllowOffline: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), late.Load())
}

func TestExecutorTimeoutCountsAsFailure(t *testing.T) {
	exec, st := newTestExecutor(2)
	st.SetLatency("semantic", 200*time.Millisecond)

	_, err := exec.Execute(context.Background(), Semantic, store.Ping(), CallOptions{Timeout: 10 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShardTimeout))

	h, _ := exec.Registry().Health(Semantic)
	assert.Equal(t, 1, h.ConsecutiveFailures)
}

func TestExecutorUnknownShard(t *testing.T) {
	exec, _ := newTestExecutor(2)
	_, err := exec.Execute(context.Background(), Category("bogus"), store.Ping(), CallOptions{})
	assert.True(t, errors.Is(err, ErrUnknownShard))
}

func TestMonitorCheckNowRecoversShard(t *testing.T) {
	ctx := context.Background()
	exec, st := newTestExecutor(2)
	mon := NewMonitor(exec, MonitorConfig{CheckTimeout: 100 * time.Millisecond})

	st.SetDown("procedural", true)
	mon.CheckNow(ctx)
	snap := mon.CheckNow(ctx)
	for _, sh := range snap {
		if sh.Category == Procedural {
			assert.Equal(t, StatusOffline, sh.Status)
		} else {
			assert.Equal(t, StatusOnline, sh.Status)
		}
	}

	st.SetDown("procedural", false)
	mon.CheckNow(ctx)
	assert.Equal(t, StatusOnline, exec.Registry().Status(Procedural))
}

func TestMonitorRunsInitialCheck(t *testing.T) {
	exec, st := newTestExecutor(2)
	mon := NewMonitor(exec, MonitorConfig{
		Interval:     time.Hour,
		InitialDelay: 5 * time.Millisecond,
	})
	mon.Start(context.Background())
	defer mon.Stop()

	assert.Eventually(t, func() bool {
		return len(exec.Registry().Online()) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, st.Calls("association", store.OpPing))
}
