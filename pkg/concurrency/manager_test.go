package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForkBudgetRespected(t *testing.T) {
	m := New(2)
	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx := context.Background()
			g, err := m.Acquire(ctx, "command", "host", ModuleSpec{Hint: FullyParallel})
			require.NoError(t, err)
			defer g.Release()

			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if cur <= old || atomic.CompareAndSwapInt32(&maxSeen, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, int(maxSeen), 2)
}

func TestHostExclusiveSerializesPerHost(t *testing.T) {
	m := New(8)
	var active int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			g, err := m.Acquire(ctx, "yum", "web1", ModuleSpec{Hint: HostExclusive})
			require.NoError(t, err)
			defer g.Release()

			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if cur <= old || atomic.CompareAndSwapInt32(&maxSeen, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestHostExclusiveAllowsDifferentHostsConcurrently(t *testing.T) {
	m := New(8)
	ctx := context.Background()
	g1, err := m.Acquire(ctx, "yum", "web1", ModuleSpec{Hint: HostExclusive})
	require.NoError(t, err)
	defer g1.Release()

	done := make(chan struct{})
	go func() {
		g2, err := m.Acquire(ctx, "yum", "web2", ModuleSpec{Hint: HostExclusive})
		require.NoError(t, err)
		g2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("host-exclusive guard for a different host should not block")
	}
}

func TestGloballyExclusiveAllowsOnlyOneAtATime(t *testing.T) {
	m := New(8)
	var active int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			ctx := context.Background()
			g, err := m.Acquire(ctx, "apt", host, ModuleSpec{Hint: GloballyExclusive})
			require.NoError(t, err)
			defer g.Release()

			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if cur <= old || atomic.CompareAndSwapInt32(&maxSeen, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}(string(rune('a' + i)))
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestRateLimitedThrottlesDispatch(t *testing.T) {
	m := New(8)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		g, err := m.Acquire(ctx, "api_call", "host", ModuleSpec{Hint: RateLimited, Rate: RateLimit{PerSecond: 2}})
		require.NoError(t, err)
		g.Release()
	}
	// burst capacity is 2 tokens; the 3rd acquire must wait for refill.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestCancellationDoesNotLeakForkBudget(t *testing.T) {
	m := New(1)
	ctx := context.Background()

	g1, err := m.Acquire(ctx, "command", "host1", ModuleSpec{Hint: FullyParallel})
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Acquire(cancelCtx, "command", "host2", ModuleSpec{Hint: FullyParallel})
	assert.Error(t, err)

	g1.Release()

	// budget must still be exactly 1: a fresh acquire on a live context
	// succeeds promptly.
	done := make(chan struct{})
	go func() {
		g2, err := m.Acquire(context.Background(), "command", "host3", ModuleSpec{Hint: FullyParallel})
		require.NoError(t, err)
		g2.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("fork budget appears leaked after a cancelled acquire")
	}
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	m := New(1)
	ctx := context.Background()
	g, err := m.Acquire(ctx, "command", "host", ModuleSpec{Hint: HostExclusive})
	require.NoError(t, err)
	g.Release()
	assert.NotPanics(t, func() { g.Release() })
}
