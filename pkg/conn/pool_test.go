package conn

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	healthy int32
	closed  int32
}

func (f *fakeConn) Healthy(ctx context.Context) bool { return atomic.LoadInt32(&f.healthy) != 0 }
func (f *fakeConn) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func TestAcquireReusesPooledConnection(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context, host, auth string) (Connection, error) {
		atomic.AddInt32(&dials, 1)
		return &fakeConn{healthy: 1}, nil
	}
	p := New(dial, 0, nil)
	defer p.Close()

	g1, err := p.Acquire(context.Background(), "web1", "root")
	require.NoError(t, err)
	g1.Release()

	g2, err := p.Acquire(context.Background(), "web1", "root")
	require.NoError(t, err)
	g2.Release()

	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))
}

func TestConcurrentFirstConnectCoalesces(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context, host, auth string) (Connection, error) {
		atomic.AddInt32(&dials, 1)
		time.Sleep(20 * time.Millisecond)
		return &fakeConn{healthy: 1}, nil
	}
	p := New(dial, 0, nil)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := p.Acquire(context.Background(), "web1", "root")
			require.NoError(t, err)
			g.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))
}

func TestMarkFailedEvictsAfterThreshold(t *testing.T) {
	dial := func(ctx context.Context, host, auth string) (Connection, error) {
		return &fakeConn{healthy: 1}, nil
	}
	p := New(dial, 0, nil)
	defer p.Close()

	_, err := p.Acquire(context.Background(), "web1", "root")
	require.NoError(t, err)

	p.MarkFailed("web1", "root")
	p.MarkFailed("web1", "root")
	_, err = p.Acquire(context.Background(), "web1", "root")
	require.NoError(t, err)

	p.MarkFailed("web1", "root")
	_, err = p.Acquire(context.Background(), "web1", "root")
	assert.Error(t, err)
}

func TestMarkHealthyResetsFailureCount(t *testing.T) {
	dial := func(ctx context.Context, host, auth string) (Connection, error) {
		return &fakeConn{healthy: 1}, nil
	}
	p := New(dial, 0, nil)
	defer p.Close()

	_, err := p.Acquire(context.Background(), "web1", "root")
	require.NoError(t, err)

	p.MarkFailed("web1", "root")
	p.MarkFailed("web1", "root")
	p.MarkHealthy("web1", "root")
	p.MarkFailed("web1", "root")
	p.MarkFailed("web1", "root")

	_, err = p.Acquire(context.Background(), "web1", "root")
	assert.NoError(t, err)
}

func TestDeepHealthCheckEvictsUnhealthy(t *testing.T) {
	c := &fakeConn{healthy: 0}
	dial := func(ctx context.Context, host, auth string) (Connection, error) {
		return c, nil
	}
	p := New(dial, 0, nil)
	defer p.Close()

	_, err := p.Acquire(context.Background(), "web1", "root")
	require.NoError(t, err)

	evicted := p.DeepHealthCheck(context.Background())
	assert.Len(t, evicted, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&c.closed))
}

func TestWarmupDialsAllTargets(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context, host, auth string) (Connection, error) {
		atomic.AddInt32(&dials, 1)
		return &fakeConn{healthy: 1}, nil
	}
	p := New(dial, 0, nil)
	defer p.Close()

	p.Warmup(context.Background(), map[string]string{
		"web1": "root",
		"web2": "root",
		"db1":  "root",
	})
	assert.Equal(t, int32(3), atomic.LoadInt32(&dials))
}

func TestReapEvictsIdleConnections(t *testing.T) {
	dial := func(ctx context.Context, host, auth string) (Connection, error) {
		return &fakeConn{healthy: 1}, nil
	}
	p := New(dial, 30*time.Millisecond, nil)
	defer p.Close()

	g, err := p.Acquire(context.Background(), "web1", "root")
	require.NoError(t, err)
	g.Release()

	time.Sleep(120 * time.Millisecond)

	p.mu.RLock()
	_, ok := p.entries[key("web1", "root")]
	p.mu.RUnlock()
	assert.False(t, ok)
}
