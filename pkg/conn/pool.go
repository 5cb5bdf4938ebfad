// Package conn implements the Connection Pool (spec §4.6, component C6):
// per-(host, auth) pooled connections with idle reaping, warmup, health
// checking, and single-flight coalescing of concurrent first connects.
//
// helmfile caches one expensive-to-construct singleton behind sync.Once
// (its pkg/plugins/vals.go's ValsInstance), the same "build once, hand
// out the cached instance to every concurrent caller" shape this package
// needs per (host,auth) key rather than globally — so the pool
// generalizes that idiom with golang.org/x/sync/singleflight, which is
// the keyed version of sync.Once the same module family (golang.org/x/sync)
// already supplies.
package conn

import (
	"context"
	"sync"
	"time"

	rerrors "github.com/adolago/rustible/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Connection is the narrow interface the pool manages. A concrete
// transport (SSH, local exec, docker exec) implements this; the pool
// itself is transport-agnostic, mirroring how the engine treats transports
// as an external collaborator (spec §6).
type Connection interface {
	// Healthy performs a cheap liveness probe.
	Healthy(ctx context.Context) bool
	// Close releases underlying transport resources.
	Close() error
}

// Dialer establishes a new Connection to host under the given auth
// fingerprint (e.g. "user@keyfile" or "user@password-source").
type Dialer func(ctx context.Context, host, auth string) (Connection, error)

type entry struct {
	mu         sync.Mutex
	conn       Connection
	lastUsed   time.Time
	failCount  int
	unreachable bool
}

func (e *entry) touch() {
	e.mu.Lock()
	e.lastUsed = time.Now()
	e.mu.Unlock()
}

func (e *entry) idleFor() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastUsed)
}

// Pool owns a set of pooled connections keyed by (host, auth) and reaps
// idle entries in the background.
type Pool struct {
	dial   Dialer
	idleTTL time.Duration
	log    *zap.SugaredLogger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Guard is returned by Acquire; the caller releases it exactly once when
// done with the connection, RAII-style like the concurrency package's
// Guard (spec §9: "Guards from C4 and C6 must be RAII-style").
type Guard struct {
	Conn    Connection
	release func()
	once    sync.Once
}

func (g *Guard) Release() {
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// New builds a Pool. idleTTL of 0 disables the background reaper.
func New(dial Dialer, idleTTL time.Duration, log *zap.SugaredLogger) *Pool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &Pool{
		dial:    dial,
		idleTTL: idleTTL,
		log:     log,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
	if idleTTL > 0 {
		go p.reapLoop()
	}
	return p
}

func key(host, auth string) string { return host + "\x00" + auth }

// Acquire returns a pooled connection for (host, auth), establishing one
// if none exists. Concurrent Acquire calls for the same key coalesce into
// a single dial via singleflight, so a cold pool under fan-out does not
// open N redundant connections to the same host (spec §4.6: "concurrent
// first-connect attempts to the same key must coalesce into one dial").
func (p *Pool) Acquire(ctx context.Context, host, auth string) (*Guard, error) {
	k := key(host, auth)

	p.mu.RLock()
	e, ok := p.entries[k]
	p.mu.RUnlock()

	if ok {
		e.mu.Lock()
		unreachable := e.unreachable
		e.mu.Unlock()
		if unreachable {
			return nil, rerrors.NewConnection(rerrors.ConnUnreachable, host, nil)
		}
		e.touch()
		return &Guard{Conn: e.conn, release: func() { e.touch() }}, nil
	}

	result, err, _ := p.group.Do(k, func() (interface{}, error) {
		p.mu.RLock()
		if existing, ok := p.entries[k]; ok {
			p.mu.RUnlock()
			return existing, nil
		}
		p.mu.RUnlock()

		c, dialErr := p.dial(ctx, host, auth)
		if dialErr != nil {
			p.log.Warnw("connection establish failed", "host", host, "error", dialErr)
			return nil, rerrors.NewConnection(rerrors.ConnUnreachable, host, dialErr)
		}
		e := &entry{conn: c, lastUsed: time.Now()}
		p.mu.Lock()
		p.entries[k] = e
		p.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	e = result.(*entry)
	e.touch()
	return &Guard{Conn: e.conn, release: func() { e.touch() }}, nil
}

// MarkFailed records a dispatch failure against the pooled connection for
// (host, auth). After 3 consecutive failures the entry is classified
// Unreachable and its connection is closed, matching the engine's
// host-unreachable escalation (spec §7). The entry itself stays in the
// pool so later Acquire calls for the key fail with Unreachable instead of
// redialing.
func (p *Pool) MarkFailed(host, auth string) {
	k := key(host, auth)
	p.mu.RLock()
	e, ok := p.entries[k]
	p.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.failCount++
	exceeded := e.failCount >= 3
	if exceeded {
		e.unreachable = true
	}
	e.mu.Unlock()
	if exceeded {
		_ = e.conn.Close()
	}
}

// MarkHealthy resets the failure count after a successful dispatch.
func (p *Pool) MarkHealthy(host, auth string) {
	k := key(host, auth)
	p.mu.RLock()
	e, ok := p.entries[k]
	p.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.failCount = 0
	e.mu.Unlock()
}

func (p *Pool) evict(k string) {
	p.mu.Lock()
	e, ok := p.entries[k]
	if ok {
		delete(p.entries, k)
	}
	p.mu.Unlock()
	if ok {
		_ = e.conn.Close()
	}
}

// Warmup eagerly establishes connections to every (host, auth) pair in
// targets, useful before a play's first batch starts so forking doesn't
// block on cold dials (spec §4.6).
func (p *Pool) Warmup(ctx context.Context, targets map[string]string) {
	var wg sync.WaitGroup
	for host, auth := range targets {
		wg.Add(1)
		go func(host, auth string) {
			defer wg.Done()
			g, err := p.Acquire(ctx, host, auth)
			if err != nil {
				p.log.Debugw("warmup dial failed", "host", host, "error", err)
				return
			}
			g.Release()
		}(host, auth)
	}
	wg.Wait()
}

// DeepHealthCheck probes every pooled connection and evicts any that fail,
// returning the hosts evicted.
func (p *Pool) DeepHealthCheck(ctx context.Context) []string {
	p.mu.RLock()
	keys := make([]string, 0, len(p.entries))
	conns := make(map[string]Connection, len(p.entries))
	for k, e := range p.entries {
		keys = append(keys, k)
		conns[k] = e.conn
	}
	p.mu.RUnlock()

	var evicted []string
	for _, k := range keys {
		if !conns[k].Healthy(ctx) {
			p.evict(k)
			evicted = append(evicted, k)
		}
	}
	return evicted
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.RLock()
	var stale []string
	for k, e := range p.entries {
		if e.idleFor() > p.idleTTL {
			stale = append(stale, k)
		}
	}
	p.mu.RUnlock()
	for _, k := range stale {
		p.evict(k)
	}
}

// Close stops the reaper and closes every pooled connection.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for k, e := range p.entries {
		if err := e.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.entries, k)
	}
	return firstErr
}
