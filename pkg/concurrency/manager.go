// Package concurrency implements the Parallelization Manager (spec §4.4,
// component C4): a play-level fork budget plus per-module hints
// (fully-parallel / host-exclusive / rate-limited / globally-exclusive).
//
// The fork budget and the globally-exclusive guard both reduce to "acquire
// one of N weighted slots", which golang.org/x/sync/semaphore already
// models as Weighted — the same package helmfile's own dependency graph
// pulls in for exactly this shape of bounded concurrency (helmfile itself
// hand-rolls an equivalent worker-count limiter in
// pkg/state/state_run.go's scatterGather; semaphore.Weighted is the
// library-shaped version of that idiom, generalized from "N helm workers"
// to "N in-flight module dispatches, with further per-module narrowing").
package concurrency

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Hint is a module-declared parallelization constraint (spec §4.4 table).
type Hint int

const (
	FullyParallel Hint = iota
	HostExclusive
	RateLimited
	GloballyExclusive
)

// RateLimit describes a Rate-limited hint: no more than N dispatches per
// second of this module across the fleet.
type RateLimit struct {
	PerSecond int
}

// Guard is released exactly once, on dispatch completion, including on
// panics or cancellation — callers are expected to `defer guard.Release()`
// immediately after a successful Acquire, the same RAII-style discipline
// spec §9 calls for ("Guards from C4 and C6 must be RAII-style").
type Guard struct {
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

type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func newTokenBucket(ratePerSecond int) *tokenBucket {
	return &tokenBucket{
		tokens:   float64(ratePerSecond),
		capacity: float64(ratePerSecond),
		rate:     float64(ratePerSecond),
		last:     time.Now(),
	}
}

// acquire blocks (polling on a short interval) until one token is
// available or ctx is done.
func (b *tokenBucket) acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.last).Seconds()
		b.last = now
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ModuleSpec declares one module's dispatch constraints, consulted at
// Acquire time.
type ModuleSpec struct {
	Hint Hint
	Rate RateLimit
}

// Manager enforces the fork budget plus the per-module hints atop it.
type Manager struct {
	fork *semaphore.Weighted

	mu               sync.Mutex
	hostExclusive    map[string]map[string]*semaphore.Weighted // module -> host -> sem(1)
	globalExclusive  map[string]*semaphore.Weighted            // module -> sem(1)
	rateLimiters     map[string]*tokenBucket                   // module -> bucket
}

// New builds a Manager with the given play-level fork budget (spec §4.4:
// "the count of concurrent in-flight (task,host) dispatches permitted in a
// play").
func New(forkBudget int) *Manager {
	if forkBudget < 1 {
		forkBudget = 1
	}
	return &Manager{
		fork:            semaphore.NewWeighted(int64(forkBudget)),
		hostExclusive:   make(map[string]map[string]*semaphore.Weighted),
		globalExclusive: make(map[string]*semaphore.Weighted),
		rateLimiters:    make(map[string]*tokenBucket),
	}
}

// Acquire blocks until dispatch of module on host is granted under both
// the fork budget and module's declared hint, or ctx is cancelled. The
// returned Guard releases every permit it acquired, in reverse order,
// whether Release is called normally or via a deferred panic recovery at
// the call site.
func (m *Manager) Acquire(ctx context.Context, module, host string, spec ModuleSpec) (*Guard, error) {
	if err := m.fork.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var releasers []func()
	releasers = append(releasers, func() { m.fork.Release(1) })

	rollback := func() {
		for i := len(releasers) - 1; i >= 0; i-- {
			releasers[i]()
		}
	}

	switch spec.Hint {
	case HostExclusive:
		sem := m.hostExclusiveSem(module, host)
		if err := sem.Acquire(ctx, 1); err != nil {
			rollback()
			return nil, err
		}
		releasers = append(releasers, func() { sem.Release(1) })
	case GloballyExclusive:
		sem := m.globalExclusiveSem(module)
		if err := sem.Acquire(ctx, 1); err != nil {
			rollback()
			return nil, err
		}
		releasers = append(releasers, func() { sem.Release(1) })
	case RateLimited:
		bucket := m.rateBucket(module, spec.Rate)
		if err := bucket.acquire(ctx); err != nil {
			rollback()
			return nil, err
		}
		// token buckets have no "release": the token is spent, not held.
	case FullyParallel:
		// no further restriction beyond the fork budget.
	}

	return &Guard{release: rollback}, nil
}

func (m *Manager) hostExclusiveSem(module, host string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	byHost, ok := m.hostExclusive[module]
	if !ok {
		byHost = make(map[string]*semaphore.Weighted)
		m.hostExclusive[module] = byHost
	}
	sem, ok := byHost[host]
	if !ok {
		sem = semaphore.NewWeighted(1)
		byHost[host] = sem
	}
	return sem
}

func (m *Manager) globalExclusiveSem(module string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.globalExclusive[module]
	if !ok {
		sem = semaphore.NewWeighted(1)
		m.globalExclusive[module] = sem
	}
	return sem
}

func (m *Manager) rateBucket(module string, rate RateLimit) *tokenBucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rateLimiters[module]
	if !ok {
		b = newTokenBucket(rate.PerSecond)
		m.rateLimiters[module] = b
	}
	return b
}
