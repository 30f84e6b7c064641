// Package keypool bounds concurrent use of each signing key. The ledger
// rejects a transaction that reuses a nonce already in flight on the same
// key, so use per key is serialized up to a small concurrency ceiling while
// N keys still drive up to N-fold throughput.
package keypool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrNoKeys is returned when the pool is constructed without any keys.
var ErrNoKeys = errors.New("key pool requires at least one signing key")

type slot struct {
	keyID  string
	active int
}

// Pool hands out bounded leases over a fixed set of signing keys.
type Pool struct {
	logger        *slog.Logger
	maxConcurrent int

	mu    sync.Mutex
	cond  *sync.Cond
	slots []slot
	next  int
}

// Lease is a claim on one signing key. Release is idempotent; only the first
// call returns the claim.
type Lease struct {
	KeyID string

	pool *Pool
	slot int
	once sync.Once
}

// New creates a pool with maxConcurrentPerKey leases available per key.
func New(keyIDs []string, maxConcurrentPerKey int, logger *slog.Logger) (*Pool, error) {
	if len(keyIDs) == 0 {
		return nil, ErrNoKeys
	}
	if maxConcurrentPerKey <= 0 {
		maxConcurrentPerKey = 1
	}

	p := &Pool{
		logger:        logger,
		maxConcurrent: maxConcurrentPerKey,
		slots:         make([]slot, len(keyIDs)),
	}
	for i, id := range keyIDs {
		p.slots[i] = slot{keyID: id}
	}
	p.cond = sync.NewCond(&p.mu)

	logger.Info("key pool initialized",
		slog.Int("keys", len(keyIDs)),
		slog.Int("max_concurrent_per_key", maxConcurrentPerKey),
	)
	return p, nil
}

// Acquire blocks until some key has a free lease, scanning round-robin from
// the slot after the last grant so load spreads evenly and no key starves.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	// Wake waiters if the context ends while they sit in cond.Wait.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if lease, ok := p.tryAcquireLocked(); ok {
			return lease, nil
		}
		p.cond.Wait()
	}
}

func (p *Pool) tryAcquireLocked() (*Lease, bool) {
	n := len(p.slots)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		if p.slots[idx].active < p.maxConcurrent {
			p.slots[idx].active++
			p.next = (idx + 1) % n
			return &Lease{KeyID: p.slots[idx].keyID, pool: p, slot: idx}, true
		}
	}
	return nil, false
}

// Release returns the lease to the pool. Safe to call more than once; calls
// past the first are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		p := l.pool
		p.mu.Lock()
		p.slots[l.slot].active--
		p.cond.Signal()
		p.mu.Unlock()
	})
}

// Active returns the current lease count for a key, for tests and metrics.
func (p *Pool) Active(keyID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.keyID == keyID {
			return s.active
		}
	}
	return 0
}

// Size returns the number of keys in the pool.
func (p *Pool) Size() int {
	return len(p.slots)
}
