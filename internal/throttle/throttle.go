// Package throttle rate-limits transaction broadcasts with token buckets:
// one global bucket shared by every dispatch, and one lazily created bucket
// per signing key. Both are consulted immediately before broadcast, never
// before signing, since signing is local and cheap.
package throttle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sets bucket capacities. A bucket admits MaxTx... events per Window
// and bursts up to the same count.
type Config struct {
	GlobalMaxTx  int
	GlobalWindow time.Duration
	PerKeyMaxTx  int
	PerKeyWindow time.Duration
}

func (c *Config) normalize() {
	if c.GlobalMaxTx <= 0 {
		c.GlobalMaxTx = 120
	}
	if c.GlobalWindow <= 0 {
		c.GlobalWindow = time.Second
	}
	if c.PerKeyMaxTx <= 0 {
		c.PerKeyMaxTx = 6
	}
	if c.PerKeyWindow <= 0 {
		c.PerKeyWindow = time.Second
	}
}

// Throttle owns the global bucket and the per-key bucket map.
type Throttle struct {
	cfg    Config
	global *rate.Limiter

	mu     sync.Mutex
	perKey map[string]*rate.Limiter
}

// New creates a throttle from cfg, filling in defaults for zero fields.
func New(cfg Config, logger *slog.Logger) *Throttle {
	cfg.normalize()
	logger.Info("throttle configured",
		slog.Int("global_max_tx", cfg.GlobalMaxTx),
		slog.Duration("global_window", cfg.GlobalWindow),
		slog.Int("per_key_max_tx", cfg.PerKeyMaxTx),
		slog.Duration("per_key_window", cfg.PerKeyWindow),
	)
	return &Throttle{
		cfg:    cfg,
		global: newLimiter(cfg.GlobalMaxTx, cfg.GlobalWindow),
		perKey: make(map[string]*rate.Limiter),
	}
}

func newLimiter(maxTx int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(maxTx)/window.Seconds()), maxTx)
}

// WaitGlobal blocks until the global bucket grants a token.
func (t *Throttle) WaitGlobal(ctx context.Context) error {
	return t.global.Wait(ctx)
}

// WaitKey blocks until the key's bucket grants a token. Buckets are created
// on first use per key.
func (t *Throttle) WaitKey(ctx context.Context, keyID string) error {
	if keyID == "" {
		keyID = "default"
	}
	t.mu.Lock()
	limiter, ok := t.perKey[keyID]
	if !ok {
		limiter = newLimiter(t.cfg.PerKeyMaxTx, t.cfg.PerKeyWindow)
		t.perKey[keyID] = limiter
	}
	t.mu.Unlock()
	return limiter.Wait(ctx)
}
