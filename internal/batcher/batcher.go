// Package batcher aggregates independent transfer requests into batches
// bounded by a time window or a maximum size, whichever comes first. One
// batch becomes one dispatch cycle, amortizing a transaction's fixed cost
// (one round trip, one nonce) across many transfers.
package batcher

import (
	"log/slog"
	"sync"
	"time"
)

// Transfer is one queued item: just enough to rebuild the job at dispatch.
type Transfer struct {
	JobID      string
	ReceiverID string
	Amount     string
	Memo       string
	EnqueuedAt time.Time
}

// Stats reports batching efficiency for the metrics surface.
type Stats struct {
	TotalRequests    int     `json:"totalRequests"`
	BatchesSent      int     `json:"batchesSent"`
	AvgBatchSize     float64 `json:"avgBatchSize"`
	CurrentBatchSize int     `json:"currentBatchSize"`
}

// Batcher collects transfers and emits batches on a channel consumed by the
// coordinator's dispatch loop.
type Batcher struct {
	logger  *slog.Logger
	window  time.Duration
	maxSize int
	out     chan []Transfer

	mu      sync.Mutex
	pending []Transfer
	timer   *time.Timer
	emitted int
	stats   Stats
}

// New creates a batcher flushing every window or at maxSize items.
func New(window time.Duration, maxSize int, logger *slog.Logger) *Batcher {
	if window <= 0 {
		window = 600 * time.Millisecond
	}
	if maxSize <= 0 {
		maxSize = 10
	}
	logger.Info("request batcher initialized",
		slog.Duration("batch_window", window),
		slog.Int("max_batch_size", maxSize),
	)
	return &Batcher{
		logger:  logger,
		window:  window,
		maxSize: maxSize,
		out:     make(chan []Transfer, 64),
	}
}

// Batches is the emission channel; every send is one complete batch.
func (b *Batcher) Batches() <-chan []Transfer {
	return b.out
}

// Enqueue adds a transfer to the open batch. Hitting maxSize flushes
// immediately; otherwise the window timer is armed once per batch.
func (b *Batcher) Enqueue(t Transfer) {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	b.mu.Lock()
	b.pending = append(b.pending, t)
	b.stats.TotalRequests++

	var batch []Transfer
	if len(b.pending) >= b.maxSize {
		batch = b.takeLocked()
	} else if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flushOnTimer)
	}
	b.mu.Unlock()

	if batch != nil {
		b.emit(batch)
	}
}

func (b *Batcher) flushOnTimer() {
	b.mu.Lock()
	b.timer = nil
	batch := b.takeLocked()
	b.mu.Unlock()

	if batch != nil {
		b.emit(batch)
	}
}

// ForceFlush emits whatever is pending, for graceful shutdown.
func (b *Batcher) ForceFlush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if batch != nil {
		b.logger.Warn("force flushing pending batch", slog.Int("batch_size", len(batch)))
		b.emit(batch)
	}
}

// takeLocked removes up to maxSize items as the next batch. Items queued
// past the cut stay pending and get a fresh window, never joining a batch
// already taken.
func (b *Batcher) takeLocked() []Transfer {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return nil
	}

	n := len(b.pending)
	if n > b.maxSize {
		n = b.maxSize
	}
	batch := make([]Transfer, n)
	copy(batch, b.pending[:n])
	b.pending = append(b.pending[:0:0], b.pending[n:]...)

	b.emitted += n
	b.stats.BatchesSent++
	b.stats.AvgBatchSize = float64(b.emitted) / float64(b.stats.BatchesSent)

	if len(b.pending) > 0 {
		b.timer = time.AfterFunc(b.window, b.flushOnTimer)
	}
	return batch
}

func (b *Batcher) emit(batch []Transfer) {
	b.logger.Debug("flushing batch", slog.Int("batch_size", len(batch)))
	b.out <- batch
}

// Stats returns a snapshot of batching counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.CurrentBatchSize = len(b.pending)
	return s
}
