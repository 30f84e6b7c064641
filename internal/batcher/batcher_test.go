package batcher

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func transfer(jobID string) Transfer {
	return Transfer{JobID: jobID, ReceiverID: jobID + ".testnet", Amount: "100"}
}

func receiveBatch(t *testing.T, b *Batcher, timeout time.Duration) []Transfer {
	t.Helper()
	select {
	case batch := <-b.Batches():
		return batch
	case <-time.After(timeout):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func TestBatcher_FlushesAtMaxSize(t *testing.T) {
	b := New(time.Minute, 3, testLogger())

	b.Enqueue(transfer("job-1"))
	b.Enqueue(transfer("job-2"))
	b.Enqueue(transfer("job-3"))

	// The size trigger must not wait for the window.
	batch := receiveBatch(t, b, 100*time.Millisecond)
	require.Len(t, batch, 3)
	assert.Equal(t, "job-1", batch[0].JobID)
	assert.Equal(t, "job-3", batch[2].JobID)
}

func TestBatcher_FlushesOnWindow(t *testing.T) {
	b := New(50*time.Millisecond, 10, testLogger())

	b.Enqueue(transfer("job-1"))
	b.Enqueue(transfer("job-2"))

	batch := receiveBatch(t, b, time.Second)
	assert.Len(t, batch, 2)
}

func TestBatcher_OverflowStartsNextBatch(t *testing.T) {
	b := New(50*time.Millisecond, 2, testLogger())

	b.Enqueue(transfer("job-1"))
	b.Enqueue(transfer("job-2"))
	b.Enqueue(transfer("job-3"))

	first := receiveBatch(t, b, time.Second)
	require.Len(t, first, 2)

	// The overflow item waits out its own window rather than chasing the
	// batch that already left.
	second := receiveBatch(t, b, time.Second)
	require.Len(t, second, 1)
	assert.Equal(t, "job-3", second[0].JobID)
}

func TestBatcher_ForceFlush(t *testing.T) {
	b := New(time.Minute, 10, testLogger())

	b.Enqueue(transfer("job-1"))
	b.ForceFlush()

	batch := receiveBatch(t, b, 100*time.Millisecond)
	assert.Len(t, batch, 1)
}

func TestBatcher_ForceFlushEmptyIsNoOp(t *testing.T) {
	b := New(time.Minute, 10, testLogger())

	b.ForceFlush()

	select {
	case batch := <-b.Batches():
		t.Fatalf("unexpected batch of %d items", len(batch))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBatcher_EnqueueSetsTimestamp(t *testing.T) {
	b := New(time.Minute, 1, testLogger())

	b.Enqueue(Transfer{JobID: "job-1"})

	batch := receiveBatch(t, b, 100*time.Millisecond)
	require.Len(t, batch, 1)
	assert.False(t, batch[0].EnqueuedAt.IsZero())
}

func TestBatcher_Stats(t *testing.T) {
	b := New(time.Minute, 2, testLogger())

	b.Enqueue(transfer("job-1"))
	b.Enqueue(transfer("job-2"))
	receiveBatch(t, b, 100*time.Millisecond)

	b.Enqueue(transfer("job-3"))

	// The still-pending item counts toward the total but never toward the
	// average until it leaves in a batch.
	stats := b.Stats()
	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 1, stats.BatchesSent)
	assert.Equal(t, 1, stats.CurrentBatchSize)
	assert.InDelta(t, 2.0, stats.AvgBatchSize, 0.001)

	b.ForceFlush()
	receiveBatch(t, b, 100*time.Millisecond)

	stats = b.Stats()
	assert.Equal(t, 2, stats.BatchesSent)
	assert.Equal(t, 0, stats.CurrentBatchSize)
	assert.InDelta(t, 1.5, stats.AvgBatchSize, 0.001)
}
