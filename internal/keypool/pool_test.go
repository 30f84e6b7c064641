package keypool

import (
	"context"
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

func TestNew_RequiresKeys(t *testing.T) {
	_, err := New(nil, 1, testLogger())
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestPool_RoundRobin(t *testing.T) {
	p, err := New([]string{"key-a", "key-b", "key-c"}, 1, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	var keys []string
	var leases []*Lease
	for i := 0; i < 3; i++ {
		lease, err := p.Acquire(ctx)
		require.NoError(t, err)
		keys = append(keys, lease.KeyID)
		leases = append(leases, lease)
	}

	assert.Equal(t, []string{"key-a", "key-b", "key-c"}, keys)
	for _, l := range leases {
		l.Release()
	}

	// A fresh acquire continues from where the last grant left off.
	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key-a", lease.KeyID)
	lease.Release()
}

func TestPool_BoundsConcurrencyPerKey(t *testing.T) {
	p, err := New([]string{"key-a"}, 2, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	second, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Active("key-a"))

	// The third acquire must block until a lease is released.
	acquired := make(chan *Lease, 1)
	go func() {
		lease, err := p.Acquire(ctx)
		if err == nil {
			acquired <- lease
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while all leases are held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case lease := <-acquired:
		lease.Release()
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe the released lease")
	}

	second.Release()
	assert.Equal(t, 0, p.Active("key-a"))
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	p, err := New([]string{"key-a"}, 1, testLogger())
	require.NoError(t, err)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	p, err := New([]string{"key-a"}, 1, testLogger())
	require.NoError(t, err)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	assert.Equal(t, 0, p.Active("key-a"))

	// The pool must still hand out exactly one lease afterwards.
	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Active("key-a"))
	again.Release()
}

func TestPool_Size(t *testing.T) {
	p, err := New([]string{"key-a", "key-b"}, 1, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, p.Size())
}
