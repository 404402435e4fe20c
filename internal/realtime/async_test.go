package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
	"github.com/tinywideclouds/go-waitercall-service/internal/realtime"
)

// blockingMirror holds every Put until release is closed.
type blockingMirror struct {
	release chan struct{}

	mu      sync.Mutex
	put     []calls.Status
	removes int
	hasDL   bool
}

func (b *blockingMirror) Put(ctx context.Context, c calls.Call) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	_, b.hasDL = ctx.Deadline()
	b.put = append(b.put, c.Status)
	return nil
}

func (b *blockingMirror) Remove(context.Context, calls.Call) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removes++
	return nil
}

func (b *blockingMirror) statuses() []calls.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]calls.Status(nil), b.put...)
}

func TestAsync(t *testing.T) {
	ctx := context.Background()

	t.Run("Put returns while the backend is stuck", func(t *testing.T) {
		next := &blockingMirror{release: make(chan struct{})}
		m := realtime.NewAsync(next, 4, time.Second, newTestLogger())

		pending := testCall(t, calls.StatusPending)
		returned := make(chan error, 1)
		go func() { returned <- m.Put(ctx, pending) }()

		select {
		case err := <-returned:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Put waited on the backend")
		}
		assert.Empty(t, next.statuses())

		close(next.release)
		require.NoError(t, m.Close(ctx))
		assert.Equal(t, []calls.Status{calls.StatusPending}, next.statuses())
	})

	t.Run("Writes are applied in order with their own deadline", func(t *testing.T) {
		next := &blockingMirror{release: make(chan struct{})}
		close(next.release)
		m := realtime.NewAsync(next, 4, time.Second, newTestLogger())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		require.NoError(t, m.Put(cancelled, testCall(t, calls.StatusPending)))
		require.NoError(t, m.Put(ctx, testCall(t, calls.StatusAcknowledged)))
		require.NoError(t, m.Put(ctx, testCall(t, calls.StatusCompleted)))
		require.NoError(t, m.Close(ctx))

		assert.Equal(t, []calls.Status{calls.StatusPending, calls.StatusAcknowledged, calls.StatusCompleted}, next.statuses())
		assert.True(t, next.hasDL)
	})

	t.Run("Full queue drops the write", func(t *testing.T) {
		next := &blockingMirror{release: make(chan struct{})}
		m := realtime.NewAsync(next, 1, time.Second, newTestLogger())

		// The writer takes the first call and blocks; the second fills the queue.
		require.NoError(t, m.Put(ctx, testCall(t, calls.StatusPending)))
		acked := testCall(t, calls.StatusAcknowledged)
		require.Eventually(t, func() bool {
			return m.Put(ctx, acked) == nil
		}, time.Second, time.Millisecond)
		assert.ErrorIs(t, m.Put(ctx, testCall(t, calls.StatusCompleted)), realtime.ErrQueueFull)

		close(next.release)
		require.NoError(t, m.Close(ctx))
	})

	t.Run("Remove is synchronous and Put after Close fails", func(t *testing.T) {
		next := &blockingMirror{release: make(chan struct{})}
		close(next.release)
		m := realtime.NewAsync(next, 4, time.Second, newTestLogger())
		require.NoError(t, m.Close(ctx))

		require.NoError(t, m.Remove(ctx, testCall(t, calls.StatusCompleted)))
		assert.Equal(t, 1, next.removes)
		assert.ErrorIs(t, m.Put(ctx, testCall(t, calls.StatusPending)), realtime.ErrClosed)
		require.NoError(t, m.Close(ctx))
	})
}
