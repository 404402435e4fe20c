package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
)

var (
	ErrQueueFull = errors.New("realtime write queue is full")
	ErrClosed    = errors.New("realtime mirror is closed")
)

// Async queues Puts for a single background writer so request handlers never
// wait on a realtime backend. Queued writes are applied in order.
// Remove is passed straight through: its callers need to know it happened.
type Async struct {
	next    Mirror
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	writes chan calls.Call
	wg     sync.WaitGroup
}

// NewAsync starts the writer. Each queued write gets its own timeout,
// detached from the request that queued it.
func NewAsync(next Mirror, queueSize int, timeout time.Duration, logger *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = 1
	}
	a := &Async{
		next:    next,
		timeout: timeout,
		logger:  logger.With("component", "AsyncMirror"),
		writes:  make(chan calls.Call, queueSize),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Put queues c and returns at once. ErrQueueFull means the write was dropped;
// listeners catch up on the call's next change.
func (a *Async) Put(_ context.Context, c calls.Call) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.writes <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) Remove(ctx context.Context, c calls.Call) error {
	return a.next.Remove(ctx, c)
}

// Close stops accepting writes and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.writes)
	}
	a.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		a.logger.Warn("Realtime writes still queued at shutdown", "pending", len(a.writes))
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for c := range a.writes {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Put(ctx, c); err != nil {
			a.logger.Warn("Failed to mirror call", "call_id", c.ID, "status", c.Status, "err", err)
		}
		cancel()
	}
}
