package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"

	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
)

// Multi writes to every backend and reports all failures together.
type Multi []Mirror

func (m Multi) Put(ctx context.Context, c calls.Call) error {
	var err error
	for _, mirror := range m {
		err = multierr.Append(err, mirror.Put(ctx, c))
	}
	return err
}

func (m Multi) Remove(ctx context.Context, c calls.Call) error {
	var err error
	for _, mirror := range m {
		err = multierr.Append(err, mirror.Remove(ctx, c))
	}
	return err
}

// Resilient retries a mirror with exponential backoff until maxElapsed.
type Resilient struct {
	next       Mirror
	maxElapsed time.Duration
	initial    time.Duration
	logger     *slog.Logger
}

func NewResilient(next Mirror, maxElapsed time.Duration, logger *slog.Logger) *Resilient {
	return &Resilient{
		next:       next,
		maxElapsed: maxElapsed,
		initial:    200 * time.Millisecond,
		logger:     logger.With("component", "ResilientMirror"),
	}
}

func (r *Resilient) Put(ctx context.Context, c calls.Call) error {
	return r.retry(ctx, c, "put", func() error { return r.next.Put(ctx, c) })
}

func (r *Resilient) Remove(ctx context.Context, c calls.Call) error {
	return r.retry(ctx, c, "remove", func() error { return r.next.Remove(ctx, c) })
}

func (r *Resilient) retry(ctx context.Context, c calls.Call, op string, fn func() error) error {
	err := backoff.RetryNotify(
		func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fn()
		},
		backoff.WithContext(&backoff.ExponentialBackOff{
			InitialInterval:     r.initial,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         2 * time.Second,
			MaxElapsedTime:      r.maxElapsed,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}, ctx),
		func(err error, next time.Duration) {
			r.logger.Debug("Mirror write failed, retrying", "op", op, "call_id", c.ID, "in", next, "err", err)
		},
	)
	if err != nil {
		r.logger.Error("Mirror write gave up", "op", op, "call_id", c.ID, "err", err)
	}
	return err
}
