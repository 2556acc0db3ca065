package taskqueue

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Worker runs submitted calls strictly one at a time. Every upstream request
// made on behalf of searches goes through a shared Worker, so at most one is
// in flight however many searches are running.
type Worker struct {
	slot    chan struct{}
	limiter *rate.Limiter
	calls   atomic.Int64
}

// NewWorker creates a serial worker. A positive minInterval spaces the start
// of consecutive calls by at least that long.
func NewWorker(minInterval time.Duration) *Worker {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Worker{
		slot:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Do waits for the worker to be free, then runs fn. It returns ctx.Err()
// without running fn if the context ends while waiting.
func (w *Worker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case w.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.slot }()

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.calls.Add(1)
	return fn(ctx)
}

// Calls returns how many calls have been run so far
func (w *Worker) Calls() int64 {
	return w.calls.Load()
}
