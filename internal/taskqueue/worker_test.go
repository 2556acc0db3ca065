package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_RunsOneAtATime(t *testing.T) {
	w := NewWorker(0)

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.Do(context.Background(), func(context.Context) error {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, int64(8), w.Calls())
}

func TestWorker_ContextCancelledWhileWaiting(t *testing.T) {
	w := NewWorker(0)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = w.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := w.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	close(release)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestWorker_SpacesCalls(t *testing.T) {
	w := NewWorker(30 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Do(context.Background(), func(context.Context) error { return nil }))
	}
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}
