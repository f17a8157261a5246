package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsAllJobs(t *testing.T) {
	p := New(4, nil)
	var count atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit("count", func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(50), count.Load())
	assert.Equal(t, 0, p.InFlight())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(3, nil)
	var running, peak atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit("bounded", func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPool_FailingAndPanickingJobsDoNotStopOthers(t *testing.T) {
	p := New(2, nil)
	var ok atomic.Int32
	require.NoError(t, p.Submit("fails", func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit("panics", func(context.Context) error { panic("boom") }))
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit("ok", func(context.Context) error {
			ok.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(5), ok.Load())
}

func TestPool_TrySubmit(t *testing.T) {
	p := New(1, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	submitted, err := p.TrySubmit("hold", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	require.True(t, submitted)
	<-started

	submitted, err = p.TrySubmit("rejected", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, submitted)
	assert.Equal(t, 1, p.InFlight())

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := New(1, nil)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Submit("late", func(context.Context) error { return nil }), ErrClosed)
	_, err := p.TrySubmit("late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPool_ForcedShutdownCancelsJobs(t *testing.T) {
	p := New(1, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	var cancelled atomic.Bool
	require.NoError(t, p.Submit("long", func(ctx context.Context) error {
		wg.Done()
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}))
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, cancelled.Load())
}
