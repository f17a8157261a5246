// Package worker runs subtask jobs on a bounded, shared pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when submitting to a pool that is shutting down
var ErrClosed = errors.New("worker pool is closed")

// Job is one unit of work. A returned error is logged; it never stops other jobs.
type Job func(ctx context.Context) error

// Pool runs jobs with at most size running at once
type Pool struct {
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu       sync.RWMutex
	closed   bool
	inFlight atomic.Int64
}

// New creates a pool of size workers. size <= 0 means unbounded.
func New(size int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := new(errgroup.Group)
	if size > 0 {
		g.SetLimit(size)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		g:      g,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Submit schedules job, blocking while every worker is busy.
// Jobs receive the pool's context, which is cancelled only by a forced shutdown.
func (p *Pool) Submit(name string, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.inFlight.Add(1)
	p.g.Go(p.wrap(name, job))
	return nil
}

// TrySubmit schedules job only if a worker is free
func (p *Pool) TrySubmit(name string, job Job) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, ErrClosed
	}
	p.inFlight.Add(1)
	if !p.g.TryGo(p.wrap(name, job)) {
		p.inFlight.Add(-1)
		return false, nil
	}
	return true, nil
}

func (p *Pool) wrap(name string, job Job) func() error {
	return func() (err error) {
		defer p.inFlight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
			}
		}()
		if jobErr := job(p.ctx); jobErr != nil {
			p.logger.Warn("job failed", zap.String("job", name), zap.Error(jobErr))
		}
		return nil
	}
}

// InFlight returns the number of submitted jobs that have not finished
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Shutdown stops accepting jobs and waits for running ones. If ctx expires first,
// the jobs' context is cancelled and Shutdown still waits for them to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.g.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("worker pool shutdown forced: %w", ctx.Err())
	}
}
