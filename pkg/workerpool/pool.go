// Package workerpool runs jobs on a fixed set of goroutines. Jobs are
// handed over by value through a bounded queue; workers never share
// memory with submitters beyond the job itself.
package workerpool

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("workerpool: closed")

type Handler[J any] func(ctx context.Context, job J)

type Pool[J any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan J
	wg      sync.WaitGroup
	closed  bool
	closeMu sync.RWMutex
}

// New starts workers goroutines feeding from a queue of queueDepth jobs.
// A non-positive queueDepth picks workers*2+8.
func New[J any](ctx context.Context, workers, queueDepth int, h Handler[J]) *Pool[J] {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = workers*2 + 8
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool[J]{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan J, queueDepth),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				h(p.ctx, job)
			}
		}()
	}
	return p
}

// Submit queues job, blocking while the queue is full. It fails with
// ctx.Err() if ctx ends first and with ErrClosed once Close has begun.
func (p *Pool[J]) Submit(ctx context.Context, job J) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	case p.jobs <- job:
		return nil
	}
}

// Close stops accepting jobs, lets the workers drain the queue and waits
// for them to exit.
func (p *Pool[J]) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.closeMu.Unlock()
	p.wg.Wait()
	p.cancel()
}
