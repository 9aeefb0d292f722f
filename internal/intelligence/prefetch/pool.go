// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package prefetch

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("prefetch pool closed")
	// ErrQueueFull is returned when the pool's pending queue is at capacity.
	ErrQueueFull = errors.New("prefetch queue full")
)

// Pool runs fetch jobs with bounded concurrency. Jobs wait for a slot under
// their own context; at most queueSize jobs may be pending at once.
type Pool struct {
	sem       *semaphore.Weighted
	queueSize int

	mu      sync.Mutex
	pending int
	closed  bool
	wg      sync.WaitGroup

	// base is the parent of detached background jobs; Close cancels it.
	base   context.Context
	cancel context.CancelFunc
}

// NewPool creates a pool running at most workers jobs concurrently.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 5
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:       semaphore.NewWeighted(int64(workers)),
		queueSize: queueSize,
		base:      base,
		cancel:    cancel,
	}
}

// Background returns a context that outlives any task but ends when the pool closes.
func (p *Pool) Background() context.Context { return p.base }

// Submit queues job to run under ctx. If ctx ends before a slot frees up the
// job is called with the context error instead of running.
func (p *Pool) Submit(ctx context.Context, job func(ctx context.Context), abandoned func(err error)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.pending >= p.queueSize {
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.pending++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Panic in prefetch job: %v", r)
			}
			p.mu.Lock()
			p.pending--
			p.mu.Unlock()
			p.wg.Done()
		}()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			if abandoned != nil {
				abandoned(err)
			}
			return
		}
		defer p.sem.Release(1)
		job(ctx)
	}()
	return nil
}

// Pending returns the number of jobs waiting or running.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Close stops accepting jobs, cancels background work and waits for every
// job to return or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
