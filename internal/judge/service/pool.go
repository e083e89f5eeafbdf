package service

import (
	"context"
	"sync"
	"time"

	appErr "kadai/pkg/errors"
)

// DefaultPoolSize is the number of concurrent judge jobs when no size
// is configured.
const DefaultPoolSize = 50

// JobRecord is the harvested outcome of one finished job.
type JobRecord struct {
	Key         string
	SubmittedAt time.Time
	Err         error
}

// Pool runs judge jobs on a bounded set of goroutines and retains each
// outcome until the service loop harvests it. A finished job frees its
// worker immediately; only the outcome record waits for Harvest.
type Pool struct {
	capacity int

	mu     sync.Mutex
	active map[string]struct{}
	done   []JobRecord
	closed bool

	wg sync.WaitGroup
}

// NewPool creates a pool with the given number of workers. Sizes of
// zero or below fall back to DefaultPoolSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		capacity: size,
		active:   make(map[string]struct{}),
	}
}

// Capacity returns the configured worker count.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Available returns the number of free workers, zero once the pool is
// shut down.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return p.capacity - len(p.active)
}

// Submit starts fn on a free worker. It returns false without blocking
// when the pool is full, already runs a job under the same key, or is
// shut down.
func (p *Pool) Submit(ctx context.Context, key string, fn func(context.Context) error) bool {
	p.mu.Lock()
	if p.closed || len(p.active) >= p.capacity {
		p.mu.Unlock()
		return false
	}
	if _, running := p.active[key]; running {
		p.mu.Unlock()
		return false
	}
	p.active[key] = struct{}{}
	p.mu.Unlock()

	submittedAt := time.Now()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := runJob(ctx, fn)
		p.mu.Lock()
		delete(p.active, key)
		p.done = append(p.done, JobRecord{Key: key, SubmittedAt: submittedAt, Err: err})
		p.mu.Unlock()
	}()
	return true
}

// runJob shields the pool from a panicking job.
func runJob(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = appErr.Newf(appErr.InternalServerError, "judge job panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Harvest removes and returns every finished job outcome in completion
// order.
func (p *Pool) Harvest() []JobRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.done
	p.done = nil
	return out
}

// Shutdown stops accepting jobs. With wait set it blocks until every
// in-flight job has finished; their outcomes stay harvestable.
func (p *Pool) Shutdown(wait bool) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if wait {
		p.wg.Wait()
	}
}
