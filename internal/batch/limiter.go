package batch

// limiter.go bounds how many batches run at once.
//
// The limiter is a semaphore: ProcessParallel acquires a slot before starting
// a batch goroutine and releases it when the batch has been aggregated. When
// every slot is taken the submitting loop blocks, so a stream is never
// chunked further ahead than the pool can absorb.

import (
	"context"
	"sync"
)

// DefaultMaxWorkers is used when a non-positive worker count is configured.
const DefaultMaxWorkers = 4

// WorkerLimiter bounds concurrent batches.
type WorkerLimiter struct {
	semaphore chan struct{}

	mu        sync.RWMutex
	active    int
	completed int
}

// NewWorkerLimiter creates a limiter with maxWorkers slots.
func NewWorkerLimiter(maxWorkers int) *WorkerLimiter {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &WorkerLimiter{semaphore: make(chan struct{}, maxWorkers)}
}

// Acquire waits for a slot until ctx ends. The caller must Release it.
func (l *WorkerLimiter) Acquire(ctx context.Context) error {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire.
func (l *WorkerLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.completed++
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of running batches.
func (l *WorkerLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// MaxWorkers returns the pool size.
func (l *WorkerLimiter) MaxWorkers() int {
	return cap(l.semaphore)
}

// Available returns the number of free slots.
func (l *WorkerLimiter) Available() int {
	return cap(l.semaphore) - len(l.semaphore)
}

// LimiterStatus is a point-in-time view of the pool.
type LimiterStatus struct {
	Active     int `json:"active"`
	Available  int `json:"available"`
	MaxWorkers int `json:"max_workers"`
	Completed  int `json:"completed"`
}

// Status returns the pool state for the status API.
func (l *WorkerLimiter) Status() LimiterStatus {
	l.mu.RLock()
	active, completed := l.active, l.completed
	l.mu.RUnlock()

	return LimiterStatus{
		Active:     active,
		Available:  cap(l.semaphore) - len(l.semaphore),
		MaxWorkers: cap(l.semaphore),
		Completed:  completed,
	}
}
