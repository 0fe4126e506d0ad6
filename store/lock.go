package store

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mailstate/mailstate/metrics"
)

// Weight a writer acquires: all of it, so it excludes readers and other
// writers. Readers take 1.
const lockWeight = 1 << 30

// rwLock is a reader/writer lock with a bounded wait. Waiters are served in
// order, so a waiting writer holds off new readers.
type rwLock struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func newRWLock(timeout time.Duration) *rwLock {
	return &rwLock{semaphore.NewWeighted(lockWeight), timeout}
}

func (l *rwLock) acquire(ctx context.Context, mode string, n int64) error {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	err := l.sem.Acquire(tctx, n)
	metrics.LockWaitObserve(mode, start)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.LockBusyInc(mode)
	return ErrBusy
}

// rlock acquires a shared lock, for reading.
func (l *rwLock) rlock(ctx context.Context) error {
	return l.acquire(ctx, "read", 1)
}

func (l *rwLock) runlock() {
	l.sem.Release(1)
}

// lock acquires the exclusive lock, for mutations.
func (l *rwLock) lock(ctx context.Context) error {
	return l.acquire(ctx, "write", lockWeight)
}

func (l *rwLock) unlock() {
	l.sem.Release(lockWeight)
}
