package connection

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// A writer takes every slot, so it excludes readers and other writers.
// semaphore.Weighted serves waiters in FIFO order, which keeps a queued
// writer from being starved by readers that arrive after it.
const lockSlots = 1 << 30

type rwLock struct {
	sem *semaphore.Weighted
}

func newRWLock() *rwLock {
	return &rwLock{sem: semaphore.NewWeighted(lockSlots)}
}

func (l *rwLock) rlock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

func (l *rwLock) runlock() {
	l.sem.Release(1)
}

func (l *rwLock) lock(ctx context.Context) error {
	return l.sem.Acquire(ctx, lockSlots)
}

func (l *rwLock) unlock() {
	l.sem.Release(lockSlots)
}
