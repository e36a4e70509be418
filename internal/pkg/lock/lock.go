// Package lock provides keyed in-process locks used to serialize work on a
// single contest or a single owner's balance.
package lock

import (
	"context"
	"sync"
	"time"
)

// keyMutex is a one-slot semaphore with a reference count so idle keys can
// be dropped from the table.
type keyMutex struct {
	sem      chan struct{}
	refCount int
}

// KeyLock hands out one mutex per key. Different keys never block each other.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyMutex
}

// NewKeyLock creates a new KeyLock instance.
func NewKeyLock() *KeyLock {
	return &KeyLock{
		locks: make(map[string]*keyMutex),
	}
}

// acquireRef retrieves or creates the mutex for key and pins it.
func (kl *KeyLock) acquireRef(key string) *keyMutex {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	m, ok := kl.locks[key]
	if !ok {
		m = &keyMutex{sem: make(chan struct{}, 1)}
		kl.locks[key] = m
	}
	m.refCount++
	return m
}

// releaseRef unpins the mutex for key, dropping it once nobody holds or waits on it.
func (kl *KeyLock) releaseRef(key string, m *keyMutex) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	m.refCount--
	if m.refCount == 0 {
		delete(kl.locks, key)
	}
}

// Unlock releases the lock for key. Unlocking a key that is not held is a no-op.
func (kl *KeyLock) Unlock(key string) {
	kl.mu.Lock()
	m, ok := kl.locks[key]
	kl.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-m.sem:
		kl.releaseRef(key, m)
	default:
	}
}

// LockContext waits for the lock until ctx is done or timeout elapses.
// A zero timeout waits as long as ctx allows.
func (kl *KeyLock) LockContext(ctx context.Context, key string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	m := kl.acquireRef(key)
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		kl.releaseRef(key, m)
		if ctx.Err() == context.DeadlineExceeded {
			return ErrLockTimeout
		}
		return ctx.Err()
	}
}
