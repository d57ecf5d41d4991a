// Package ctxsync provides context-aware synchronization primitives used by
// the commit and listener dispatch paths.
package ctxsync

import "context"

// Mutex is a mutual exclusion lock whose Lock can be abandoned through a
// context. The zero value is not usable; call NewMutex.
type Mutex struct {
	sem chan struct{}
}

// NewMutex creates a ready-to-use Mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: make(chan struct{}, 1)}
}

// Lock acquires the mutex, blocking indefinitely.
func (m *Mutex) Lock() {
	m.sem <- struct{}{}
}

// LockWithContext acquires the mutex unless ctx is done first. A context
// that is already done never acquires, even when the mutex is free.
func (m *Mutex) LockWithContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.sem <- struct{}{}:
		return nil
	}
}

// TryLock acquires the mutex if it is free and reports whether it did.
func (m *Mutex) TryLock() bool {
	select {
	case m.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex. Unlocking an unlocked mutex panics.
func (m *Mutex) Unlock() {
	select {
	case <-m.sem:
	default:
		panic("ctxsync: unlock of unlocked mutex")
	}
}
