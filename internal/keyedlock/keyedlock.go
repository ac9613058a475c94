// Package keyedlock provides per-key mutual exclusion with FIFO hand-off
// and independent acquisition and execution deadlines.
package keyedlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrLockTimeout is returned when the acquisition deadline elapses
	// before the key's lock is granted.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrOperationTimeout is returned when the critical section exceeds the
	// execution deadline. The lock is still released once the section
	// actually returns; the work itself is not preempted.
	ErrOperationTimeout = errors.New("operation timed out")
)

const (
	// DefaultAcquireTimeout bounds how long a caller waits for a key.
	DefaultAcquireTimeout = 30 * time.Second
	// DefaultExecTimeout bounds how long a caller waits for its critical
	// section before giving up on the result.
	DefaultExecTimeout = 60 * time.Second
)

// waiter is one queued acquirer. ready is closed exactly once, on grant.
type waiter struct {
	ready   chan struct{}
	granted bool
}

// keyState tracks ownership and the FIFO wait queue for one key. An entry
// exists only while the key is held or contended.
type keyState struct {
	held    bool
	waiters []*waiter
}

// KeyedLock serializes operations per key. Operations on distinct keys
// never wait on each other; waiters on the same key are granted the lock in
// arrival order.
type KeyedLock struct {
	acquireTimeout time.Duration
	execTimeout    time.Duration

	mu   sync.Mutex
	keys map[string]*keyState
}

// New creates a KeyedLock with the given deadlines. Non-positive values
// fall back to the defaults.
func New(acquireTimeout, execTimeout time.Duration) *KeyedLock {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	if execTimeout <= 0 {
		execTimeout = DefaultExecTimeout
	}
	return &KeyedLock{
		acquireTimeout: acquireTimeout,
		execTimeout:    execTimeout,
		keys:           make(map[string]*keyState),
	}
}

// Acquire blocks until the caller owns key or ctx is done. On success it
// returns an idempotent release function that hands the key to the next
// waiter in arrival order.
//
// If the grant arrives after ctx is already done, the slot is immediately
// passed on to the next waiter and ErrLockTimeout is returned, so a
// timed-out caller can never silently consume the grant.
func (l *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	st := l.keys[key]
	if st == nil {
		st = &keyState{}
		l.keys[key] = st
	}
	if !st.held {
		st.held = true
		l.mu.Unlock()
		return l.releaser(key), nil
	}
	w := &waiter{ready: make(chan struct{})}
	st.waiters = append(st.waiters, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		if ctx.Err() != nil {
			// Granted after the deadline fired: release before reporting
			// the timeout so the slot reaches the next real waiter.
			l.release(key)
			return nil, fmt.Errorf("%w: key %q", ErrLockTimeout, key)
		}
		return l.releaser(key), nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// The hand-off raced with the deadline. Same rule: pass the
			// slot on, then report the timeout.
			l.releaseLocked(key)
			l.mu.Unlock()
		} else {
			for i, q := range st.waiters {
				if q == w {
					st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
					break
				}
			}
			l.mu.Unlock()
		}
		return nil, fmt.Errorf("%w: key %q", ErrLockTimeout, key)
	}
}

// Do runs fn while holding key, racing acquisition and execution against
// their configured deadlines independently.
//
// When the execution deadline fires, Do returns ErrOperationTimeout but fn
// keeps running to completion in the background (there is no preemption);
// the lock is released when fn actually returns, so mutual exclusion is
// never violated. fn receives a context carrying the execution deadline and
// should honor it where it can.
func (l *KeyedLock) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	acqCtx, cancelAcq := context.WithTimeout(ctx, l.acquireTimeout)
	release, err := l.Acquire(acqCtx, key)
	cancelAcq()
	if err != nil {
		return err
	}

	// Detach from the caller's cancellation: the work cannot be preempted,
	// so an abandoned request must not cancel a half-applied mutation.
	execCtx, cancelExec := context.WithTimeout(context.WithoutCancel(ctx), l.execTimeout)

	done := make(chan error, 1)
	go func() {
		defer release()
		defer cancelExec()
		done <- fn(execCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-execCtx.Done():
		// The section may have finished at the same instant; prefer the
		// real result over a spurious timeout.
		select {
		case err := <-done:
			return err
		default:
		}
		return fmt.Errorf("%w: key %q after %s", ErrOperationTimeout, key, l.execTimeout)
	}
}

// releaser wraps release in a sync.Once so double-release from cleanup
// paths is harmless.
func (l *KeyedLock) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key) })
	}
}

func (l *KeyedLock) release(key string) {
	l.mu.Lock()
	l.releaseLocked(key)
	l.mu.Unlock()
}

// releaseLocked hands the key to the oldest waiter, or frees it when the
// queue is empty. Caller holds l.mu.
func (l *KeyedLock) releaseLocked(key string) {
	st := l.keys[key]
	if st == nil {
		return
	}
	if len(st.waiters) == 0 {
		delete(l.keys, key)
		return
	}
	w := st.waiters[0]
	st.waiters = st.waiters[1:]
	w.granted = true
	close(w.ready)
}
