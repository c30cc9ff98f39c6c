package usecase

import (
	"context"
	"fmt"
	"sync"
)

// SessionLocker serializes consultations that share a session ID. A request
// that arrives while an identical one is in flight waits, then finds the
// first request's result in the response cache instead of calling every
// expert a second time.
type SessionLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionMutex
}

type sessionMutex struct {
	mu      sync.Mutex
	waiters int
}

// NewSessionLocker creates an empty locker.
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{locks: make(map[string]*sessionMutex)}
}

// Lock blocks until sessionID is free or ctx is done. The returned release
// func must be called exactly once.
func (sl *SessionLocker) Lock(ctx context.Context, sessionID string) (release func(), err error) {
	sl.mu.Lock()
	sm, ok := sl.locks[sessionID]
	if !ok {
		sm = &sessionMutex{}
		sl.locks[sessionID] = sm
	}
	sm.waiters++
	sl.mu.Unlock()

	release = func() {
		sm.mu.Unlock()
		sl.mu.Lock()
		sm.waiters--
		if sm.waiters == 0 {
			delete(sl.locks, sessionID)
		}
		sl.mu.Unlock()
	}

	acquired := make(chan struct{})
	go func() {
		sm.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return release, nil
	case <-ctx.Done():
		// The acquiring goroutine still owns a pending Lock; hand the mutex
		// straight back once it gets it.
		go func() {
			<-acquired
			release()
		}()
		return nil, fmt.Errorf("session %s busy: %w", sessionID, ctx.Err())
	}
}

// Active returns the number of sessions with a held or pending lock.
func (sl *SessionLocker) Active() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.locks)
}
