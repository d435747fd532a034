// Package lock provides short-lived mutual exclusion keyed by string,
// backed by Redis when several server processes share a database.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrNotOwner    = errors.New("lock release failed: not the lock owner")
)

const (
	DefaultTTL  = 30 * time.Second
	DefaultWait = 5 * time.Second
	retryEvery  = 20 * time.Millisecond
)

// Unlock releases a held lock.
type Unlock func(ctx context.Context) error

// Locker acquires the lock for key, waiting up to the locker's wait budget
// or until ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process Locker.
type Local struct {
	wait  time.Duration
	slots chan map[string]chan struct{}
}

func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = DefaultWait
	}
	l := &Local{wait: wait, slots: make(chan map[string]chan struct{}, 1)}
	l.slots <- make(map[string]chan struct{})
	return l
}

func (l *Local) slot(key string) chan struct{} {
	m := <-l.slots
	defer func() { l.slots <- m }()
	ch, ok := m[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m[key] = ch
	}
	return ch
}

func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	ch := l.slot(key)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrNotAcquired
	}

	released := false
	return func(context.Context) error {
		if released {
			return ErrNotOwner
		}
		released = true
		<-ch
		return nil
	}, nil
}
