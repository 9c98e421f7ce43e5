// Package keylock serializes mutations per key (account id).
//
// Two lockers are provided: Mutex for a single process and RedisLocker for
// several billing instances sharing one Redis. Chain combines them so the
// in-process lock is taken first and cross-instance contention stays rare.
//
//	release, err := locker.Acquire(ctx, keylock.AccountKey(accountID))
//	if err != nil {
//		return err
//	}
//	defer release()
package keylock

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// ErrLockTimeout is returned when the context ends before the lock is acquired
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Locker acquires an exclusive lock on a key. The returned release function is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// AccountKey returns the lock key of an account
func AccountKey(accountID int64) string {
	return "account:" + strconv.FormatInt(accountID, 10)
}

// PromoCodeKey returns the lock key of a promo code. It is taken before
// any account key.
func PromoCodeKey(code string) string {
	return "promocode:" + code
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Mutex is an in-process keyed mutex. Entries are reference counted and
// removed once no goroutine holds or waits for them.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewMutex creates a keyed mutex
func NewMutex() *Mutex {
	return &Mutex{locks: make(map[string]*entry)}
}

// Acquire blocks until key is free or ctx is done
func (m *Mutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, e)
		return nil, errors.Join(ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.unref(key, e)
		})
	}, nil
}

func (m *Mutex) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Len returns the number of keys currently held or awaited
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

type chain []Locker

// Chain acquires every locker in order and releases them in reverse
func Chain(lockers ...Locker) Locker {
	return chain(lockers)
}

func (c chain) Acquire(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		release, err := l.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

type heldKey struct{}

// Hold acquires key unless ctx already records it as held by the caller, and
// returns a context that records it. Nested calls under the same account
// (reconciler -> ledger post) reuse the outer lock instead of deadlocking.
func Hold(ctx context.Context, l Locker, key string) (context.Context, func(), error) {
	if isHeld(ctx, key) {
		return ctx, func() {}, nil
	}
	release, err := l.Acquire(ctx, key)
	if err != nil {
		return ctx, nil, err
	}
	held := map[string]struct{}{key: {}}
	if parent, ok := ctx.Value(heldKey{}).(map[string]struct{}); ok {
		for k := range parent {
			held[k] = struct{}{}
		}
	}
	return context.WithValue(ctx, heldKey{}, held), release, nil
}

func isHeld(ctx context.Context, key string) bool {
	held, ok := ctx.Value(heldKey{}).(map[string]struct{})
	if !ok {
		return false
	}
	_, ok = held[key]
	return ok
}
