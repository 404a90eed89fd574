package persistence

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Locker serializes mutations of one transaction. Lock blocks until the key
// is held or ctx is done; the returned function releases it and is safe to
// call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process Locker. Entries are reference counted and
// removed once nobody holds or waits for them.
type LocalLocker struct {
	locks *xsync.MapOf[string, *localLock]
}

type localLock struct {
	sem  chan struct{}
	refs int
}

// Ensure LocalLocker implements Locker.
var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: xsync.NewMapOf[string, *localLock]()}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	entry, _ := l.locks.Compute(key, func(old *localLock, loaded bool) (*localLock, bool) {
		if !loaded {
			old = &localLock{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(key)
		})
	}, nil
}

func (l *LocalLocker) release(key string) {
	l.locks.Compute(key, func(old *localLock, loaded bool) (*localLock, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// Size returns the number of keys currently held or waited for.
func (l *LocalLocker) Size() int {
	return l.locks.Size()
}
