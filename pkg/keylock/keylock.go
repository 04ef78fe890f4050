// Package keylock provides named critical sections whose waits can be cancelled.
package keylock

import (
	"context"
	"sync"
)

// Locker maps names to mutually exclusive sections. Entries exist only while
// someone holds or waits for them.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int // Holders and waiters. Guarded by Locker.mu.
}

func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Lock blocks until name is free or ctx is done. The returned function releases
// the section and may be called more than once.
func (l *Locker) Lock(ctx context.Context, name string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	e, ok := l.entries[name]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[name] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(name, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(name, e)
		})
	}, nil
}

func (l *Locker) release(name string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, name)
	}
}

// Len returns the number of names currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
