// Package threadlock serializes work per conversation key.
//
// Each contested key owns a weighted semaphore of size one. Waiters are served
// in arrival order, and a key's bookkeeping is dropped as soon as nobody holds
// or waits for it, so uncontested keys cost nothing after release.
package threadlock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int // holders plus waiters
}

// Registry hands out per-key exclusive access.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire blocks until the caller holds key or ctx is done.
func (r *Registry) Acquire(ctx context.Context, key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		r.unref(key, e)
		return err
	}
	return nil
}

// Release gives up key, waking the next waiter if there is one.
// Releasing a key that is not held panics.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		panic("threadlock: release of unheld key " + key)
	}
	e.sem.Release(1)
	r.unref(key, e)
}

func (r *Registry) unref(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && r.entries[key] == e {
		delete(r.entries, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
