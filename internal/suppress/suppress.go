// Package suppress tracks physical messages the engine has just written so the
// resulting change notifications are not mistaken for external edits.
package suppress

import (
	"sync"
	"time"
)

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// DefaultPruneInterval is how often expired entries are swept while any remain.
const DefaultPruneInterval = 5 * time.Second

// Window maps physical message ids to the time their suppression ends.
// Expired entries are swept by a timer that only runs while the map is
// non-empty.
type Window struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	entries  map[string]time.Time
	timer    Timer
}

// Option configures a Window.
type Option func(*Window)

// WithClock sets the clock used for expiry and pruning.
func WithClock(c Clock) Option {
	return func(w *Window) { w.clock = c }
}

// WithPruneInterval sets the sweep interval.
func WithPruneInterval(d time.Duration) Option {
	return func(w *Window) {
		if d > 0 {
			w.interval = d
		}
	}
}

// New creates an empty window.
func New(opts ...Option) *Window {
	w := &Window{
		clock:    realClock{},
		interval: DefaultPruneInterval,
		entries:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register suppresses id for d from now. An existing longer suppression is
// kept.
func (w *Window) Register(id string, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	exp := w.clock.Now().Add(d)
	if cur, ok := w.entries[id]; !ok || exp.After(cur) {
		w.entries[id] = exp
	}
	w.armLocked()
}

// Active reports whether id is inside its suppression window.
func (w *Window) Active(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	exp, ok := w.entries[id]
	if !ok {
		return false
	}
	if !w.clock.Now().Before(exp) {
		delete(w.entries, id)
		return false
	}
	return true
}

// Len returns the number of tracked entries, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Scheduled reports whether a prune sweep is pending.
func (w *Window) Scheduled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Close stops any pending sweep.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Window) armLocked() {
	if w.timer != nil || len(w.entries) == 0 {
		return
	}
	w.timer = w.clock.AfterFunc(w.interval, w.prune)
}

func (w *Window) prune() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.timer = nil
	now := w.clock.Now()
	for id, exp := range w.entries {
		if !now.Before(exp) {
			delete(w.entries, id)
		}
	}
	w.armLocked()
}
