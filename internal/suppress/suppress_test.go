package suppress

import (
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	clock   *fakeClock
	due     time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, due: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs timers that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var pending []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.due.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func TestWindow_RegisterAndExpire(t *testing.T) {
	clk := newFakeClock()
	w := New(WithClock(clk), WithPruneInterval(time.Second))

	w.Register("INBOX|7", 3*time.Second)
	if !w.Active("INBOX|7") {
		t.Fatal("expected active right after register")
	}
	if w.Active("INBOX|8") {
		t.Error("unregistered id should not be active")
	}

	clk.Advance(2 * time.Second)
	if !w.Active("INBOX|7") {
		t.Error("expected active before expiry")
	}
	clk.Advance(time.Second)
	if w.Active("INBOX|7") {
		t.Error("expected inactive at expiry")
	}
}

func TestWindow_RegisterKeepsLongerExpiry(t *testing.T) {
	clk := newFakeClock()
	w := New(WithClock(clk))

	w.Register("m", 10*time.Second)
	w.Register("m", time.Second)
	clk.Advance(5 * time.Second)
	if !w.Active("m") {
		t.Error("shorter registration cut the window short")
	}
}

func TestWindow_PruneReschedulesOnlyWhileEntriesRemain(t *testing.T) {
	clk := newFakeClock()
	w := New(WithClock(clk), WithPruneInterval(time.Second))

	if w.Scheduled() {
		t.Fatal("timer armed with no entries")
	}

	w.Register("a", 1500*time.Millisecond)
	w.Register("b", 3500*time.Millisecond)
	if clk.pendingTimers() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.pendingTimers())
	}

	clk.Advance(time.Second) // nothing expired yet
	if w.Len() != 2 || !w.Scheduled() {
		t.Fatalf("after 1s: len=%d scheduled=%v", w.Len(), w.Scheduled())
	}
	clk.Advance(time.Second) // a expired
	if w.Len() != 1 || !w.Scheduled() {
		t.Fatalf("after 2s: len=%d scheduled=%v", w.Len(), w.Scheduled())
	}
	clk.Advance(time.Second)
	clk.Advance(time.Second) // b expired
	if w.Len() != 0 {
		t.Fatalf("after 4s: len=%d, want 0", w.Len())
	}
	if w.Scheduled() || clk.pendingTimers() != 0 {
		t.Error("timer still scheduled with empty window")
	}

	w.Register("c", time.Second)
	if !w.Scheduled() {
		t.Error("timer not re-armed for new entry")
	}
	w.Close()
	if w.Scheduled() {
		t.Error("Close left timer scheduled")
	}
}
