package clock

import (
	"sort"
	"sync"
	"time"
)

// Test is a virtual clock for deterministic tests. Time only moves when
// Advance or Set is called; no wall-clock sleeping occurs.
type Test struct {
	mu      sync.Mutex
	now     time.Time
	pending []*testTimer
	seq     uint64
}

// NewTest creates a Test clock starting at the given time.
func NewTest(start time.Time) *Test {
	return &Test{now: start}
}

func (c *Test) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps the clock directly to t, firing any timers due at or before t.
func (c *Test) Set(t time.Time) {
	c.mu.Lock()
	if t.Before(c.now) {
		c.mu.Unlock()
		return
	}
	c.now = t
	due := c.collectDue()
	c.mu.Unlock()
	fireAll(due)
}

// Advance moves the clock forward by d, firing any timers that become due.
func (c *Test) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

func (c *Test) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &testTimer{
		clock: c,
		at:    c.now.Add(d),
		ch:    make(chan time.Time, 1),
		seq:   c.seq,
		live:  true,
	}
	c.pending = append(c.pending, t)
	return t
}

func (c *Test) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &testTimer{
		clock: c,
		at:    c.now.Add(d),
		fn:    f,
		seq:   c.seq,
		live:  true,
	}
	c.pending = append(c.pending, t)
	return t
}

// collectDue removes and returns, in fire order, all timers due at or
// before c.now. Caller must hold c.mu.
func (c *Test) collectDue() []*testTimer {
	var due []*testTimer
	var remaining []*testTimer
	for _, t := range c.pending {
		if t.live && !t.at.After(c.now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.pending = remaining
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	return due
}

func fireAll(due []*testTimer) {
	for _, t := range due {
		t.mu.Lock()
		if !t.live {
			t.mu.Unlock()
			continue
		}
		t.live = false
		fireAt := t.at
		t.mu.Unlock()
		if t.fn != nil {
			t.fn()
		} else {
			select {
			case t.ch <- fireAt:
			default:
			}
		}
	}
}

func (c *Test) remove(target *testTimer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.pending {
		if t == target {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

type testTimer struct {
	clock *Test
	mu    sync.Mutex
	at    time.Time
	ch    chan time.Time
	fn    func()
	seq   uint64
	live  bool
}

func (t *testTimer) C() <-chan time.Time { return t.ch }

func (t *testTimer) Stop() bool {
	t.mu.Lock()
	wasLive := t.live
	t.live = false
	t.mu.Unlock()
	t.clock.remove(t)
	return wasLive
}

func (t *testTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.mu.Lock()
	wasLive := t.live
	t.live = true
	t.at = t.clock.now.Add(d)
	t.mu.Unlock()
	if !wasLive {
		t.clock.pending = append(t.clock.pending, t)
	}
	return wasLive
}
