package throttle

import (
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"omes/internal/clock"
)

var ErrInvalidCapacity = errors.New("throttle: capacity must not be negative")

// Tracker is a sliding-window admission counter. Each slot stores the time at
// which it becomes available again. Slots are consumed oldest first, so the ring
// stays ordered from head and at most Capacity admissions fall in any trailing
// Window. Not safe for concurrent use.
type Tracker struct {
	clock  clock.Clock
	window time.Duration
	slots  []int64
	head   int
}

// NewTracker creates a tracker with capacity slots, all available now.
func NewTracker(capacity int, window time.Duration, clk clock.Clock) (*Tracker, error) {
	if capacity < 0 {
		return nil, ErrInvalidCapacity
	}
	if window <= 0 {
		return nil, errors.Errorf("throttle: window must be positive, got %s", window)
	}
	if clk == nil {
		clk = clock.System{}
	}
	t := &Tracker{clock: clk, window: window}
	t.init(capacity)
	logs.Infof("created throttle tracker, capacity: %d, window: %s", capacity, window)
	return t, nil
}

func (t *Tracker) init(capacity int) {
	now := t.clock.Now().UnixNano()
	t.slots = make([]int64, capacity)
	for i := range t.slots {
		t.slots[i] = now
	}
	t.head = 0
}

// Capacity returns the number of slots.
func (t *Tracker) Capacity() int {
	return len(t.slots)
}

// Window returns the sliding window length.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Resize rebuilds the tracker with a new capacity. Every slot is available now.
func (t *Tracker) Resize(capacity int) error {
	if capacity < 0 {
		return ErrInvalidCapacity
	}
	prev := len(t.slots)
	t.init(capacity)
	logs.Infof("changed number of throttles, from: %d, to: %d", prev, capacity)
	return nil
}

func (t *Tracker) nth(n int) int64 {
	return t.slots[(t.head+n-1)%len(t.slots)]
}

// Available reports whether n slots are free right now without consuming them.
func (t *Tracker) Available(n int) bool {
	if n <= 0 {
		return true
	}
	if n > len(t.slots) {
		return false
	}
	return t.nth(n) <= t.clock.Now().UnixNano()
}

// Acquire consumes one slot if available.
func (t *Tracker) Acquire() bool {
	return t.AcquireN(1)
}

// AcquireN consumes n slots if all n are available, otherwise none.
func (t *Tracker) AcquireN(n int) bool {
	if n <= 0 {
		return true
	}
	if n > len(t.slots) {
		return false
	}
	now := t.clock.Now().UnixNano()
	if t.nth(n) > now {
		return false
	}
	next := now + int64(t.window)
	for i := 0; i < n; i++ {
		t.slots[t.head] = next
		t.head = (t.head + 1) % len(t.slots)
	}
	return true
}

// NextAvailable returns when n slots will be free. ok is false when n exceeds
// the capacity and the tracker can never admit it.
func (t *Tracker) NextAvailable(n int) (time.Time, bool) {
	if n <= 0 {
		return t.clock.Now(), true
	}
	if n > len(t.slots) {
		return time.Time{}, false
	}
	return time.Unix(0, t.nth(n)), true
}

// IsFull reports whether every slot is available, i.e. nothing was admitted
// within the trailing window.
func (t *Tracker) IsFull() bool {
	return t.Available(len(t.slots))
}
