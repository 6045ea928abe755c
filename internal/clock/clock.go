package clock

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so timer-driven code can be tested with
// controlled time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

// Now indirects time.Now.
func (wallClock) Now() time.Time {
	return time.Now()
}

// Wall is the process clock.
var Wall Clock = wallClock{}

// Fake is a manually advanced clock.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set jumps the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
