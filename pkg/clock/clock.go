// Package clock abstracts time for testability.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface { // A
	Now() time.Time
}

type realClock struct{} // A

// Now returns the current time.
func (realClock) Now() time.Time { // A
	return time.Now()
}

// Real is the wall clock.
var Real Clock = realClock{}

// Or returns c, or Real when c is nil.
func Or(c Clock) Clock { // A
	if c == nil {
		return Real
	}
	return c
}

// Fake is a manually advanced clock, safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake set to now.
func NewFake(now time.Time) *Fake { // A
	return &Fake{now: now}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time { // A
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) { // A
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set replaces the fake time.
func (f *Fake) Set(now time.Time) { // A
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}
