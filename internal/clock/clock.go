// Package clock produces the version markers attached to computed values.
//
// A Source yields a non-decreasing tick. A Versioner turns a floor (usually
// the highest dependency version) into a fresh version that is strictly
// greater than the floor, the current tick, and every version it has issued
// or observed.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source yields a monotonically non-decreasing tick.
type Source interface {
	Now() uint64
}

// Wall ticks in nanoseconds since the Unix epoch. It never goes backwards,
// even if the system clock is stepped back.
type Wall struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewWall returns a wall-clock source. A nil now defaults to time.Now.
func NewWall(now func() time.Time) *Wall {
	if now == nil {
		now = time.Now
	}
	return &Wall{now: now}
}

func (w *Wall) Now() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.now().UnixNano()
	if t > 0 && uint64(t) > w.last {
		w.last = uint64(t)
	}
	return w.last
}

// Logical is an in-process counter advanced on every call.
type Logical struct {
	n atomic.Uint64
}

func (l *Logical) Now() uint64 { return l.n.Add(1) }

// Fixed always returns the same tick. Useful in tests to force the
// Versioner's +1 rule to do all the work.
type Fixed uint64

func (f Fixed) Now() uint64 { return uint64(f) }

// Versioner mints version markers.
type Versioner struct {
	src  Source
	last atomic.Uint64
}

// NewVersioner wraps src. A nil src uses the wall clock.
func NewVersioner(src Source) *Versioner {
	if src == nil {
		src = NewWall(nil)
	}
	return &Versioner{src: src}
}

// Next returns max(floor, tick, last) + 1 and records it as the last issued
// version.
func (v *Versioner) Next(floor uint64) uint64 {
	tick := v.src.Now()
	for {
		last := v.last.Load()
		next := max(floor, tick, last) + 1
		if v.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Observe raises the floor for future versions to at least seen.
func (v *Versioner) Observe(seen uint64) {
	for {
		last := v.last.Load()
		if seen <= last || v.last.CompareAndSwap(last, seen) {
			return
		}
	}
}

// Last reports the highest version issued or observed so far.
func (v *Versioner) Last() uint64 { return v.last.Load() }
