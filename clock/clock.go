// Package clock provides the monotonic and epoch time abstractions used by
// the session FSM for timeouts and SendingTime stamping (spec §4.6).
package clock

import "time"

// Clock exposes wall-clock and monotonic nanosecond readers. The FSM uses
// monotonic time for timeout comparisons and epoch time for SendingTime so
// that neither is perturbed by an operator resetting the system clock
// mid-session.
type Clock interface {
	// EpochNanos returns the current wall-clock time as nanoseconds since
	// the Unix epoch.
	EpochNanos() int64
	// MonotonicNanos returns a nanosecond counter with no defined epoch;
	// only differences between two readings are meaningful.
	MonotonicNanos() int64
}

// System is the production Clock backed by the Go runtime's clock source.
// time.Now() carries a monotonic reading alongside its wall-clock value, so
// both accessors are derived from a single syscall.
type System struct{}

// New returns the system clock.
func New() System { return System{} }

func (System) EpochNanos() int64 {
	return time.Now().UnixNano()
}

func (System) MonotonicNanos() int64 {
	// time.Since against a fixed reference preserves the monotonic reading
	// time.Now() attaches internally; subtracting two such readings never
	// observes a wall-clock step.
	return time.Now().Sub(processStart).Nanoseconds()
}

var processStart = time.Now()

// Fake is a controllable Clock for tests. Zero value starts both readings at
// zero; advance with Advance.
type Fake struct {
	epochNanos      int64
	monotonicNanos  int64
}

// NewFake returns a Fake clock starting at the given epoch nanos, with its
// monotonic reading starting at zero.
func NewFake(startEpochNanos int64) *Fake {
	return &Fake{epochNanos: startEpochNanos}
}

func (f *Fake) EpochNanos() int64     { return f.epochNanos }
func (f *Fake) MonotonicNanos() int64 { return f.monotonicNanos }

// Advance moves both the epoch and monotonic readings forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.epochNanos += int64(d)
	f.monotonicNanos += int64(d)
}

// Set pins the epoch reading to an exact instant, useful when asserting on
// formatted SendingTime values. The monotonic reading is untouched.
func (f *Fake) Set(t time.Time) {
	f.epochNanos = t.UnixNano()
}
