// Package cputimer measures the CPU time consumed by the calling OS thread,
// independent of any enforcement action. It is grounded on the CpuTimer RAII
// helper in the original implementation's cpu_timer module: a pure
// measurement used for logging, kept separate from the timer that actually
// enforces the limit (see internal/cpuenforcer).
package cputimer

import "time"

// Timer measures elapsed per-thread CPU time between Start and Elapsed.
// The zero value is not usable; create one with Start.
type Timer struct {
	startNanos int64
	ok         bool
}

// Start begins measuring CPU time on the calling goroutine's current OS
// thread. Callers that need an accurate reading must have pinned the
// goroutine with runtime.LockOSThread first.
func Start() Timer {
	n, err := threadCPUTimeNanos()
	return Timer{startNanos: n, ok: err == nil}
}

// Elapsed returns the CPU time consumed since Start. If the platform does
// not support per-thread CPU time measurement, it returns 0 and false.
func (t Timer) Elapsed() (time.Duration, bool) {
	if !t.ok {
		return 0, false
	}
	n, err := threadCPUTimeNanos()
	if err != nil {
		return 0, false
	}
	return time.Duration(n - t.startNanos), true
}
