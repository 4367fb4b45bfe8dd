// Package abuffer enforces a hard cap on ArrayBuffer/SharedArrayBuffer byte
// usage, independent of the JS heap limit. It is grounded on CustomAllocator
// in the original implementation's array_buffer_allocator module, which
// installs a counting allocator directly into V8's embedder allocator
// vtable.
//
// tommie/v8go does not expose an equivalent pluggable-allocator hook (only
// v8.WithResourceConstraints for the JS heap), so the same invariant is
// enforced one level up: the global ArrayBuffer/SharedArrayBuffer
// constructors are wrapped in JS to call into this counter before
// delegating to the real constructor, throwing RangeError on overflow —
// the same externally-observable behavior the original gets from its
// vtable-level allocate() returning null.
package abuffer

import "sync/atomic"

// Counter tracks live ArrayBuffer bytes against a hard cap.
type Counter struct {
	max        int64
	count      atomic.Int64
	overflowed atomic.Bool
}

// NewCounter creates a counter with the given byte cap. A cap of 0 means
// unlimited.
func NewCounter(maxBytes int64) *Counter {
	return &Counter{max: maxBytes}
}

// Reserve attempts to account for n additional bytes. Returns false (and
// does not change the count) if the reservation would exceed the cap.
func (c *Counter) Reserve(n int64) bool {
	if c.max <= 0 {
		return true
	}
	newTotal := c.count.Add(n)
	if newTotal > c.max {
		c.count.Add(-n)
		c.overflowed.Store(true)
		return false
	}
	return true
}

// Release returns n bytes to the budget.
func (c *Counter) Release(n int64) {
	c.count.Add(-n)
}

// CurrentUsage returns the number of bytes currently reserved.
func (c *Counter) CurrentUsage() int64 {
	return c.count.Load()
}

// Overflowed reports whether any Reserve call has ever been refused. It is
// sticky for the lifetime of the counter — one Worker, one task — so the
// supervisor can distinguish a memory-exhaustion exception from a generic
// script exception even after the refusal has already been rolled back.
func (c *Counter) Overflowed() bool {
	return c.overflowed.Load()
}
