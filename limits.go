package worker

// RuntimeLimits bounds the resources a single Worker invocation may use.
// A zero value disables HeapMaxMB, MaxCPUTimeMS, MaxWallClockTimeMS and
// MaxArrayBufferMB. A zero FetchTimeoutSec or MaxResponseBytes falls back
// to 30 s or 10 MiB, and a zero MaxFetchRequests allows no outbound fetch.
// A RuntimeLimits that is zero in every field is replaced by
// DefaultRuntimeLimits.
type RuntimeLimits struct {
	// HeapInitialMB and HeapMaxMB bound the V8 isolate's JS heap.
	HeapInitialMB int
	HeapMaxMB     int

	// MaxCPUTimeMS bounds the thread CPU time consumed while running the
	// worker's handler, enforced by the CPU enforcer (Linux) independent
	// of wall-clock time.
	MaxCPUTimeMS int64

	// MaxWallClockTimeMS bounds the real time a single Exec call may take,
	// enforced by the wall-clock watchdog on every platform.
	MaxWallClockTimeMS int64

	// MaxArrayBufferMB bounds total live ArrayBuffer/SharedArrayBuffer
	// bytes, which are not covered by the JS heap limit.
	MaxArrayBufferMB int

	// MaxFetchRequests bounds the number of outbound fetch() calls a
	// single task may make.
	MaxFetchRequests int

	// FetchTimeoutSec bounds a single outbound fetch() call.
	FetchTimeoutSec int

	// MaxResponseBytes bounds the body size of outbound fetch responses.
	// The worker's own response is not bounded by it.
	MaxResponseBytes int
}

// DefaultRuntimeLimits returns the limits a Worker uses when none are
// supplied explicitly.
func DefaultRuntimeLimits() RuntimeLimits {
	return RuntimeLimits{
		HeapInitialMB:      1,
		HeapMaxMB:          128,
		MaxCPUTimeMS:       50,
		MaxWallClockTimeMS: 30_000,
		MaxArrayBufferMB:   64,
		MaxFetchRequests:   50,
		FetchTimeoutSec:    30,
		MaxResponseBytes:   10 * 1024 * 1024,
	}
}
