//go:build !linux

package cputimer

import "fmt"

// threadCPUTimeNanos has no portable equivalent outside Linux without cgo
// (Windows would use GetThreadTimes). CPU-time measurement and enforcement
// are therefore disabled on other platforms; wall-clock and memory limits
// still apply.
func threadCPUTimeNanos() (int64, error) {
	return 0, fmt.Errorf("cputimer: per-thread CPU time is not supported on this platform")
}
