//go:build linux

// Package cpuenforcer arms a per-thread POSIX CPU timer that fires an
// async signal when a worker exceeds its CPU time budget, and reacts to
// that signal by terminating the isolate. It is grounded on the
// CpuEnforcer in the original implementation's cpu_enforcement module,
// adapted to Go's signal model (see SPEC_FULL.md's platform note): Go
// cannot carry the enforcer ID as the signal's sigval payload the way the
// original's raw sigaction handler does, so each concurrently-armed
// enforcer is given its own real-time signal number instead.
package cpuenforcer

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const sigevSignal = 0 // SIGEV_SIGNAL

// itimerspec mirrors struct itimerspec from <time.h>.
type itimerspec struct {
	Interval unix.Timespec
	Value    unix.Timespec
}

// sigevent mirrors struct sigevent from <signal.h> (SIGEV_MAX_SIZE == 64
// bytes total on Linux/glibc ABI).
type sigevent struct {
	value  int64
	signo  int32
	notify int32
	union  [48]byte
}

type registryEntry struct {
	terminate func()
	overflow  *int32 // unused; cause attribution reads Enforcer.fired
}

var (
	registryMu sync.Mutex
	registry   = map[int]*registryEntry{}
	nextOffset int
	numRT      int
)

func init() {
	lo := int(unix.SIGRTMIN())
	hi := int(unix.SIGRTMAX())
	if hi > lo {
		// Skip the first two real-time signals; some runtimes reserve them.
		lo += 2
	}
	if hi > lo {
		numRT = hi - lo
	}
}

// Enforcer represents one armed per-thread CPU timer. Call Disarm when the
// guarded execution completes, whether or not it fired.
type Enforcer struct {
	timerID int32
	sig     syscall.Signal
	ch      chan os.Signal
	done    chan struct{}
	fired   int32
}

// Arm creates a POSIX timer on CLOCK_THREAD_CPUTIME_ID for the calling
// thread (the caller must have called runtime.LockOSThread) that delivers
// a dedicated real-time signal after budget elapses, and starts a
// goroutine that waits for that signal and calls terminate. Returns nil,
// nil if the platform has no spare real-time signals available (the
// caller falls back to wall-clock enforcement only).
func Arm(budgetNanos int64, terminate func()) (*Enforcer, error) {
	if numRT <= 0 {
		return nil, nil
	}

	registryMu.Lock()
	offset := nextOffset % numRT
	nextOffset++
	sigNum := int(unix.SIGRTMIN()) + 2 + offset
	sig := syscall.Signal(sigNum)
	registryMu.Unlock()

	e := &Enforcer{sig: sig, done: make(chan struct{})}

	overflow := new(int32)
	registryMu.Lock()
	registry[sigNum] = &registryEntry{terminate: terminate, overflow: overflow}
	registryMu.Unlock()

	e.ch = make(chan os.Signal, 1)
	signal.Notify(e.ch, sig)

	go func() {
		select {
		case <-e.ch:
			registryMu.Lock()
			entry := registry[sigNum]
			registryMu.Unlock()
			if entry != nil {
				e.fired = 1
				entry.terminate()
			}
		case <-e.done:
		}
	}()

	var ev sigevent
	ev.notify = sigevSignal
	ev.signo = int32(sigNum)

	var id int32
	_, _, errno := unix.Syscall(
		unix.SYS_TIMER_CREATE,
		uintptr(unix.CLOCK_THREAD_CPUTIME_ID),
		uintptr(unsafe.Pointer(&ev)),
		uintptr(unsafe.Pointer(&id)),
	)
	if errno != 0 {
		e.Disarm()
		return nil, fmt.Errorf("cpuenforcer: timer_create: %w", errno)
	}
	e.timerID = id

	spec := itimerspec{Value: unix.NsecToTimespec(budgetNanos)}
	_, _, errno = unix.Syscall6(
		unix.SYS_TIMER_SETTIME,
		uintptr(e.timerID),
		0,
		uintptr(unsafe.Pointer(&spec)),
		0, 0, 0,
	)
	if errno != 0 {
		e.Disarm()
		return nil, fmt.Errorf("cpuenforcer: timer_settime: %w", errno)
	}

	return e, nil
}

// Fired reports whether the timer delivered its signal before Disarm.
func (e *Enforcer) Fired() bool {
	if e == nil {
		return false
	}
	return e.fired != 0
}

// Disarm deletes the POSIX timer and stops the signal-watching goroutine.
// Safe to call multiple times and on a nil Enforcer.
func (e *Enforcer) Disarm() {
	if e == nil {
		return
	}
	if e.timerID != 0 {
		_, _, _ = unix.Syscall(unix.SYS_TIMER_DELETE, uintptr(e.timerID), 0, 0)
	}
	signal.Stop(e.ch)
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	registryMu.Lock()
	delete(registry, int(e.sig))
	registryMu.Unlock()
}
