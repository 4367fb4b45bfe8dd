package worker

import "fmt"

// TerminationReason classifies how a single Worker.Exec call ended. Exactly
// one reason is produced per Task, following a fixed precedence when more
// than one limit could plausibly apply: CPU time, then wall clock, then
// memory, then an explicit abort, then a recognized resource-exhaustion
// exception message, then a generic script exception.
type TerminationReason struct {
	kind   terminationKind
	detail string
}

type terminationKind int

const (
	kindSuccess terminationKind = iota
	kindCPUTimeLimit
	kindWallClockTimeout
	kindMemoryLimit
	kindException
	kindInitializationError
	kindAborted
	kindTerminated
)

// Success reports that the handler ran to completion within all limits.
func Success() TerminationReason { return TerminationReason{kind: kindSuccess} }

// CPUTimeLimit reports that the per-thread CPU time budget was exceeded.
func CPUTimeLimit() TerminationReason { return TerminationReason{kind: kindCPUTimeLimit} }

// WallClockTimeout reports that the wall-clock watchdog fired.
func WallClockTimeout() TerminationReason { return TerminationReason{kind: kindWallClockTimeout} }

// MemoryLimit reports that the JS heap or ArrayBuffer cap was exceeded.
func MemoryLimit() TerminationReason { return TerminationReason{kind: kindMemoryLimit} }

// Exception reports that the handler threw or rejected with an
// unrecognized error; detail carries the formatted JS exception.
func Exception(detail string) TerminationReason {
	return TerminationReason{kind: kindException, detail: detail}
}

// InitializationError reports that the isolate or script failed to set up
// (compile error, missing handler, setup failure); detail carries the
// underlying error.
func InitializationError(detail string) TerminationReason {
	return TerminationReason{kind: kindInitializationError, detail: detail}
}

// Aborted reports that the caller's context was cancelled before the
// handler completed.
func Aborted() TerminationReason { return TerminationReason{kind: kindAborted} }

// Terminated reports an execution that ended for a reason that does not
// fit the other categories (e.g. a second Exec call on the same Worker).
func Terminated() TerminationReason { return TerminationReason{kind: kindTerminated} }

// Detail returns the reason-specific message, if any (Exception,
// InitializationError).
func (r TerminationReason) Detail() string { return r.detail }

// IsSuccess reports whether the handler completed without hitting any
// limit or throwing.
func (r TerminationReason) IsSuccess() bool { return r.kind == kindSuccess }

// IsLimitExceeded reports whether termination was caused by a resource
// limit (CPU time, wall clock, or memory) rather than a script error.
func (r TerminationReason) IsLimitExceeded() bool {
	switch r.kind {
	case kindCPUTimeLimit, kindWallClockTimeout, kindMemoryLimit:
		return true
	default:
		return false
	}
}

// Description returns a short human-readable description of the reason.
func (r TerminationReason) Description() string {
	switch r.kind {
	case kindSuccess:
		return "completed successfully"
	case kindCPUTimeLimit:
		return "exceeded CPU time limit"
	case kindWallClockTimeout:
		return "exceeded wall-clock time limit"
	case kindMemoryLimit:
		return "exceeded memory limit"
	case kindException:
		if r.detail != "" {
			return "unhandled exception: " + r.detail
		}
		return "unhandled exception"
	case kindInitializationError:
		if r.detail != "" {
			return "initialization error: " + r.detail
		}
		return "initialization error"
	case kindAborted:
		return "aborted"
	case kindTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the reason onto the HTTP status code a server fronting
// this Worker should return for a fetch task.
func (r TerminationReason) HTTPStatus() int {
	switch r.kind {
	case kindSuccess:
		return 200
	case kindCPUTimeLimit, kindMemoryLimit:
		return 429
	case kindWallClockTimeout:
		return 504
	case kindException, kindInitializationError:
		return 500
	case kindAborted, kindTerminated:
		return 503
	default:
		return 500
	}
}

// String implements fmt.Stringer.
func (r TerminationReason) String() string {
	return fmt.Sprintf("%s", r.Description())
}
