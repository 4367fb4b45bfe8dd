// Package worker embeds a JavaScript engine to run untrusted worker
// scripts that respond to HTTP fetch events and scheduled (cron) events,
// subject to strict per-invocation CPU, wall-clock, and memory limits.
//
// A Worker owns exactly one JS isolate and executes exactly one Task in
// its lifetime: construct it with New, run its single task with Exec, and
// discard it with Close.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/openworkers/workerd-runtime/internal/core"
	"github.com/openworkers/workerd-runtime/internal/v8engine"
)

// Worker supervises a single isolated script execution context: it builds
// the isolate, dispatches one Task into it, and guarantees termination
// under CPU, wall-clock, and memory exhaustion, reporting a precise cause.
type Worker struct {
	backend core.EngineBackend
	logSink LogSink
	perms   Permissions
	used    bool

	// aborted is set by Abort (and by Exec itself, when ctx is already
	// cancelled). Exec consults it synchronously before ever calling into
	// the backend, so a pre-aborted Worker is guaranteed not to touch the
	// isolate — no race against the backend's own internal abort flag.
	aborted atomic.Bool
}

// aborter is implemented by engine backends that support external
// preemption via Worker.Abort. v8engine.Isolate implements it; the
// interface is kept narrow so core.EngineBackend doesn't need to grow an
// Abort method for backends that can't support it.
type aborter interface {
	Abort()
}

// New constructs a Worker from a Script, installing envVars/envSecrets,
// the counting array-buffer allocator, and every Web API surface, then
// loading the script as the main module and verifying it registers a
// fetch or scheduled handler. If limits is the zero value,
// DefaultRuntimeLimits is used. logSink may be nil, in which case script
// log output is discarded. perms is stored on the Worker; no fetch or
// other engine path consults it.
//
// Construction fails with a descriptive error — the caller wraps it as
// InitializationError(err.Error()) — if the script fails to compile, to
// run, or to register a handler.
func New(script Script, limits RuntimeLimits, perms Permissions, logSink LogSink) (*Worker, error) {
	if limits == (RuntimeLimits{}) {
		limits = DefaultRuntimeLimits()
	}

	cfg := core.EngineConfig{
		HeapInitialMB:      limits.HeapInitialMB,
		HeapMaxMB:          limits.HeapMaxMB,
		MaxCPUTimeMS:       limits.MaxCPUTimeMS,
		MaxWallClockTimeMS: limits.MaxWallClockTimeMS,
		MaxArrayBufferMB:   limits.MaxArrayBufferMB,
		MaxFetchRequests:   limits.MaxFetchRequests,
		FetchTimeoutSec:    limits.FetchTimeoutSec,
		MaxResponseBytes:   limits.MaxResponseBytes,
	}

	env := &core.Env{Vars: script.Vars, Secrets: script.Secrets}

	iso, err := v8engine.NewIsolate(script.Source, env, cfg)
	if err != nil {
		return nil, fmt.Errorf("constructing worker: %w", err)
	}

	return &Worker{backend: iso, logSink: logSink, perms: perms}, nil
}

// Abort preempts the Worker from outside its Exec call: a concurrent or
// later Exec call observes it and returns Aborted() without dispatching
// to the isolate, and if a task is already running on the backend, the
// isolate is force-terminated. Safe to call at any time, including before
// Exec or after Close.
func (w *Worker) Abort() {
	w.aborted.Store(true)
	if ab, ok := w.backend.(aborter); ok {
		ab.Abort()
	}
}

// Exec dispatches task into the Worker's isolate. It is only valid to call
// Exec once per Worker, matching the one-task-per-lifetime invariant; a
// second call returns Terminated() without running anything.
//
// If ctx is already cancelled, or Abort was already called, Exec returns
// Aborted() synchronously without ever calling into the backend — the
// isolate is guaranteed untouched. If ctx is cancelled while the task is
// still running, the isolate is force-terminated (when the backend
// supports external abort) and Aborted() is returned.
func (w *Worker) Exec(ctx context.Context, task Task) TerminationReason {
	if w.used {
		return Terminated()
	}
	w.used = true

	// A task that ends without a response drops its sink, so the host's
	// Recv returns instead of blocking.
	sent := false
	defer func() {
		if sent {
			return
		}
		switch t := task.(type) {
		case *FetchTask:
			if t.Sink != nil {
				close(t.Sink.ch)
			}
		case *ScheduledTask:
			if t.Sink != nil {
				close(t.Sink.ch)
			}
		}
	}()

	if w.aborted.Load() || ctx.Err() != nil {
		w.aborted.Store(true)
		return Aborted()
	}

	if ab, ok := w.backend.(aborter); ok {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				w.aborted.Store(true)
				ab.Abort()
			case <-done:
			}
		}()
	}

	var outcome core.TerminationOutcome
	switch t := task.(type) {
	case *FetchTask:
		outcome = w.backend.ExecuteFetch(&core.FetchTask{
			Request: t.Request,
			Respond: func(resp *core.HttpResponse) { sent = true; t.Sink.Send(resp) },
			LogSink: w.logSink,
		})
	case *ScheduledTask:
		outcome = w.backend.ExecuteScheduled(&core.ScheduledTask{
			UnixSeconds: t.UnixSeconds,
			Respond:     func() { sent = true; t.Sink.Done() },
			LogSink:     w.logSink,
		})
	default:
		return InitializationError(fmt.Sprintf("unsupported task type %T", task))
	}

	return reasonFromOutcome(outcome)
}

// Close disposes the Worker's isolate. Safe to call whether or not Exec
// was ever called.
func (w *Worker) Close() {
	w.backend.Close()
}

func reasonFromOutcome(o core.TerminationOutcome) TerminationReason {
	switch o.Kind {
	case "success":
		return Success()
	case "cpu_time":
		return CPUTimeLimit()
	case "wall_clock":
		return WallClockTimeout()
	case "memory":
		return MemoryLimit()
	case "exception":
		return Exception(o.Detail)
	case "init_error":
		return InitializationError(o.Detail)
	case "aborted":
		return Aborted()
	default:
		return Terminated()
	}
}
