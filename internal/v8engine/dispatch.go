package v8engine

import (
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openworkers/workerd-runtime/internal/core"
	"github.com/openworkers/workerd-runtime/internal/cpuenforcer"
	"github.com/openworkers/workerd-runtime/internal/cputimer"
	"github.com/openworkers/workerd-runtime/internal/watchdog"
	"github.com/openworkers/workerd-runtime/internal/webapi"
)

// memoryPatterns are substrings of a captured JS exception message that
// indicate the underlying cause was memory exhaustion rather than a
// script-level error — checked only when no guard flag already pinned the
// cause, since terminate-execution itself surfaces as a generic exception
// from the event-loop drive.
var memoryPatterns = []string{
	"array buffer allocation failed",
	"rangeerror",
	"out of memory",
}

func looksLikeMemoryError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range memoryPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// guards bundles the three independent preemption mechanisms armed for one
// Exec call, plus the abort flag they all race against.
type guards struct {
	cpuTimer   cputimer.Timer
	enforcer   *cpuenforcer.Enforcer
	watchGuard *watchdog.Guard
	aborted    *atomic.Bool
}

func (w *Isolate) armGuards() *guards {
	g := &guards{cpuTimer: cputimer.Start(), aborted: &w.aborted}

	if w.config.MaxCPUTimeMS > 0 {
		budget := w.config.MaxCPUTimeMS * int64(time.Millisecond)
		enforcer, err := cpuenforcer.Arm(budget, func() { w.iso.TerminateExecution() })
		if err == nil {
			g.enforcer = enforcer
		}
	}

	wallTimeout := time.Duration(w.config.MaxWallClockTimeMS) * time.Millisecond
	g.watchGuard = watchdog.Start(wallTimeout, func() { w.iso.TerminateExecution() })

	return g
}

func (g *guards) disarm() {
	if g.enforcer != nil {
		g.enforcer.Disarm()
	}
	g.watchGuard.Stop()
}

// reasonFrom applies the fixed precedence from the component design: CPU
// enforcer, then wall-clock guard, then the allocator's overflow flag,
// then an external abort, then the captured exception (pattern-matched
// against known memory-exhaustion messages), else success. terminate
// -execution itself surfaces as a plain exception from the event-loop
// drive, so the true cause must come from the guards, never from the
// exception text alone.
func (g *guards) reasonFrom(abufOverflow bool, excErr error) (kind, detail string) {
	if g.enforcer != nil && g.enforcer.Fired() {
		return "cpu_time", ""
	}
	if g.watchGuard.Fired() {
		return "wall_clock", ""
	}
	if abufOverflow {
		return "memory", ""
	}
	if g.aborted.Load() {
		return "aborted", ""
	}
	if excErr != nil {
		msg := excErr.Error()
		if looksLikeMemoryError(msg) {
			return "memory", ""
		}
		return "exception", msg
	}
	return "success", ""
}

// Abort marks the isolate aborted and force-terminates any in-flight
// execution. A subsequent Exec call observes the flag and returns
// immediately without running.
func (w *Isolate) Abort() {
	w.aborted.Store(true)
	w.iso.TerminateExecution()
}

// taskDeadline bounds the event-loop drive of one task by the wall-clock
// limit; a limit of zero leaves the drive effectively unbounded.
func (w *Isolate) taskDeadline() time.Time {
	if w.config.MaxWallClockTimeMS <= 0 {
		return time.Now().Add(100 * 365 * 24 * time.Hour)
	}
	return time.Now().Add(time.Duration(w.config.MaxWallClockTimeMS) * time.Millisecond)
}

// ExecuteFetch dispatches one FetchTask into the isolate, invoking the
// worker's fetch handler (module-export or addEventListener style) and
// delivering the fully buffered response through task.Respond.
func (w *Isolate) ExecuteFetch(task *core.FetchTask) core.TerminationOutcome {
	if w.aborted.Load() {
		return core.TerminationOutcome{Kind: "aborted"}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	g := w.armGuards()
	defer g.disarm()

	reqID := core.NewRequestState(w.config.MaxFetchRequests, nil)
	defer core.ClearRequestState(reqID)

	rt := w.rt
	_ = rt.SetGlobal("__requestID", strconv.FormatUint(reqID, 10))

	var excErr error
	if err := webapi.GoRequestToJS(rt, task.Request); err != nil {
		excErr = err
	}
	if excErr == nil {
		if err := webapi.BuildExecContext(rt); err != nil {
			excErr = err
		}
	}
	if excErr == nil {
		if err := rt.Eval(fetchDispatchJS); err != nil {
			excErr = err
		}
	}

	if excErr == nil {
		rt.RunMicrotasks()
		deadline := w.taskDeadline()
		if w.eventLoop.HasPending() {
			w.eventLoop.Drain(rt, deadline)
		}
		if err := webapi.AwaitValue(rt, "__call_result", deadline, w.eventLoop); err != nil {
			excErr = err
		} else {
			_ = rt.Eval("globalThis.__result = globalThis.__call_result; delete globalThis.__call_result;")
			webapi.DrainWaitUntil(rt, deadline)
		}
	}

	kind, detail := g.reasonFrom(w.abuf.Overflowed(), excErr)
	logs := stateLogs(reqID, task.LogSink)

	if kind != "success" {
		return core.TerminationOutcome{Kind: kind, Detail: detail, Logs: logs}
	}

	resp, err := webapi.JsResponseToGo(rt)
	if err != nil {
		k, d := g.reasonFrom(w.abuf.Overflowed(), err)
		return core.TerminationOutcome{Kind: k, Detail: d, Logs: logs}
	}

	if task.Respond != nil {
		task.Respond(resp)
	}
	return core.TerminationOutcome{Kind: "success", Logs: logs}
}

// ExecuteScheduled dispatches one ScheduledTask into the isolate.
func (w *Isolate) ExecuteScheduled(task *core.ScheduledTask) core.TerminationOutcome {
	if w.aborted.Load() {
		return core.TerminationOutcome{Kind: "aborted"}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	g := w.armGuards()
	defer g.disarm()

	reqID := core.NewRequestState(w.config.MaxFetchRequests, nil)
	defer core.ClearRequestState(reqID)

	rt := w.rt
	_ = rt.SetGlobal("__requestID", strconv.FormatUint(reqID, 10))

	var excErr error
	scheduledScript := `globalThis.__sched_time = ` + strconv.FormatInt(task.UnixSeconds, 10) + `;`
	if err := rt.Eval(scheduledScript); err != nil {
		excErr = err
	}
	if excErr == nil {
		if err := webapi.BuildExecContext(rt); err != nil {
			excErr = err
		}
	}
	if excErr == nil {
		if err := rt.Eval(scheduledDispatchJS); err != nil {
			excErr = err
		}
	}

	if excErr == nil {
		rt.RunMicrotasks()
		deadline := w.taskDeadline()
		if w.eventLoop.HasPending() {
			w.eventLoop.Drain(rt, deadline)
		}
		isPromise, _ := rt.EvalBool("globalThis.__call_result instanceof Promise")
		if isPromise {
			if err := webapi.AwaitValue(rt, "__call_result", deadline, w.eventLoop); err != nil {
				excErr = err
			}
		}
		if excErr == nil {
			_ = rt.Eval("delete globalThis.__call_result; delete globalThis.__sched_time;")
			webapi.DrainWaitUntil(rt, deadline)
		}
	}

	kind, detail := g.reasonFrom(w.abuf.Overflowed(), excErr)
	logs := stateLogs(reqID, task.LogSink)

	if kind == "success" && task.Respond != nil {
		task.Respond()
	}
	return core.TerminationOutcome{Kind: kind, Detail: detail, Logs: logs}
}

func stateLogs(reqID uint64, sink core.LogSink) []core.LogEntry {
	state := core.GetRequestState(reqID)
	if state == nil {
		return nil
	}
	logs := state.Logs()
	if sink != nil {
		for _, entry := range logs {
			sink.Log(entry)
		}
	}
	return logs
}

// fetchDispatchJS calls the worker's fetch handler, preferring a module
// default export (export default { fetch(req, env, ctx) }) and falling
// back to addEventListener('fetch', handler) with a FetchEvent carrying
// respondWith/waitUntil, mirroring the two registration styles the
// worker-script ecosystem actually uses.
const fetchDispatchJS = `
(function() {
	var mod = globalThis.__worker_module__;
	if (mod && typeof mod.fetch === 'function') {
		globalThis.__call_result = mod.fetch(globalThis.__req, globalThis.__env, globalThis.__ctx);
		return;
	}
	var listeners = globalThis.__listeners.fetch;
	if (listeners.length === 0) {
		throw new Error('worker module has no fetch handler');
	}
	globalThis.__call_result = new Promise(function(resolve, reject) {
		var event = {
			request: globalThis.__req,
			respondWith: function(p) { Promise.resolve(p).then(resolve, reject); },
			waitUntil: globalThis.__ctx.waitUntil,
			passThroughOnException: globalThis.__ctx.passThroughOnException,
		};
		for (var i = 0; i < listeners.length; i++) {
			listeners[i](event);
		}
	});
})();
`

// scheduledDispatchJS calls the worker's scheduled handler, preferring a
// module default export and falling back to addEventListener('scheduled').
const scheduledDispatchJS = `
(function() {
	var mod = globalThis.__worker_module__;
	var event = {
		scheduledTime: globalThis.__sched_time * 1000,
		cron: '',
		waitUntil: globalThis.__ctx.waitUntil,
	};
	if (mod && typeof mod.scheduled === 'function') {
		globalThis.__call_result = mod.scheduled(event, globalThis.__env, globalThis.__ctx);
		return;
	}
	var listeners = globalThis.__listeners.scheduled;
	if (listeners.length === 0) {
		throw new Error('worker module has no scheduled handler');
	}
	for (var i = 0; i < listeners.length; i++) {
		listeners[i](event);
	}
})();
`
