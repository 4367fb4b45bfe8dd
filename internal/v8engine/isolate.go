package v8engine

import (
	"fmt"
	"sync/atomic"

	"github.com/openworkers/workerd-runtime/internal/abuffer"
	"github.com/openworkers/workerd-runtime/internal/core"
	"github.com/openworkers/workerd-runtime/internal/eventloop"
	"github.com/openworkers/workerd-runtime/internal/webapi"
	v8 "github.com/tommie/v8go"
)

// setupFunc configures a V8 context with one Web API surface.
type setupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// buildSetupFuncs returns the Web API setup functions wired into every
// Isolate. Trimmed to the surfaces this core actually exposes — console,
// URL/encoding/timers/abort/streams/fetch and the error-reporting plumbing.
func buildSetupFuncs(cfg core.EngineConfig) []setupFunc {
	return []setupFunc{
		webapi.SetupWebAPIs,
		webapi.SetupURLSearchParamsExt,
		webapi.SetupGlobals,
		webapi.SetupEncoding,
		webapi.SetupTimers,
		webapi.SetupAbort,
		webapi.SetupReportError,
		webapi.SetupStreams,
		webapi.SetupBodyTypes,
		webapi.SetupConsole,
		webapi.SetupConsoleExt,
		func(rt core.JSRuntime, el *eventloop.EventLoop) error {
			return webapi.SetupFetch(rt, cfg, el)
		},
		webapi.SetupUnhandledRejection,
	}
}

// Isolate is a single V8 isolate+context, bootstrapped for exactly one
// task. Unlike the teacher's site-keyed worker pool, an Isolate is never
// reused across tasks — it is built fresh by NewIsolate and destroyed by
// Close after its one Exec call.
type Isolate struct {
	iso       *v8.Isolate
	ctx       *v8.Context
	rt        *v8Runtime
	eventLoop *eventloop.EventLoop
	abuf      *abuffer.Counter
	config    core.EngineConfig
	aborted   atomic.Bool
}

var _ core.EngineBackend = (*Isolate)(nil)

// NewIsolate constructs a V8 isolate, wires every Web API surface, installs
// the counting ArrayBuffer allocator, and compiles+runs the worker source
// as the main module. Returns an error (the caller maps this onto
// InitializationError) if any step fails, including the module not
// exposing a fetch or scheduled handler.
func NewIsolate(source string, env *core.Env, cfg core.EngineConfig) (*Isolate, error) {
	var iso *v8.Isolate
	if cfg.HeapMaxMB > 0 {
		heapSize := uint64(cfg.HeapMaxMB) * 1024 * 1024
		heapInitial := uint64(cfg.HeapInitialMB) * 1024 * 1024
		if heapInitial == 0 || heapInitial > heapSize {
			heapInitial = heapSize / 2
		}
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapInitial, heapSize))
	} else {
		iso = v8.NewIsolate()
	}

	ctx := v8.NewContext(iso)
	rt := &v8Runtime{iso: iso, ctx: ctx}
	el := eventloop.New()

	var abufCounter *abuffer.Counter
	if cfg.MaxArrayBufferMB > 0 {
		abufCounter = abuffer.NewCounter(int64(cfg.MaxArrayBufferMB) * 1024 * 1024)
	} else {
		abufCounter = abuffer.NewCounter(0)
	}

	for _, setup := range buildSetupFuncs(cfg) {
		if err := setup(rt, el); err != nil {
			ctx.Close()
			iso.Dispose()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := installArrayBufferGuard(rt, abufCounter); err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("installing array buffer guard: %w", err)
	}

	if err := installEventTriggers(rt); err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("installing event triggers: %w", err)
	}

	wrapped := webapi.WrapESModule(source)
	script, err := iso.CompileUnboundScript(wrapped, "worker.js", v8.CompileOptions{})
	if err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("compiling worker script: %w", err)
	}

	if _, err := script.Run(ctx); err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("running worker script: %w", err)
	}

	if err := bindModuleTriggers(rt); err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("binding worker handlers: %w", err)
	}

	// The env mapping is part of the immutable Script, so it is built once
	// here rather than per task.
	if err := webapi.BuildEnvObject(rt, env, 0); err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("building env object: %w", err)
	}

	return &Isolate{
		iso:       iso,
		ctx:       ctx,
		rt:        rt,
		eventLoop: el,
		abuf:      abufCounter,
		config:    cfg,
	}, nil
}

// Close disposes the isolate. Must be called exactly once, after the
// Isolate's single Exec call returns.
func (w *Isolate) Close() {
	w.ctx.Close()
	w.iso.Dispose()
}

// arrayBufferGuardJS overrides the global ArrayBuffer and SharedArrayBuffer
// constructors, AND every typed-array constructor, so every allocation is
// accounted against the Go-side counter before the real constructor runs,
// and released when the buffer is garbage collected. tommie/v8go has no
// pluggable allocator vtable (see internal/abuffer's package doc), so this
// JS-level wrapper is the only hook point available; overflow throws
// RangeError, matching the externally-observable behavior of a
// vtable-level allocation failure.
//
// A length-constructed typed array (new Uint8Array(n)) allocates its
// backing store through the realm's internal %ArrayBuffer% intrinsic per
// the ECMAScript spec, NOT through the mutable globalThis.ArrayBuffer
// binding, so patching ArrayBuffer alone never sees that allocation. Each
// typed-array constructor is therefore wrapped too, for the
// number-of-elements call form only. A typed array built over an existing
// buffer shares that buffer's already-counted store; one built from an
// array-like, an iterable or another typed array gets a fresh backing
// store that is not counted against the cap.
const arrayBufferGuardJS = `
(function() {
	var RealArrayBuffer = globalThis.ArrayBuffer;
	var RealSharedArrayBuffer = globalThis.SharedArrayBuffer;
	var registry = (typeof FinalizationRegistry !== 'undefined')
		? new FinalizationRegistry(function(byteLength) { __abufRelease(byteLength); })
		: null;

	function guardedCtor(Real) {
		return function(byteLength) {
			var n = byteLength >>> 0;
			if (!__abufReserve(n)) {
				throw new RangeError('Array buffer allocation failed');
			}
			var buf = new Real(n);
			if (registry) registry.register(buf, n);
			return buf;
		};
	}

	globalThis.ArrayBuffer = guardedCtor(RealArrayBuffer);
	globalThis.ArrayBuffer.prototype = RealArrayBuffer.prototype;
	globalThis.ArrayBuffer.isView = RealArrayBuffer.isView;

	if (RealSharedArrayBuffer) {
		globalThis.SharedArrayBuffer = guardedCtor(RealSharedArrayBuffer);
		globalThis.SharedArrayBuffer.prototype = RealSharedArrayBuffer.prototype;
	}

	var typedArrayNames = [
		'Int8Array', 'Uint8Array', 'Uint8ClampedArray',
		'Int16Array', 'Uint16Array', 'Int32Array', 'Uint32Array',
		'Float32Array', 'Float64Array', 'BigInt64Array', 'BigUint64Array',
	];

	function guardedTypedCtor(Real) {
		var bytesPerElement = Real.BYTES_PER_ELEMENT;
		function Guarded() {
			if (arguments.length === 1 && typeof arguments[0] === 'number') {
				var n = arguments[0] >>> 0;
				var byteLength = n * bytesPerElement;
				if (!__abufReserve(byteLength)) {
					throw new RangeError('Array buffer allocation failed');
				}
				var arr = new Real(n);
				if (registry) registry.register(arr.buffer, byteLength);
				return arr;
			}
			switch (arguments.length) {
				case 0: return new Real();
				case 2: return new Real(arguments[0], arguments[1]);
				case 3: return new Real(arguments[0], arguments[1], arguments[2]);
				default: return new Real(arguments[0]);
			}
		}
		Guarded.prototype = Real.prototype;
		Guarded.BYTES_PER_ELEMENT = bytesPerElement;
		Guarded.of = Real.of;
		Guarded.from = Real.from;
		return Guarded;
	}

	for (var i = 0; i < typedArrayNames.length; i++) {
		var name = typedArrayNames[i];
		var Real = globalThis[name];
		if (typeof Real !== 'function') continue;
		globalThis[name] = guardedTypedCtor(Real);
	}
})();
`

func installArrayBufferGuard(rt core.JSRuntime, counter *abuffer.Counter) error {
	if err := rt.RegisterFunc("__abufReserve", func(n int) bool {
		return counter.Reserve(int64(n))
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__abufRelease", func(n int) {
		counter.Release(int64(n))
	}); err != nil {
		return err
	}
	return rt.Eval(arrayBufferGuardJS)
}

// eventTriggerJS gives the worker source both the module-export style
// (export default { fetch, scheduled }) and the addEventListener style of
// registering handlers, recording listeners on globalThis.__listeners so
// bindModuleTriggers and the dispatch scripts can find them either way.
const eventTriggerJS = `
(function() {
	globalThis.__listeners = { fetch: [], scheduled: [] };
	globalThis.addEventListener = function(type, handler) {
		if (globalThis.__listeners[type]) globalThis.__listeners[type].push(handler);
	};
})();
`

func installEventTriggers(rt core.JSRuntime) error {
	return rt.Eval(eventTriggerJS)
}

// bindModuleTriggers resolves the fetch/scheduled triggers after the
// worker module has run, from whichever registration style it used, and
// fails construction if neither is present.
func bindModuleTriggers(rt core.JSRuntime) error {
	ok, err := rt.EvalBool(`
		(function() {
			var mod = globalThis.__worker_module__ || {};
			var hasFetch = typeof mod.fetch === 'function' || globalThis.__listeners.fetch.length > 0;
			var hasScheduled = typeof mod.scheduled === 'function' || globalThis.__listeners.scheduled.length > 0;
			return hasFetch || hasScheduled;
		})()
	`)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("worker script registered no fetch or scheduled handler")
	}
	return nil
}
