package worker

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestModuleDefaultExportFetch(t *testing.T) {
	w := newTestWorker(t, `export default {
  fetch(request, env, ctx) {
    return new Response("it works");
  }
};`)

	reason, resp := execFetch(t, w, getReq("http://localhost/"))
	assertSuccess(t, reason)
	if resp == nil {
		t.Fatal("expected a response")
	}
	if string(resp.Body) != "it works" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
}

func TestAddEventListenerFetch(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('fetch', (event) => {
  event.respondWith(new Response("listener style"));
});`)

	reason, resp := execFetch(t, w, getReq("http://localhost/"))
	assertSuccess(t, reason)
	if resp == nil || string(resp.Body) != "listener style" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestFetchSeesRequestMethodAndHeaders(t *testing.T) {
	w := newTestWorker(t, `export default {
  fetch(request) {
    return new Response(request.method + " " + request.headers.get("x-test"));
  }
};`)

	req := &HttpRequest{
		Method:  "POST",
		URL:     "http://localhost/path",
		Headers: Headers{{Name: "X-Test", Value: "hello"}},
	}
	reason, resp := execFetch(t, w, req)
	assertSuccess(t, reason)
	if string(resp.Body) != "POST hello" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
}

func TestEnvVarsAndSecretsExposed(t *testing.T) {
	w, err := New(Script{
		Source: `export default {
  fetch(request, env) {
    return new Response(env.GREETING + ":" + env.API_KEY);
  }
};`,
		Vars:    map[string]string{"GREETING": "hi"},
		Secrets: map[string]string{"API_KEY": "shh"},
	}, DefaultRuntimeLimits(), DefaultPermissions(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	reason, resp := execFetch(t, w, getReq("http://localhost/"))
	assertSuccess(t, reason)
	if string(resp.Body) != "hi:shh" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
}

func TestUnhandledExceptionReportsException(t *testing.T) {
	w := newTestWorker(t, `export default {
  fetch(request) {
    throw new Error("boom");
  }
};`)

	reason, _ := execFetch(t, w, getReq("http://localhost/"))
	if reason.IsSuccess() {
		t.Fatal("expected a failure")
	}
	if reason.IsLimitExceeded() {
		t.Fatalf("expected a plain exception, got %s", reason.Description())
	}
	if !strings.Contains(reason.Detail(), "boom") {
		t.Fatalf("expected detail to mention the thrown error, got %q", reason.Detail())
	}
}

func TestMissingHandlerIsInitializationError(t *testing.T) {
	_, err := New(Script{Source: `globalThis.foo = 1;`}, DefaultRuntimeLimits(), DefaultPermissions(), nil)
	if err == nil {
		t.Fatal("expected construction to fail for a script with no fetch/scheduled handler")
	}
}

func TestWallClockTimeoutTerminatesLongRunningScript(t *testing.T) {
	limits := DefaultRuntimeLimits()
	limits.MaxWallClockTimeMS = 200

	w, err := New(Script{Source: `export default {
  fetch(request) {
    while (true) {}
  }
};`}, limits, DefaultPermissions(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	reason, _ := execFetch(t, w, getReq("http://localhost/"))
	if reason.IsSuccess() {
		t.Fatal("expected the watchdog to terminate the script")
	}
	if !reason.IsLimitExceeded() {
		t.Fatalf("expected a resource-limit termination, got %s", reason.Description())
	}
}

func TestOversizedTypedArrayAllocationHitsMemoryLimit(t *testing.T) {
	limits := DefaultRuntimeLimits()
	limits.HeapMaxMB = 512
	limits.MaxArrayBufferMB = 64

	w, err := New(Script{Source: `export default {
  fetch(request) {
    var buf = new Uint8Array(200 * 1024 * 1024);
    return new Response("allocated " + buf.length);
  }
};`}, limits, DefaultPermissions(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	reason, _ := execFetch(t, w, getReq("http://localhost/"))
	if reason.IsSuccess() {
		t.Fatal("expected the array-buffer guard to reject an oversized Uint8Array allocation")
	}
	if reason.Description() != MemoryLimit().Description() {
		t.Fatalf("expected MemoryLimit, got %s (detail=%q)", reason.Description(), reason.Detail())
	}
}

func TestStreamedRequestBodyReachesScript(t *testing.T) {
	w := newTestWorker(t, `export default {
  async fetch(request) {
    var text = await request.text();
    return new Response("got:" + text);
  }
};`)

	sw := newStreamWriter()
	go func() {
		sw.Write([]byte("hello "))
		sw.Write([]byte("world"))
		sw.Close()
	}()

	req := &HttpRequest{
		Method:       "POST",
		URL:          "http://localhost/",
		BodyKind:     BodyStream,
		BodyStreamer: sw,
	}

	reason, resp := execFetch(t, w, req)
	assertSuccess(t, reason)
	if resp == nil || string(resp.Body) != "got:hello world" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAbortBeforeExecReturnsAbortedWithoutDispatch(t *testing.T) {
	w := newTestWorker(t, `export default {
  fetch(request) {
    return new Response("should never run");
  }
};`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task, sink := NewFetchTask(getReq("http://localhost/"))
	reason := w.Exec(ctx, task)
	if reason.Description() != Aborted().Description() {
		t.Fatalf("expected Aborted, got %s", reason.Description())
	}

	select {
	case resp, ok := <-sink.ch:
		if ok {
			t.Fatalf("expected no response to be sent, got %+v", resp)
		}
	default:
	}
}

func TestWorkerAbortMethodPreventsDispatch(t *testing.T) {
	w := newTestWorker(t, `export default {
  fetch(request) {
    return new Response("should never run");
  }
};`)

	w.Abort()

	reason, _ := execFetch(t, w, getReq("http://localhost/"))
	if reason.Description() != Aborted().Description() {
		t.Fatalf("expected Aborted, got %s", reason.Description())
	}
}

func TestScheduledHandlerRuns(t *testing.T) {
	w := newTestWorker(t, `export default {
  scheduled(event, env, ctx) {
    // no return value expected
  }
};`)

	task, sink := NewScheduledTask(time.Now().Unix())
	reason := w.Exec(t.Context(), task)
	assertSuccess(t, reason)
	sink.Recv()
}

func TestSecondExecReturnsTerminated(t *testing.T) {
	w := newTestWorker(t, `export default {
  fetch(request) {
    return new Response("ok");
  }
};`)

	task1, sink1 := NewFetchTask(getReq("http://localhost/"))
	assertSuccess(t, w.Exec(t.Context(), task1))
	sink1.Recv()

	task2, _ := NewFetchTask(getReq("http://localhost/"))
	reason := w.Exec(t.Context(), task2)
	if reason.IsSuccess() {
		t.Fatal("expected the second Exec call to be rejected")
	}
}

func TestLogSinkReceivesConsoleOutput(t *testing.T) {
	sink := &recordingLogSink{}
	w, err := New(Script{Source: `export default {
  fetch(request) {
    console.log("hello from the worker");
    return new Response("ok");
  }
};`}, DefaultRuntimeLimits(), DefaultPermissions(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	reason, _ := execFetch(t, w, getReq("http://localhost/"))
	assertSuccess(t, reason)

	found := false
	for _, entry := range sink.entries {
		if strings.Contains(entry.Message, "hello from the worker") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected log sink to capture console.log output, got %+v", sink.entries)
	}
}
