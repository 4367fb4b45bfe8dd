package worker

import (
	"context"
	"testing"
	"time"
)

// newTestWorker builds a Worker from source with default limits/permissions
// and no log sink, failing the test on construction error.
func newTestWorker(t *testing.T, source string) *Worker {
	t.Helper()
	w, err := New(Script{Source: source}, DefaultRuntimeLimits(), DefaultPermissions(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func getReq(url string) *HttpRequest {
	return &HttpRequest{Method: "GET", URL: url}
}

// execFetch runs req against w and returns the termination reason plus the
// response, if one was sent before the sink closed.
func execFetch(t *testing.T, w *Worker, req *HttpRequest) (TerminationReason, *HttpResponse) {
	t.Helper()
	task, sink := NewFetchTask(req)
	reason := w.Exec(context.Background(), task)
	resp, _ := sink.Recv()
	return reason, resp
}

func assertSuccess(t *testing.T, reason TerminationReason) {
	t.Helper()
	if !reason.IsSuccess() {
		t.Fatalf("expected success, got %s (detail=%q)", reason.Description(), reason.Detail())
	}
}

// recordingLogSink collects every LogEvent delivered during a task.
type recordingLogSink struct {
	entries []LogEvent
}

func (s *recordingLogSink) Log(entry LogEvent) {
	s.entries = append(s.entries, entry)
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
