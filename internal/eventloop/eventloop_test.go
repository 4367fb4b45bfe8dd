package eventloop

import (
	"testing"
	"time"
)

// fakeRuntime is a minimal core.JSRuntime stub that records every Eval call
// instead of running real JavaScript, since the timer/fetch firing paths
// only need to observe that the right script was evaluated.
type fakeRuntime struct {
	evals []string
}

func (f *fakeRuntime) Eval(js string) error {
	f.evals = append(f.evals, js)
	return nil
}
func (f *fakeRuntime) EvalString(js string) (string, error)    { return "", nil }
func (f *fakeRuntime) EvalBool(js string) (bool, error)        { return false, nil }
func (f *fakeRuntime) EvalInt(js string) (int, error)          { return 0, nil }
func (f *fakeRuntime) RegisterFunc(name string, fn any) error  { return nil }
func (f *fakeRuntime) SetGlobal(name string, value any) error  { return nil }
func (f *fakeRuntime) RunMicrotasks()                          {}

func TestRegisterAndClearTimer(t *testing.T) {
	el := New()
	id := el.RegisterTimer(time.Hour, false)
	if !el.HasPending() {
		t.Fatal("expected a registered timer to count as pending")
	}
	el.ClearTimer(id)
	if el.HasPending() {
		t.Fatal("expected no pending work after clearing the only timer")
	}
}

func TestDrainFiresExpiredTimer(t *testing.T) {
	el := New()
	el.RegisterTimer(5*time.Millisecond, false)

	rt := &fakeRuntime{}
	el.Drain(rt, time.Now().Add(time.Second))

	if el.HasPending() {
		t.Fatal("a one-shot timer must not remain pending after firing")
	}
	if len(rt.evals) == 0 {
		t.Fatal("expected the timer callback to be invoked via Eval")
	}
}

func TestDrainRespectsDeadline(t *testing.T) {
	el := New()
	el.RegisterTimer(time.Hour, false)

	rt := &fakeRuntime{}
	start := time.Now()
	el.Drain(rt, start.Add(20*time.Millisecond))
	elapsed := time.Since(start)

	if elapsed > 200*time.Millisecond {
		t.Fatalf("Drain should return once the deadline passes, took %v", elapsed)
	}
	if !el.HasPending() {
		t.Fatal("a timer past the deadline is still pending, not fired")
	}
}

func TestAddPendingFetchResolvesThroughDrain(t *testing.T) {
	el := New()
	resultCh := make(chan FetchResult, 1)
	resultCh <- FetchResult{Status: 200, StatusText: "OK", BodyB64: ""}
	el.AddPendingFetch(&PendingFetch{ResultCh: resultCh, FetchID: "1"})

	rt := &fakeRuntime{}
	if !el.DrainPendingFetches(rt) {
		t.Fatal("expected a completed fetch to be drained")
	}
	if el.HasPending() {
		t.Fatal("expected no pending fetches after draining the only one")
	}
}

func TestResetClearsAllState(t *testing.T) {
	el := New()
	el.RegisterTimer(time.Hour, false)
	el.AddPendingFetch(&PendingFetch{ResultCh: make(chan FetchResult), FetchID: "1"})

	el.Reset()
	if el.HasPending() {
		t.Fatal("Reset must clear both timers and pending fetches")
	}
}
