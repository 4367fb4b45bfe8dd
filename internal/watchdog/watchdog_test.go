package watchdog

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestGuardStopBeforeTimeoutDoesNotFire(t *testing.T) {
	var terminated atomic.Bool
	g := Start(time.Hour, func() { terminated.Store(true) })
	g.Stop()

	if g.Fired() {
		t.Fatal("guard should not have fired")
	}
	if terminated.Load() {
		t.Fatal("terminate should not have been called")
	}
}

func TestGuardFiresOnTimeout(t *testing.T) {
	done := make(chan struct{})
	g := Start(10*time.Millisecond, func() { close(done) })
	defer g.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("terminate was never called")
	}

	// fired is recorded before terminate runs; wait a little past the
	// timeout before checking it.
	time.Sleep(10 * time.Millisecond)
	if !g.Fired() {
		t.Fatal("expected Fired() to be true after timeout")
	}
}

func TestZeroTimeoutDisablesGuard(t *testing.T) {
	g := Start(0, func() { t.Fatal("terminate must never be called when disabled") })
	g.Stop()
	if g.Fired() {
		t.Fatal("a disabled guard can never fire")
	}
}

func TestNilGuardIsSafe(t *testing.T) {
	var g *Guard
	g.Stop()
	if g.Fired() {
		t.Fatal("a nil guard never fires")
	}
}
