package core

import (
	"strings"
	"testing"
)

func TestRequestStateLifecycle(t *testing.T) {
	id := NewRequestState(10, &Env{Vars: map[string]string{"K": "V"}})
	defer ClearRequestState(id)

	state := GetRequestState(id)
	if state == nil {
		t.Fatal("expected an active request state")
	}
	if state.Env.Vars["K"] != "V" {
		t.Fatalf("expected Env to be threaded through, got %+v", state.Env)
	}

	if GetRequestState(id + 1) != nil {
		t.Fatal("a mismatched ID must never resolve to the active state")
	}
}

func TestClearRequestStateInvalidatesID(t *testing.T) {
	id := NewRequestState(10, nil)
	AddLog(id, "log", "before clear")

	cleared := ClearRequestState(id)
	if cleared == nil {
		t.Fatal("expected ClearRequestState to return the cleared state")
	}
	if len(cleared.Logs()) != 1 {
		t.Fatalf("expected one log entry to survive the clear, got %d", len(cleared.Logs()))
	}

	if GetRequestState(id) != nil {
		t.Fatal("state must not be reachable after clear")
	}
	if ClearRequestState(id) != nil {
		t.Fatal("clearing an already-cleared ID is a no-op")
	}
}

func TestAddLogTruncatesOversizedMessages(t *testing.T) {
	id := NewRequestState(10, nil)
	defer ClearRequestState(id)

	long := strings.Repeat("x", MaxLogMessageSize+100)
	AddLog(id, "log", long)

	logs := GetRequestState(id).Logs()
	if len(logs) != 1 {
		t.Fatalf("expected one log entry, got %d", len(logs))
	}
	if !strings.HasSuffix(logs[0].Message, "...(truncated)") {
		t.Fatalf("expected message to be truncated, got suffix %q", logs[0].Message[len(logs[0].Message)-20:])
	}
	if len(logs[0].Message) != MaxLogMessageSize+len("...(truncated)") {
		t.Fatalf("unexpected truncated length: %d", len(logs[0].Message))
	}
}

func TestAddLogCapsEntryCount(t *testing.T) {
	id := NewRequestState(10, nil)
	defer ClearRequestState(id)

	for i := 0; i < MaxLogEntries+50; i++ {
		AddLog(id, "log", "entry")
	}

	logs := GetRequestState(id).Logs()
	if len(logs) != MaxLogEntries {
		t.Fatalf("expected log count to be capped at %d, got %d", MaxLogEntries, len(logs))
	}
}

func TestFetchCancelRegistration(t *testing.T) {
	id := NewRequestState(10, nil)
	defer ClearRequestState(id)

	called := false
	handle := RegisterFetchCancel(id, func() { called = true })
	if handle == "" {
		t.Fatal("expected a non-empty fetch handle")
	}

	CallFetchCancel(id, handle)
	if !called {
		t.Fatal("expected the cancel function to run")
	}

	// A second call for the same (already-removed) handle must be a no-op.
	CallFetchCancel(id, handle)
}

func TestResourceTableTakeIsSingleConsume(t *testing.T) {
	rt := NewResourceTable()
	h := rt.Insert("payload")

	if v, ok := rt.Get(h); !ok || v != "payload" {
		t.Fatalf("expected Get to see the inserted value, got %v, %v", v, ok)
	}

	v, ok := rt.Take(h)
	if !ok || v != "payload" {
		t.Fatalf("expected Take to return the value once, got %v, %v", v, ok)
	}

	if _, ok := rt.Take(h); ok {
		t.Fatal("a second Take on the same handle must fail")
	}
	if _, ok := rt.Get(h); ok {
		t.Fatal("Get must not see a value after it has been taken")
	}
}

func TestParseReqID(t *testing.T) {
	cases := map[string]uint64{
		"":          0,
		"undefined": 0,
		"42":        42,
		"not-a-num": 0,
	}
	for in, want := range cases {
		if got := ParseReqID(in); got != want {
			t.Errorf("ParseReqID(%q) = %d, want %d", in, got, want)
		}
	}
}
