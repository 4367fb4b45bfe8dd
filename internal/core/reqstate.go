package core

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const MaxLogEntries = 1000
const MaxLogMessageSize = 4096

// RequestState holds the mutable state for the single Task a Worker
// executes: accumulated logs, the outbound-fetch counter, the resource
// table backing the host-op surface, and in-flight fetch cancellation.
// Exactly one RequestState exists per Worker, created before the script's
// event handler runs and cleared immediately after.
type RequestState struct {
	Env *Env

	logMu sync.Mutex
	logs  []LogEntry

	FetchCount int
	MaxFetches int

	// In-flight fetch cancellation: maps fetchID -> cancel function,
	// mirroring the resource-table handle pattern used by the fetch_init/
	// fetch_respond host ops (one handle per in-flight outbound request).
	fetchMu      sync.Mutex
	fetchCancels map[string]context.CancelFunc
	nextFetchID  int64

	// Resources is the opaque integer-handle resource table backing the
	// script-facing host-op surface (fetch_init/fetch_respond/
	// scheduled_init/scheduled_respond and their streaming variants).
	Resources *ResourceTable
}

// ResourceTable maps opaque integer handles to typed Go values, with
// single-consumer (take-once) semantics for request/response sinks and
// multi-read semantics for everything else. This mirrors deno_core's
// OpState::resource_table, which the host ops in the original
// implementation this engine is grounded on use for exactly this purpose.
type ResourceTable struct {
	mu      sync.Mutex
	next    int32
	entries map[int32]any
}

// NewResourceTable creates an empty resource table.
func NewResourceTable() *ResourceTable {
	return &ResourceTable{entries: make(map[int32]any)}
}

// Insert stores a value and returns its handle.
func (t *ResourceTable) Insert(v any) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.entries[h] = v
	return h
}

// Take removes and returns the value for handle, or (nil, false) if it was
// never inserted or has already been taken.
func (t *ResourceTable) Take(handle int32) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[handle]
	if ok {
		delete(t.entries, handle)
	}
	return v, ok
}

// Get returns the value for handle without removing it.
func (t *ResourceTable) Get(handle int32) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[handle]
	return v, ok
}

var requestCounter atomic.Uint64
var states sync.Map // uint64 -> *RequestState

// NewRequestState creates the request state for a Worker task and returns
// its ID. A Worker never has more than one RequestState live at a time,
// since it executes exactly one Task in its lifetime; states of different
// Workers are kept apart by ID.
func NewRequestState(maxFetches int, env *Env) uint64 {
	id := requestCounter.Add(1)
	states.Store(id, &RequestState{
		MaxFetches: maxFetches,
		Env:        env,
		Resources:  NewResourceTable(),
	})
	return id
}

// GetRequestState returns the state for id, or nil if no state is live
// for id.
func GetRequestState(id uint64) *RequestState {
	v, ok := states.Load(id)
	if !ok {
		return nil
	}
	return v.(*RequestState)
}

// ClearRequestState removes the state for id and cancels any still-pending
// outbound fetches. Returns the cleared state (for draining its logs), or
// nil if no state was live for id.
func ClearRequestState(id uint64) *RequestState {
	v, ok := states.LoadAndDelete(id)
	if !ok {
		return nil
	}

	state := v.(*RequestState)
	state.fetchMu.Lock()
	cancels := state.fetchCancels
	state.fetchCancels = nil
	state.fetchMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return state
}

// AddLog appends a log entry to the request state identified by id.
func AddLog(id uint64, level, message string) {
	state := GetRequestState(id)
	if state == nil {
		return
	}
	state.logMu.Lock()
	defer state.logMu.Unlock()
	if len(state.logs) >= MaxLogEntries {
		return
	}
	if len(message) > MaxLogMessageSize {
		message = message[:MaxLogMessageSize] + "...(truncated)"
	}
	state.logs = append(state.logs, LogEntry{Level: level, Message: message, Time: time.Now()})
}

// Logs returns a copy of the accumulated log entries.
func (rs *RequestState) Logs() []LogEntry {
	rs.logMu.Lock()
	defer rs.logMu.Unlock()
	out := make([]LogEntry, len(rs.logs))
	copy(out, rs.logs)
	return out
}

// RegisterFetchCancel stores a cancel function for an in-flight outbound
// fetch and returns its handle as a string (for embedding in JS).
func RegisterFetchCancel(reqID uint64, cancel context.CancelFunc) string {
	state := GetRequestState(reqID)
	if state == nil {
		return ""
	}
	state.fetchMu.Lock()
	defer state.fetchMu.Unlock()
	state.nextFetchID++
	id := strconv.FormatInt(state.nextFetchID, 10)
	if state.fetchCancels == nil {
		state.fetchCancels = make(map[string]context.CancelFunc)
	}
	state.fetchCancels[id] = cancel
	return id
}

// RemoveFetchCancel removes and returns the cancel function for a fetch.
func RemoveFetchCancel(reqID uint64, fetchID string) context.CancelFunc {
	state := GetRequestState(reqID)
	if state == nil {
		return nil
	}
	state.fetchMu.Lock()
	defer state.fetchMu.Unlock()
	if state.fetchCancels == nil {
		return nil
	}
	cancel := state.fetchCancels[fetchID]
	delete(state.fetchCancels, fetchID)
	return cancel
}

// CallFetchCancel calls the cancel function for the given fetch, if present.
func CallFetchCancel(reqID uint64, fetchID string) {
	if cancel := RemoveFetchCancel(reqID, fetchID); cancel != nil {
		cancel()
	}
}

// ParseReqID parses a request ID string to uint64.
func ParseReqID(s string) uint64 {
	if s == "" || s == "undefined" {
		return 0
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// BoolToInt converts a bool to 1 (true) or 0 (false) for JS interop.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// JsEscape escapes a string for safe embedding in JavaScript source code.
func JsEscape(s string) string {
	return strconv.Quote(s)
}
