package worker

import "github.com/openworkers/workerd-runtime/internal/core"

// LogEvent is one structured log line produced by the worker's script
// (console.*, or host-op logging) during a task.
type LogEvent = core.LogEntry

// LogSink receives a task's LogEvents, in order, once its handler has
// finished, before Exec returns. Implementations must not block for long —
// the engine calls Log synchronously from the goroutine running Exec.
type LogSink = core.LogSink
