package worker

// Task is the tagged variant of work a Worker executes exactly once in its
// lifetime: either a Fetch (deliver one HttpResponse) or a Scheduled
// (signal completion with no payload).
type Task interface {
	isTask()
}

// FetchTask delivers req to the worker's registered fetch handler and
// expects exactly one HttpResponse back through Sink, or a dropped Sink as
// a legal cancellation.
type FetchTask struct {
	Request *HttpRequest
	Sink    *ResponseSink
}

func (*FetchTask) isTask() {}

// NewFetchTask builds a FetchTask and its paired ResponseSink.
func NewFetchTask(req *HttpRequest) (*FetchTask, *ResponseSink) {
	sink := newResponseSink()
	return &FetchTask{Request: req, Sink: sink}, sink
}

// ScheduledTask delivers a cron-style trigger timestamp and expects a
// completion signal with no payload back through Sink.
type ScheduledTask struct {
	UnixSeconds int64
	Sink        *CompletionSink
}

func (*ScheduledTask) isTask() {}

// NewScheduledTask builds a ScheduledTask and its paired CompletionSink.
func NewScheduledTask(unixSeconds int64) (*ScheduledTask, *CompletionSink) {
	sink := newCompletionSink()
	return &ScheduledTask{UnixSeconds: unixSeconds, Sink: sink}, sink
}

// ResponseSink is a single-shot, single-producer, single-consumer channel
// for delivering one HttpResponse back to the host. The engine delivers a
// script's response through Send with a fully buffered body (a
// ReadableStream body is read to its end first); it never calls
// StartStream. Dropping the sink without sending — i.e. never calling Send
// or StartStream — is a legal cancellation, observed by the consumer as
// Recv returning ok=false.
type ResponseSink struct {
	ch chan *HttpResponse
}

func newResponseSink() *ResponseSink {
	return &ResponseSink{ch: make(chan *HttpResponse, 1)}
}

// Send delivers a complete, already-buffered response. Send or StartStream
// may be called at most once; a second call panics, matching the
// single-producer invariant.
func (s *ResponseSink) Send(resp *HttpResponse) {
	s.ch <- resp
	close(s.ch)
}

// StartStream delivers response status/headers immediately and returns a
// StreamWriter for the body chunks that follow. The caller must eventually
// call Close or CloseWithError on the returned writer.
func (s *ResponseSink) StartStream(status int, headers Headers) *StreamWriter {
	sw := newStreamWriter()
	resp := &HttpResponse{StatusCode: status, Headers: headers, BodyKind: BodyStream, BodyStreamer: sw}
	s.ch <- resp
	close(s.ch)
	return sw
}

// Recv blocks until a response is sent or the sink is closed without a
// response (cancellation, ok=false). Intended for the host side of the
// channel.
func (s *ResponseSink) Recv() (*HttpResponse, bool) {
	resp, ok := <-s.ch
	return resp, ok
}

// CompletionSink is a single-shot, single-producer, single-consumer
// channel signaling that a ScheduledTask finished, with no payload.
// Dropping it without calling Done is a legal cancellation.
type CompletionSink struct {
	ch chan struct{}
}

func newCompletionSink() *CompletionSink {
	return &CompletionSink{ch: make(chan struct{})}
}

// Done signals completion. Calling Done twice panics.
func (s *CompletionSink) Done() {
	close(s.ch)
}

// Recv blocks until Done is called or the sink is dropped (closed channel
// reads as ok=false is indistinguishable from Done in Go, so callers treat
// channel-close itself, from either path, as completion).
func (s *CompletionSink) Recv() {
	<-s.ch
}

// streamChunkBacklog is the bounded channel depth for streamed response
// bodies: Write blocks once this many chunks are in flight and unread by
// the host.
const streamChunkBacklog = 16

// StreamWriter delivers a streamed HttpResponse body chunk-by-chunk to the
// host through a bounded channel, so a slow host consumer blocks the
// writer. The engine does not write script responses through a
// StreamWriter; they arrive buffered through ResponseSink.Send.
type StreamWriter struct {
	chunks chan []byte
	done   chan error
}

func newStreamWriter() *StreamWriter {
	return &StreamWriter{
		chunks: make(chan []byte, streamChunkBacklog),
		done:   make(chan error, 1),
	}
}

// Write pushes one chunk. Blocks while the backlog is full.
func (w *StreamWriter) Write(chunk []byte) {
	w.chunks <- chunk
}

// Close signals the end of the stream with no error.
func (w *StreamWriter) Close() {
	w.done <- nil
	close(w.chunks)
}

// CloseWithError ends the stream, surfacing err to the host-side reader.
func (w *StreamWriter) CloseWithError(err error) {
	w.done <- err
	close(w.chunks)
}

// Next blocks for the next chunk. ok is false once the stream has been
// closed and all buffered chunks drained; err carries a non-nil value only
// if CloseWithError was used.
func (w *StreamWriter) Next() (chunk []byte, ok bool, err error) {
	chunk, ok = <-w.chunks
	if ok {
		return chunk, true, nil
	}
	select {
	case err = <-w.done:
	default:
	}
	return nil, false, err
}
