package worker

import "github.com/openworkers/workerd-runtime/internal/core"

// BodyKind identifies how an HttpRequest or HttpResponse body is carried.
type BodyKind = core.BodyKind

const (
	BodyNone   = core.BodyNone
	BodyBytes  = core.BodyBytes
	BodyStream = core.BodyStream
)

// Header is a single HTTP header name/value pair. Multiple Headers entries
// with the same Name (case-insensitive) represent repeated headers.
type Header = core.Header

// Headers is an ordered list of HTTP headers.
type Headers = core.Headers

// HttpRequest is the inbound request delivered to a Fetch task's handler.
type HttpRequest = core.HttpRequest

// HttpResponse is the response produced by a Fetch task's handler.
type HttpResponse = core.HttpResponse
