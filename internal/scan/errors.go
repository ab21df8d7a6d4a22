package scan

import (
	"errors"
	"fmt"
	"strings"
)

// Error kind labels used in run records and metrics.
const (
	KindRequestError  = "request_error"
	KindProtocolError = "protocol_error"
	KindJobFailed     = "job_failed"
	KindCancelled     = "cancelled"
	KindInternal      = "internal"
)

// RequestError reports a transport-level or non-2xx HTTP failure from the
// scan engine.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return NormalizeMessage(e.Message)
	}
	return fmt.Sprintf("(status %d)", e.StatusCode)
}

// ProtocolError reports a well-formed transport exchange whose payload
// violates the engine contract: a synchronous failure envelope, a missing
// snapshot ID, or a garbled body.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return NormalizeMessage(e.Message)
}

// JobFailedError reports that the engine explicitly marked the scan failed.
type JobFailedError struct {
	Message string
}

func (e *JobFailedError) Error() string {
	return NormalizeMessage(e.Message)
}

// CancelledError reports that the caller aborted the run. Cause carries the
// originating context error.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	return "scan cancelled"
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// NormalizeMessage collapses runs of whitespace so callers receive a single
// readable line regardless of how the engine formatted its message.
func NormalizeMessage(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ErrorKind classifies err into a stable label. Unrecognized errors are
// reported as internal.
func ErrorKind(err error) string {
	var (
		reqErr    *RequestError
		protoErr  *ProtocolError
		failedErr *JobFailedError
		cancelErr *CancelledError
	)
	switch {
	case errors.As(err, &cancelErr):
		return KindCancelled
	case errors.As(err, &failedErr):
		return KindJobFailed
	case errors.As(err, &protoErr):
		return KindProtocolError
	case errors.As(err, &reqErr):
		return KindRequestError
	default:
		return KindInternal
	}
}

// ErrRunNotFound signals that the requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// ErrQueueClosed signals that the run queue has shut down and will not
// yield further items.
var ErrQueueClosed = errors.New("queue closed")
