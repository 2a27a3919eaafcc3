package assistant

import (
	"errors"
	"fmt"
)

// ErrDataWithoutEvent is reported when a data line arrives before any event
// line of the current event.
var ErrDataWithoutEvent = errors.New("data line without preceding event line")

// TransportError is a network or connection failure talking to the assistant.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("assistant: %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteProtocolError captures a non-2xx response or an explicit error event
// from the run stream.
type RemoteProtocolError struct {
	Op         string
	StatusCode int
	Reason     string
	Body       string
}

func (e *RemoteProtocolError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("assistant: %s: remote error: %s", e.Op, e.Body)
	}
	return fmt.Sprintf("assistant: %s: unexpected status %d %s: %s", e.Op, e.StatusCode, e.Reason, e.Body)
}

// HTTPStatusCode returns the upstream status, or 0 for stream error events.
func (e *RemoteProtocolError) HTTPStatusCode() int {
	return e.StatusCode
}

// DecodeError is a malformed payload, either in a response body or in one
// stream event.
type DecodeError struct {
	Event string
	Data  string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("assistant: decode: %v", e.Err)
	}
	return fmt.Sprintf("assistant: decode %q event: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NoContentError means the run stream closed without a completed message.
type NoContentError struct {
	ThreadID string
}

func (e *NoContentError) Error() string {
	return fmt.Sprintf("assistant: stream for thread %q closed without a completed message", e.ThreadID)
}
