package session

import (
	"errors"
	"fmt"

	"github.com/torosent/wsramp/internal/websocket"
)

// ConnectionError is a failed or timed-out opening handshake.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HTTPStatus returns the handshake response status, or 0 when there was none.
func (e *ConnectionError) HTTPStatus() int {
	var hs *websocket.HandshakeError
	if errors.As(e.Err, &hs) {
		return hs.StatusCode
	}
	return 0
}

// TransportError is an IO failure on an established socket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an inbound payload that could not be decoded. Sessions
// log and drop these without changing state.
type ProtocolError struct {
	Payload string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v (payload %q)", e.Err, e.Payload)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ResourceExhaustedError means the host could not open another socket. The
// scheduler treats it as fatal for the run.
type ResourceExhaustedError struct {
	Err error
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %v", e.Err)
}

func (e *ResourceExhaustedError) Unwrap() error { return e.Err }

// CloseTimeoutError records a peer that never acknowledged our close frame.
type CloseTimeoutError struct{}

func (CloseTimeoutError) Error() string { return "close acknowledgement timed out" }

// ErrStopped is returned when a stop signal or cancellation arrives before the
// session opened.
var ErrStopped = errors.New("session stopped before open")

// IsResourceExhausted reports whether err carries a ResourceExhaustedError.
func IsResourceExhausted(err error) bool {
	var re *ResourceExhaustedError
	return errors.As(err, &re)
}

const maxPayloadInError = 128

func truncatePayload(b []byte) string {
	if len(b) <= maxPayloadInError {
		return string(b)
	}
	return string(b[:maxPayloadInError]) + "..."
}
