package connection

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrStaleConnection    = errors.New("connection stale (no heartbeat acknowledgment)")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrClosed             = errors.New("connection closed")
	ErrTransport          = errors.New("transport error")
	ErrProtocol           = errors.New("protocol error")
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrAuthTimeout        = errors.New("authentication timeout")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrQueueFull          = errors.New("outbound queue full")
	ErrServerFatal        = errors.New("server reported unrecoverable error")
)

// TransportError is a socket-level open, read or send failure.
type TransportError struct {
	Op     string // "dial", "read", "send", "heartbeat"
	Code   int    // Close code when the peer sent one, else CloseAbnormal
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transport %s (code %d, %s): %v", e.Op, e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("transport %s (code %d): %v", e.Op, e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError is an inbound frame that could not be parsed.
type ProtocolError struct {
	Frame []byte // Leading bytes of the offending frame
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v (frame %q)", e.Err, e.Frame)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// maxFrameSnippet bounds how much of a bad frame a ProtocolError keeps.
const maxFrameSnippet = 128

func newProtocolError(frame []byte, err error) *ProtocolError {
	if len(frame) > maxFrameSnippet {
		frame = frame[:maxFrameSnippet]
	}
	return &ProtocolError{Frame: append([]byte(nil), frame...), Err: err}
}

// AuthError is an explicit rejection of the credentials or an
// authentication timeout. It is fatal for the current attempt.
type AuthError struct {
	Reason  string
	Timeout bool
}

func (e *AuthError) Error() string {
	if e.Timeout {
		return "authentication timeout"
	}
	if e.Reason == "" {
		return "authentication rejected"
	}
	return "authentication rejected: " + e.Reason
}

func (e *AuthError) Is(target error) bool {
	if target == ErrAuthRejected {
		return true
	}
	return e.Timeout && target == ErrAuthTimeout
}

// ExhaustionError reports that the reconnect budget ran out.
type ExhaustionError struct {
	Attempts int
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("reconnect attempts exhausted after %d attempts", e.Attempts)
}

func (e *ExhaustionError) Is(target error) bool { return target == ErrReconnectExhausted }

// QueueOverflowError reports an enqueue rejected at capacity.
type QueueOverflowError struct {
	Capacity int
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("outbound queue full (capacity %d)", e.Capacity)
}

func (e *QueueOverflowError) Is(target error) bool { return target == ErrQueueFull }
