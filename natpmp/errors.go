package natpmp

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRequest indicates an invalid parameter in a Client's request. A
	// request which fails with ErrBadRequest is never sent.
	ErrBadRequest = errors.New("natpmp: bad request")

	// ErrProtocol indicates that a NAT gateway returned a response that violates
	// the NAT-PMP protocol, such as a response of the wrong size or opcode.
	ErrProtocol = errors.New("natpmp: protocol error")

	// ErrTimeout is returned by a Transport when no datagram arrives before the
	// receive timeout. A Client retries on ErrTimeout and never returns it.
	ErrTimeout = errors.New("natpmp: receive timeout")

	// ErrGatewayUnresponsive indicates that a NAT gateway did not answer any
	// retransmission of a request. Errors returned by a Client match it with
	// errors.Is when retries are exhausted.
	ErrGatewayUnresponsive = errors.New("natpmp: gateway unresponsive")
)

// An UnresponsiveError is returned when every attempt of an exchange timed
// out.
type UnresponsiveError struct {
	Gateway  string
	Attempts int
}

// Error implements error.
func (e *UnresponsiveError) Error() string {
	return fmt.Sprintf("natpmp: gateway %s did not respond after %d attempts", e.Gateway, e.Attempts)
}

// Unwrap allows errors.Is to match ErrGatewayUnresponsive.
func (e *UnresponsiveError) Unwrap() error { return ErrGatewayUnresponsive }

// A TransportError wraps a failure of the underlying Transport other than a
// receive timeout. Transport errors abort an exchange without retrying.
type TransportError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("natpmp: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// A ResultError is a non-zero NAT-PMP result code expressed as an error. It is
// produced by ResultCode.Err; a Client reports result codes in its responses
// and leaves their interpretation to the caller.
type ResultError ResultCode

// Error implements error.
func (e ResultError) Error() string {
	return fmt.Sprintf("natpmp: result %d: %s", uint16(e), ResultCode(e).String())
}

// badRequestf wraps ErrBadRequest with detail.
func badRequestf(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, v...))
}

// protocolf wraps ErrProtocol with detail.
func protocolf(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, v...))
}
