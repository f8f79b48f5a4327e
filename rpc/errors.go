package rpc

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is the sentinel for clean peer closure or use-after-close.
//
// It is control flow, not a transport error: the server dispatcher treats it
// as a quiet exit (no frame sent), and Connection.Recv/Send raise it whenever
// the underlying socket is already absent.
var ErrConnectionClosed = errors.New("rpc: connection closed")

// FramingError wraps a JSON decode failure on one otherwise-delimited frame.
//
// Framing errors never kill a server session by themselves (the dispatcher
// replies ERR and continues); on the client side any non-RES/EXC reply
// surfaces as a plain error and closes the endpoint.
type FramingError struct {
	Line []byte
	Err  error
}

// Error's text is the literal ERR reason the dispatcher sends back on the
// wire, not a Go-idiomatic lowercase message: "Failed to parse command: <reason>".
func (e *FramingError) Error() string {
	return fmt.Sprintf("Failed to parse command: %s", e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// attributeErrorClass is the qualified class name synthesized for a CALL
// naming a method that does not exist, is not callable, or is not
// registered for remote invocation — all three are deliberately
// indistinguishable to the caller.
const attributeErrorClass = "rpc:AttributeError"

// AttributeError mirrors Python's builtin AttributeError, raised (and
// marshaled across the wire) whenever a CALL resolves to a method that
// doesn't qualify for remote invocation.
type AttributeError struct {
	Message string
}

func (e *AttributeError) Error() string { return e.Message }

func newNoSuchMethodError(endpointType, name string) *AttributeError {
	return &AttributeError{
		Message: fmt.Sprintf("'%s' object has no attribute '%s'", endpointType, name),
	}
}

// RemoteError is the fallback reconstruction of an application exception
// whose qualified class name is not registered locally: it degrades to a
// generic remote-exception variant that still carries the original class
// name and message.
type RemoteError struct {
	Class   string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// ProtocolError is raised by the client proxy when the server replied with
// ERR, or with any command other than RES/EXC to a CALL. Either case closes
// the endpoint.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string { return e.msg }

func newCatastrophicError(reason string) *ProtocolError {
	return &ProtocolError{msg: "Catastrophic error from server: " + reason}
}

func newInvalidResponseError(cmd Command) *ProtocolError {
	return &ProtocolError{msg: fmt.Sprintf("Invalid command response from server: %s", cmd)}
}
