// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package esb

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	// ErrIllegalState is reported when Send or SendFault is called on an
	// exchange whose current phase does not permit it.
	ErrIllegalState = errors.New("illegal exchange state")

	// ErrMessageSent is reported when a message that was already sent is sent
	// again. Use Message.Copy to re-submit its contents.
	ErrMessageSent = errors.New("message already sent")

	// ErrUnknownOperation is reported when an exchange names an operation that
	// is not defined by the consumer or provider interface.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrPatternMismatch is reported when a consumer operation expects a reply
	// but the provider operation is one-way.
	ErrPatternMismatch = errors.New("exchange pattern mismatch")

	// ErrServiceNotFound is reported when a reference targets a service that
	// is not registered with the domain.
	ErrServiceNotFound = errors.New("service not found")

	// ErrDuplicateService is reported when a service or reference name is
	// registered twice in the same domain.
	ErrDuplicateService = errors.New("duplicate registration")

	// ErrTimeout is wrapped by a DeliveryError when a synchronous wait gives
	// up before a reply arrives.
	ErrTimeout = errors.New("timed out waiting for reply")

	// ErrInvalidTimeout is reported when a synchronous wait is requested with
	// a non-positive timeout.
	ErrInvalidTimeout = errors.New("timeout must be positive")
)

// StateError is the concrete type of errors reported by Send and SendFault
// when the exchange cannot accept the message. It wraps ErrIllegalState or
// ErrMessageSent.
type StateError struct {
	Op    string // "send" or "fault"
	Phase Phase  // phase at the time of the call
	State State  // state at the time of the call
	Err   error
}

// Error satisfies the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v (phase %v, state %v)", e.Op, e.Err, e.Phase, e.State)
}

// Unwrap reports the underlying error of e.
func (e *StateError) Unwrap() error { return e.Err }

// HandlerError is the content of a fault generated when a handler reports an
// error or panics. Err is the error reported by the handler, so the cause of
// a fault can be recovered with errors.Unwrap or errors.As.
type HandlerError struct {
	Handler string // a description of the handler that failed
	Err     error
}

// Error satisfies the error interface.
func (e *HandlerError) Error() string {
	if e.Handler == "" {
		return fmt.Sprintf("handler failed: %v", e.Err)
	}
	return fmt.Sprintf("handler %s failed: %v", e.Handler, e.Err)
}

// Unwrap reports the underlying error of e.
func (e *HandlerError) Unwrap() error { return e.Err }

// DeliveryError is the concrete type of errors reported when a synchronous
// caller stops waiting for a reply. This is distinct from a fault: a fault is
// a reply, a DeliveryError means no reply was seen.
type DeliveryError struct {
	Exchange *Exchange     // the exchange that was not answered
	Timeout  time.Duration // the timeout in effect, if any
	Err      error         // ErrTimeout, or the error from the context
}

// Error satisfies the error interface.
func (e *DeliveryError) Error() string {
	var id string
	if e.Exchange != nil {
		id = e.Exchange.ID()
	}
	if e.Timeout > 0 {
		return fmt.Sprintf("exchange %s: no reply after %v: %v", id, e.Timeout, e.Err)
	}
	return fmt.Sprintf("exchange %s: no reply: %v", id, e.Err)
}

// Unwrap reports the underlying error of e.
func (e *DeliveryError) Unwrap() error { return e.Err }

// ContentTypeError is reported by ContentAs when the content of a message
// cannot be represented as the requested type.
type ContentTypeError struct {
	Want reflect.Type
	Got  any
}

// Error satisfies the error interface.
func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("content of type %T is not assignable to %v", e.Got, e.Want)
}

// panicError converts a recovered panic value into an error, preserving the
// value if it is already an error.
func panicError(x any) error {
	if err, ok := x.(error); ok {
		return err
	}
	return fmt.Errorf("handler panicked (recovered): %v", x)
}
