package bridge

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/c360/citysync/contract"
	"github.com/c360/citysync/errors"
)

// HandlerError reports a failed handler invocation. It matches
// errors.ErrHandlerFailed and unwraps to the handler's own error.
type HandlerError struct {
	EventType contract.EventType
	Index     int
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("bridge: handler %d for %s: %v", e.Index, e.EventType, e.Err)
}

// Unwrap exposes the handler sentinel and the cause.
func (e *HandlerError) Unwrap() []error {
	return []error{errors.ErrHandlerFailed, e.Err}
}

// TimedOut reports whether the handler overran its deadline.
func (e *HandlerError) TimedOut() bool {
	return stderrors.Is(e.Err, context.DeadlineExceeded)
}

// PanicError carries the value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
