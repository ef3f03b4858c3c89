package command

import (
	stderrors "errors"
	"fmt"

	"github.com/c360/citysync/errors"
)

var (
	// ErrDuplicateIntent is returned by Register for an intent that already has
	// a handler.
	ErrDuplicateIntent = stderrors.New("command: duplicate intent")

	// ErrInvalidArguments reports arguments that do not decode into the
	// handler's parameter type or fail its checks.
	ErrInvalidArguments = fmt.Errorf("command: invalid arguments: %w", errors.ErrValidation)
)

// UnknownIntentError is returned by Execute for an intent with no handler.
type UnknownIntentError struct {
	Intent string
}

func (e *UnknownIntentError) Error() string {
	return fmt.Sprintf("command: unknown intent %q", e.Intent)
}

func (e *UnknownIntentError) Unwrap() error {
	return errors.ErrUnknownIntent
}

func invalidArguments(op, reason string, err error) error {
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %s: %w", ErrInvalidArguments, reason, err), "command", op, "decode arguments")
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrInvalidArguments, reason), "command", op, "check arguments")
}
