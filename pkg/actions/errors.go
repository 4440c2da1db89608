package actions

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownActionType = errors.New("unknown action type")
	ErrInvalidConfig     = errors.New("invalid action config")
	ErrAttemptTimeout    = errors.New("action attempt timed out")
	ErrHandlerPanic      = errors.New("action handler panicked")
)

// PermanentError marks a handler error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the executor does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}
