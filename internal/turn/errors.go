package turn

import (
	"errors"
	"fmt"
)

var (
	// ErrTurnInProgress is returned when Send is called while a turn is
	// still streaming.
	ErrTurnInProgress = errors.New("a turn is already in progress")

	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("session is closed")
)

// ValidationError reports input the user can correct. Nothing has been sent
// or written when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
