package pipeline

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned when a document exceeds the upload cap
var ErrTooLarge = errors.New("document too large")

// StageError names the pipeline step that failed
type StageError struct {
	Stage Step
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failing step of err, or "" when err carries none
func StageOf(err error) Step {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
