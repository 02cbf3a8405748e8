package ocr

import (
	"errors"
	"fmt"
)

// Reason classifies why text could not be extracted
type Reason string

const (
	ReasonEmptyInput        Reason = "empty_input"
	ReasonUnsupportedFormat Reason = "unsupported_format"
	ReasonCorruptDocument   Reason = "corrupt_document"
	ReasonNoReadableText    Reason = "no_readable_text"
)

var (
	ErrEmptyInput        = errors.New("empty input")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptDocument   = errors.New("corrupt document")
	ErrNoReadableText    = errors.New("no readable text")
	ErrAllConfigsFailed  = errors.New("all OCR configurations failed")
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonEmptyInput:
		return ErrEmptyInput
	case ReasonUnsupportedFormat:
		return ErrUnsupportedFormat
	case ReasonCorruptDocument:
		return ErrCorruptDocument
	case ReasonNoReadableText:
		return ErrNoReadableText
	}
	return nil
}

// ExtractionError is returned by Extract. It matches the sentinel of its Reason
// with errors.Is and unwraps to the underlying cause.
type ExtractionError struct {
	Reason  Reason
	Op      string
	Err     error
	Details string
}

func (e *ExtractionError) Error() string {
	msg := string(e.Reason)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil && e.Err != e.Reason.sentinel() {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool {
	return target != nil && target == e.Reason.sentinel()
}

func newError(reason Reason, op string, err error, details string) *ExtractionError {
	if err == nil {
		err = reason.sentinel()
	}
	return &ExtractionError{Reason: reason, Op: op, Err: err, Details: details}
}

// NewError builds an *ExtractionError matching the sentinel of reason
func NewError(reason Reason, op, details string) *ExtractionError {
	return newError(reason, op, nil, details)
}
