package spatial

import (
	"errors"
	"fmt"
)

var ErrUnknownStrategy = errors.New("unknown spatial index strategy")

// FormatError reports a malformed serialized index.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spatial index format: %s: %v", e.Reason, e.Err)
	}
	return "spatial index format: " + e.Reason
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Malformed builds a FormatError.
func Malformed(format string, args ...any) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// Truncated wraps an unexpected end of stream.
func Truncated(what string, err error) error {
	return &FormatError{Reason: "truncated " + what, Err: err}
}
