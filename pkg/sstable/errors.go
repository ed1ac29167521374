package sstable

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady    = errors.New("sstable manager is not ready")
	ErrNotShutdown = errors.New("sstable manager is not shut down")
	ErrEmptyTable  = errors.New("refusing to write an empty sstable")
	ErrClosed      = errors.New("sstable is closed")
)

// FormatError reports a segment file that does not match the expected layout.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("sstable %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatErr(path, reason string, err error) error {
	return &FormatError{Path: path, Reason: reason, Err: err}
}
