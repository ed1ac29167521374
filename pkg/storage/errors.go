package storage

import (
	"errors"
	"fmt"

	"bboxkv/pkg/sstable"
	"bboxkv/pkg/types"
)

var (
	ErrNotReady     = errors.New("storage is not ready")
	ErrNotFound     = errors.New("tuple not found")
	ErrRegistryDown = errors.New("storage registry is shut down")
)

// Error carries the failed operation and table.
type Error struct {
	Op    string
	Table types.TableName
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, table types.TableName, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Table: table, Err: err}
}

// notReady maps a segment manager that went away during Clear to ErrNotReady.
func notReady(err error) error {
	if errors.Is(err, sstable.ErrNotReady) {
		return ErrNotReady
	}
	return err
}
