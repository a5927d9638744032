package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a point update targets a record that does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrParentNotFound is returned when media references a message that was never queued.
	ErrParentNotFound = errors.New("parent message not found")
	// ErrParentNotSynced is returned when media is marked synced before its message.
	ErrParentNotSynced = errors.New("parent message not synced")
	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("invalid record")
)

// StorageError reports that the local durable store is unavailable or rejected a write
// (closed database, full disk, quota, constraint violation).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
