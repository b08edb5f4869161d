package content

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("content not found")

// ValidationError rejects input before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError means the blob store could not be written. Nothing was
// persisted.
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store blob %s: %v", e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PersistenceError means the database step failed. For creates the blob
// written beforehand has already been cleaned up, or logged as an orphan.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s content: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
