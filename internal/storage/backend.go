// Package storage defines the Backend interface for the shared image store.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by GetObject when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend is the interface for blob storage backends.
// Every application instance sees the same objects; a write is visible to
// all instances as soon as PutObject returns.
type Backend interface {
	// GetObject opens an object for reading and returns its size.
	// Missing keys yield an error matching ErrNotFound.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject stores content under key, replacing any existing object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// List returns every stored object.
	List(ctx context.Context) ([]ObjectInfo, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
