package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageFull is returned by Put when LRU eviction cannot bring usage
	// under the disk high watermark.
	ErrStorageFull = errors.New("store: storage full")
	// ErrCorruption marks a record or snapshot that failed authentication or
	// checksum verification.
	ErrCorruption = errors.New("store: corruption detected")
	// ErrNoSnapshot is returned when no valid snapshot exists on disk.
	ErrNoSnapshot = errors.New("store: no valid snapshot")
	// ErrSecretMismatch is returned when the configured secret cannot open
	// data already sealed under the store directory.
	ErrSecretMismatch = errors.New("store: secret does not match sealed data")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// StorageError reports a backend failure that persisted after one retry. The
// store keeps serving from memory until the backend recovers.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrEmptyKey is returned by Put for an empty cache key.
var ErrEmptyKey = errors.New("store: key required")
