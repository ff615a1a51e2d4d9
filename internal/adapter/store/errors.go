package store

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheLocked is returned when another writer holds the cache lock.
	ErrCacheLocked = errors.New("cache is locked by another writer")

	// ErrIncompatibleSchema is returned when a snapshot was written by a newer schema.
	ErrIncompatibleSchema = errors.New("incompatible cache schema")
)

// CorruptCacheError reports a snapshot that cannot be trusted.
type CorruptCacheError struct {
	Path   string
	Reason string
}

func (e *CorruptCacheError) Error() string {
	return fmt.Sprintf("corrupt cache %s: %s", e.Path, e.Reason)
}

// DimensionMismatchError reports vectors that do not fit the cache shape.
type DimensionMismatchError struct {
	Key      string
	Expected int
	Actual   int
	RowCount bool // counts refer to rows vs keys rather than vector width
}

func (e *DimensionMismatchError) Error() string {
	if e.RowCount {
		return fmt.Sprintf("dimension mismatch: %d vectors for %d keys", e.Actual, e.Expected)
	}
	return fmt.Sprintf("dimension mismatch for key %q: expected width %d, got %d", e.Key, e.Expected, e.Actual)
}

// DuplicateKeyError reports a key that already exists in a strict cache.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key: %s", e.Key)
}
