// Package backend is the flat key/value store that cached blobs live in.
// Keys are slash separated. A reader of a key sees either the previous value
// or the complete new one, never a partial write.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that are empty or escape the root.
	ErrInvalidKey = errors.New("invalid key")
)

// Backend must be safe for concurrent use.
type Backend interface {
	// Write stores r at key, replacing any previous value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Open returns the value at key, or ErrNotFound. File-backed values also
	// implement io.Seeker so responses can honour Range requests.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Stat returns the size of the value at key, or ErrNotFound.
	Stat(ctx context.Context, key string) (int64, error)

	// Walk calls fn for every key under prefix, in no particular order.
	Walk(ctx context.Context, prefix string, fn func(key string, size int64) error) error
}
