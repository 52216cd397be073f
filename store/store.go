// Package store keeps cached content addressed by its BLAKE3 hash, so two
// repository paths with identical bytes share one blob.
package store

import (
	"context"
	"io"

	"github.com/wolfeidau/aptg"
)

// Store is content-addressed blob storage. Missing blobs are reported as
// backend.ErrNotFound.
type Store interface {
	// Put hashes r and stores it. Storing an existing blob is a no-op.
	Put(ctx context.Context, r io.Reader) (*PutResult, error)

	// PutHashed stores r under a hash the caller computed while spooling.
	// The hash is checked as r is written; a mismatch removes the blob and
	// returns ErrHashMismatch.
	PutHashed(ctx context.Context, h aptg.Hash, r io.Reader) (*PutResult, error)

	// Get opens a blob. The caller must close it.
	Get(ctx context.Context, h aptg.Hash) (io.ReadCloser, error)

	Has(ctx context.Context, h aptg.Hash) (bool, error)

	// Delete is idempotent.
	Delete(ctx context.Context, h aptg.Hash) error

	Size(ctx context.Context, h aptg.Hash) (int64, error)

	// Walk visits every stored blob. Files below the blob prefix that are
	// not named by a hash are skipped.
	Walk(ctx context.Context, fn func(h aptg.Hash, size int64) error) error
}

// PutResult describes a stored blob.
type PutResult struct {
	Hash aptg.Hash
	Size int64
	// Exists is set when the blob was already present and nothing was
	// written.
	Exists bool
}
