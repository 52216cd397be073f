package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wolfeidau/aptg"
	"github.com/wolfeidau/aptg/backend"
)

// ErrHashMismatch is returned by PutHashed when the written bytes do not
// hash to the claimed value.
var ErrHashMismatch = errors.New("blob hash mismatch")

// CAFS lays blobs out under blobs/<first byte>/<hash> on a backend.
type CAFS struct {
	backend backend.Backend
	tempDir string
}

// CAFSOption configures a CAFS instance.
type CAFSOption func(*CAFS)

// WithTempDir sets the directory used to spool content of unknown hash.
func WithTempDir(dir string) CAFSOption {
	return func(c *CAFS) {
		c.tempDir = dir
	}
}

// NewCAFS creates a new content-addressable file store.
func NewCAFS(b backend.Backend, opts ...CAFSOption) *CAFS {
	c := &CAFS{backend: b}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores content and returns its hash. The content is spooled to a temp
// file first so the hash is known before the backend key is chosen.
func (c *CAFS) Put(ctx context.Context, r io.Reader) (*PutResult, error) {
	tmpFile, err := os.CreateTemp(c.tempDir, "cafs-upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	hr := aptg.NewHashingReader(r)
	if _, err := io.Copy(tmpFile, hr); err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking temp file: %w", err)
	}
	return c.PutHashed(ctx, hr.Sum(), tmpFile)
}

// PutHashed stores content under a hash the caller has already computed.
func (c *CAFS) PutHashed(ctx context.Context, h aptg.Hash, r io.Reader) (*PutResult, error) {
	key := aptg.BlobStorageKey(h)

	size, err := c.backend.Stat(ctx, key)
	switch {
	case err == nil:
		return &PutResult{Hash: h, Size: size, Exists: true}, nil
	case !errors.Is(err, backend.ErrNotFound):
		return nil, fmt.Errorf("checking existence: %w", err)
	}

	hr := aptg.NewHashingReader(r)
	if err := c.backend.Write(ctx, key, hr); err != nil {
		return nil, fmt.Errorf("writing content: %w", err)
	}
	if got := hr.Sum(); got != h {
		_ = c.backend.Delete(ctx, key)
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, h.ShortString(), got.ShortString())
	}

	return &PutResult{Hash: h, Size: hr.BytesRead()}, nil
}

// Get retrieves content by its hash.
func (c *CAFS) Get(ctx context.Context, h aptg.Hash) (io.ReadCloser, error) {
	rc, err := c.backend.Open(ctx, aptg.BlobStorageKey(h))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return rc, nil
}

func (c *CAFS) Has(ctx context.Context, h aptg.Hash) (bool, error) {
	_, err := c.Size(ctx, h)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, backend.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (c *CAFS) Delete(ctx context.Context, h aptg.Hash) error {
	return c.backend.Delete(ctx, aptg.BlobStorageKey(h))
}

func (c *CAFS) Size(ctx context.Context, h aptg.Hash) (int64, error) {
	size, err := c.backend.Stat(ctx, aptg.BlobStorageKey(h))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return 0, backend.ErrNotFound
		}
		return 0, fmt.Errorf("getting size: %w", err)
	}
	return size, nil
}

func (c *CAFS) Walk(ctx context.Context, fn func(h aptg.Hash, size int64) error) error {
	return c.backend.Walk(ctx, aptg.BlobPrefix, func(key string, size int64) error {
		h, err := aptg.ParseBlobStorageKey(key)
		if err != nil {
			return nil
		}
		return fn(h, size)
	})
}

var _ Store = (*CAFS)(nil)
