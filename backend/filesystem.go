package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// tempPrefix marks in-flight writes. Walk skips them.
const tempPrefix = ".tmp-"

// Filesystem stores each key as a file below root. Writes go to a temp file
// in the target directory and are renamed into place.
type Filesystem struct {
	root   string
	noSync bool
}

// FilesystemOption configures a Filesystem.
type FilesystemOption func(*Filesystem)

// WithNoSync skips the fsync before rename. Only for tests and throwaway
// caches.
func WithNoSync(noSync bool) FilesystemOption {
	return func(b *Filesystem) {
		b.noSync = noSync
	}
}

// NewFilesystem creates root if needed and returns a backend over it.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	b := &Filesystem{root: absRoot}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Root returns the root directory path.
func (b *Filesystem) Root() string {
	return b.root
}

func (b *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	p, err := b.keyToPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if !b.noSync {
		if err := tmp.Sync(); err != nil {
			return fmt.Errorf("syncing file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Open returns an *os.File.
func (b *Filesystem) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := b.keyToPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

func (b *Filesystem) Delete(_ context.Context, key string) error {
	p, err := b.keyToPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

func (b *Filesystem) Stat(_ context.Context, key string) (int64, error) {
	p, err := b.keyToPath(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// Walk visits regular files under prefix. A missing prefix directory is
// empty, not an error.
func (b *Filesystem) Walk(ctx context.Context, prefix string, fn func(key string, size int64) error) error {
	dir := b.root
	if prefix != "" {
		p, err := b.keyToPath(prefix)
		if err != nil {
			return err
		}
		dir = p
	}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dir {
				return fs.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info.Size())
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", dir, err)
	}
	return nil
}

// keyToPath converts a slash separated key to a filesystem path, refusing
// keys that would resolve outside the root.
func (b *Filesystem) keyToPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(b.root, filepath.FromSlash(clean[1:])), nil
}

// contextReader stops a copy once the context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

var _ Backend = (*Filesystem)(nil)
