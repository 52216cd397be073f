package upstream

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wolfeidau/aptg"
)

// Response is a fetched body spooled to disk, or a 304 answer.
type Response struct {
	NotModified bool

	// Digest is the SHA256 of the body, compared against verified hashes.
	Digest aptg.Digest
	// Hash is the BLAKE3 of the body, used as the blob address.
	Hash aptg.Hash
	Size int64

	ContentType  string
	ETag         string
	LastModified string

	spoolPath string
}

// Open returns a reader over the spooled body.
func (r *Response) Open() (io.ReadCloser, error) {
	if r.spoolPath == "" {
		return nil, errors.New("response has no body")
	}
	f, err := os.Open(r.spoolPath)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	return f, nil
}

// Bytes reads the whole body. Used for Release documents and signatures.
func (r *Response) Bytes() ([]byte, error) {
	if r.spoolPath == "" {
		return nil, errors.New("response has no body")
	}
	return os.ReadFile(r.spoolPath)
}

// Detach opens the body and unlinks the spool, leaving the returned file as
// the only reference to the data. Close is a no-op afterwards.
func (r *Response) Detach() (*os.File, error) {
	if r.spoolPath == "" {
		return nil, errors.New("response has no body")
	}
	f, err := os.Open(r.spoolPath)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	_ = os.Remove(r.spoolPath)
	r.spoolPath = ""
	return f, nil
}

// Close removes the spool. It is safe to call more than once.
func (r *Response) Close() error {
	if r == nil || r.spoolPath == "" {
		return nil
	}
	err := os.Remove(r.spoolPath)
	r.spoolPath = ""
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
