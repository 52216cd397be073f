package aptg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest. It addresses blobs in the
// content store and is never compared against upstream checksums.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	return decodeHex(h[:], text)
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// DigestSize is the size of a SHA256 digest in bytes.
const DigestSize = sha256.Size

// Digest is a SHA256 checksum as published in Release files and package
// indexes. It is the only hash used for verification.
type Digest [DigestSize]byte

// String returns the hex-encoded representation of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero returns true if the digest is all zeros (uninitialized).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	return decodeHex(d[:], text)
}

// ParseDigest parses a hex-encoded SHA256 digest. Upper-case hex is accepted.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// DigestBytes computes the SHA256 digest of the given bytes.
func DigestBytes(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

func decodeHex(dst, text []byte) error {
	if len(text) != len(dst)*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", len(dst)*2, len(text))
	}
	_, err := hex.Decode(dst, text)
	return err
}

// HashingWriter wraps a writer and computes both the BLAKE3 blob hash and
// the SHA256 digest as data is written.
type HashingWriter struct {
	w      io.Writer
	blake  *blake3.Hasher
	sha    hash.Hash
	n      int64
	hashes io.Writer
}

// NewHashingWriter creates a writer that hashes data as it is written.
// A nil w discards the data and only hashes it.
func NewHashingWriter(w io.Writer) *HashingWriter {
	if w == nil {
		w = io.Discard
	}
	hw := &HashingWriter{
		w:     w,
		blake: blake3.New(),
		sha:   sha256.New(),
	}
	hw.hashes = io.MultiWriter(hw.blake, hw.sha)
	return hw
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		_, _ = hw.hashes.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the BLAKE3 hash of all data written so far.
func (hw *HashingWriter) Sum() Hash {
	var h Hash
	hw.blake.Sum(h[:0])
	return h
}

// Digest returns the SHA256 digest of all data written so far.
func (hw *HashingWriter) Digest() Digest {
	var d Digest
	hw.sha.Sum(d[:0])
	return d
}

// BytesWritten returns the total number of bytes written.
func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}

// HashingReader wraps a reader and computes the BLAKE3 hash as data is read.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader creates a reader that computes a hash as data is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data read so far.
func (hr *HashingReader) Sum() Hash {
	var hash Hash
	hr.h.Sum(hash[:0])
	return hash
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
