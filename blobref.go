package aptg

import (
	"fmt"
	"strings"
)

// Algorithm identifies the hash algorithm used in a blob reference.
type Algorithm string

const (
	AlgBLAKE3 Algorithm = "blake3"
)

// BlobRef is a content-addressed reference to a blob in the content store.
type BlobRef struct {
	Alg  Algorithm
	Hash Hash
}

// NewBlobRef creates a BlobRef using the BLAKE3 algorithm.
func NewBlobRef(h Hash) BlobRef {
	return BlobRef{Alg: AlgBLAKE3, Hash: h}
}

// ParseBlobRef parses a blob reference string in the form "algorithm:hex".
// The algorithm is case-insensitive.
func ParseBlobRef(s string) (BlobRef, error) {
	if s == "" {
		return BlobRef{}, fmt.Errorf("empty blob ref")
	}

	algoStr, hexStr, ok := strings.Cut(s, ":")
	if !ok {
		return BlobRef{}, fmt.Errorf("missing algorithm in blob ref %q", s)
	}
	if Algorithm(strings.ToLower(algoStr)) != AlgBLAKE3 {
		return BlobRef{}, fmt.Errorf("unsupported algorithm %q in blob ref %q", algoStr, s)
	}

	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return BlobRef{}, fmt.Errorf("invalid hash in blob ref %q: %w", s, err)
	}
	return BlobRef{Alg: AlgBLAKE3, Hash: h}, nil
}

// String returns the canonical string form "algorithm:hex".
func (r BlobRef) String() string {
	return string(r.Alg) + ":" + r.Hash.String()
}

// IsZero reports whether the ref is unset.
func (r BlobRef) IsZero() bool {
	return r.Hash.IsZero()
}

// MarshalText implements encoding.TextMarshaler.
func (r BlobRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *BlobRef) UnmarshalText(text []byte) error {
	parsed, err := ParseBlobRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// BlobPrefix is the backend key prefix under which blobs are stored.
const BlobPrefix = "blobs"

// BlobStorageKey returns the backend storage key for a blob.
// Format: blobs/{hex[:2]}/{hex}
func BlobStorageKey(h Hash) string {
	hex := h.String()
	return BlobPrefix + "/" + hex[:2] + "/" + hex
}

// ParseBlobStorageKey extracts a Hash from a backend storage key.
func ParseBlobStorageKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != BlobPrefix {
		return Hash{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	h, err := ParseHash(parts[2])
	if err != nil {
		return Hash{}, err
	}
	if parts[1] != parts[2][:2] {
		return Hash{}, fmt.Errorf("blob key shard mismatch: %s", key)
	}
	return h, nil
}
