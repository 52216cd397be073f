package verify

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/wolfeidau/aptg"
)

// Expectation is the digest and size a verified document promises for a
// path. KeyID is the signer of that document and Source names it, e.g.
// "release bookworm" or "index dists/bookworm/main/binary-amd64/Packages.xz".
type Expectation struct {
	SHA256 aptg.Digest
	Size   int64
	KeyID  string
	Source string
}

// Check compares a computed digest and size against an expectation.
func Check(exp Expectation, actual aptg.Digest, size int64) Result {
	if actual != exp.SHA256 || size != exp.Size {
		return HashMismatch{
			Expected:     exp.SHA256,
			Actual:       actual,
			ExpectedSize: exp.Size,
			ActualSize:   size,
		}
	}
	return Verified{KeyID: exp.KeyID}
}

// ContentVerifier hashes content incrementally. Write everything, then call
// Result.
type ContentVerifier struct {
	exp Expectation
	h   hash.Hash
	n   int64
}

// NewContentVerifier returns a verifier for exp.
func NewContentVerifier(exp Expectation) *ContentVerifier {
	return &ContentVerifier{exp: exp, h: sha256.New()}
}

// Write implements io.Writer. It never fails.
func (v *ContentVerifier) Write(p []byte) (int, error) {
	n, _ := v.h.Write(p)
	v.n += int64(n)
	return n, nil
}

// Result reports the outcome for everything written so far.
func (v *ContentVerifier) Result() Result {
	var d aptg.Digest
	copy(d[:], v.h.Sum(nil))
	return Check(v.exp, d, v.n)
}

// VerifyContent streams r through a ContentVerifier. The error is non-nil
// only when reading fails.
func VerifyContent(r io.Reader, exp Expectation) (Result, error) {
	v := NewContentVerifier(exp)
	if _, err := io.Copy(v, r); err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return v.Result(), nil
}
