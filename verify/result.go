// Package verify checks OpenPGP signatures on Release documents and SHA256
// digests of everything else, and keeps the registry of expected hashes
// derived from verified documents.
package verify

import (
	"fmt"

	"github.com/wolfeidau/aptg"
)

// Outcome names a Result variant. It is the value recorded in audit events
// and metrics.
type Outcome string

const (
	OutcomeVerified         Outcome = "verified"
	OutcomeSignatureInvalid Outcome = "signature_invalid"
	OutcomeNoKeyFound       Outcome = "no_key_found"
	OutcomeHashMismatch     Outcome = "hash_mismatch"
	OutcomeUnverifiable     Outcome = "unverifiable"
)

// Result is the outcome of verifying one artifact. Only Verified permits
// caching or serving.
type Result interface {
	Trusted() bool
	Outcome() Outcome
	String() string
	result()
}

// Verified means the signature or digest checked out. KeyID is the signer
// of the document, or of the Release that vouched for the content.
type Verified struct {
	KeyID string
}

// SignatureInvalid means the signer is in the keyring but the signature does
// not verify, or no usable signature was present.
type SignatureInvalid struct {
	KeyID  string
	Reason string
}

// NoKeyFound means the claimed signer is not in the keyring.
type NoKeyFound struct {
	KeyID string
}

// HashMismatch means content did not match its expected digest or size.
type HashMismatch struct {
	Expected     aptg.Digest
	Actual       aptg.Digest
	ExpectedSize int64
	ActualSize   int64
}

// Unverifiable means no verified document lists the content.
type Unverifiable struct {
	Reason string
}

func (Verified) Trusted() bool         { return true }
func (SignatureInvalid) Trusted() bool { return false }
func (NoKeyFound) Trusted() bool       { return false }
func (HashMismatch) Trusted() bool     { return false }
func (Unverifiable) Trusted() bool     { return false }

func (Verified) Outcome() Outcome         { return OutcomeVerified }
func (SignatureInvalid) Outcome() Outcome { return OutcomeSignatureInvalid }
func (NoKeyFound) Outcome() Outcome       { return OutcomeNoKeyFound }
func (HashMismatch) Outcome() Outcome     { return OutcomeHashMismatch }
func (Unverifiable) Outcome() Outcome     { return OutcomeUnverifiable }

func (r Verified) String() string {
	if r.KeyID == "" {
		return "verified"
	}
	return "verified by " + r.KeyID
}

func (r SignatureInvalid) String() string {
	return fmt.Sprintf("signature invalid (key %s): %s", orUnknown(r.KeyID), r.Reason)
}

func (r NoKeyFound) String() string {
	return fmt.Sprintf("no trusted key %s", orUnknown(r.KeyID))
}

func (r HashMismatch) String() string {
	return fmt.Sprintf("hash mismatch: expected sha256:%s (%d bytes), got sha256:%s (%d bytes)",
		r.Expected, r.ExpectedSize, r.Actual, r.ActualSize)
}

func (r Unverifiable) String() string {
	return "unverifiable: " + r.Reason
}

func (Verified) result()         {}
func (SignatureInvalid) result() {}
func (NoKeyFound) result()       {}
func (HashMismatch) result()     {}
func (Unverifiable) result()     {}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
