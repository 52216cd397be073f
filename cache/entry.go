package cache

import (
	"time"

	"github.com/wolfeidau/aptg"
	"github.com/wolfeidau/aptg/repo"
	"github.com/wolfeidau/aptg/store/metadb"
	"github.com/wolfeidau/aptg/verify"
)

// Entry is a live cache record for one repository path. Only verified
// content ever becomes an Entry.
type Entry struct {
	Key          string
	Blob         aptg.BlobRef
	Digest       aptg.Digest
	Size         int64
	ContentType  string
	FetchedAt    time.Time
	ExpiresAt    time.Time // zero for immutable entries
	TTLClass     repo.TTLClass
	Verification verify.Verified
	ETag         string
	LastModified string
	LastAccess   time.Time
}

// Expired reports whether the entry must be revalidated before serving.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Meta describes content being stored.
type Meta struct {
	// Digest is the SHA256 the content was verified against.
	Digest aptg.Digest
	// Hash is the BLAKE3 of the content when already known, e.g. from the
	// upstream spool. Zero means it is computed while storing.
	Hash         aptg.Hash
	Size         int64
	ContentType  string
	ETag         string
	LastModified string
	FetchedAt    time.Time
}

func entryFromRecord(rec *metadb.EntryRecord) (*Entry, error) {
	blob, err := aptg.ParseBlobRef(rec.Blob)
	if err != nil {
		return nil, err
	}
	digest, err := aptg.ParseDigest(rec.Digest)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Key:          rec.Key,
		Blob:         blob,
		Digest:       digest,
		Size:         rec.Size,
		ContentType:  rec.ContentType,
		FetchedAt:    rec.FetchedAt,
		ExpiresAt:    rec.ExpiresAt,
		TTLClass:     repo.TTLClass(rec.TTLClass),
		Verification: verify.Verified{KeyID: rec.KeyID},
		ETag:         rec.ETag,
		LastModified: rec.LastModified,
		LastAccess:   rec.LastAccess,
	}, nil
}

func (e *Entry) record() *metadb.EntryRecord {
	return &metadb.EntryRecord{
		Key:          e.Key,
		Blob:         e.Blob.String(),
		Digest:       e.Digest.String(),
		Size:         e.Size,
		ContentType:  e.ContentType,
		FetchedAt:    e.FetchedAt,
		ExpiresAt:    e.ExpiresAt,
		TTLClass:     string(e.TTLClass),
		Verified:     true,
		KeyID:        e.Verification.KeyID,
		ETag:         e.ETag,
		LastModified: e.LastModified,
		LastAccess:   e.LastAccess,
	}
}
