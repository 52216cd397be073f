// Package metadb persists cache bookkeeping in bbolt: the live entry per
// repository path, blob reference counts, verified release documents and the
// pool hash index derived from verified package indexes.
package metadb

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("metadb: not found")

// EntryRecord is the persisted form of a cache entry. A restarted process
// serves an entry only if Verified is set.
type EntryRecord struct {
	Key          string    `json:"key"`
	Blob         string    `json:"blob"`
	Digest       string    `json:"sha256"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"` // zero means never expires by time
	TTLClass     string    `json:"ttl_class"`
	Verified     bool      `json:"verified"`
	KeyID        string    `json:"key_id,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	LastAccess   time.Time `json:"last_access"`
}

// BlobRecord tracks how many entries reference a blob.
type BlobRecord struct {
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	RefCount  int       `json:"ref_count"`
	CreatedAt time.Time `json:"created_at"`
}

// PoolRecord is the expected checksum of a pool file, taken from a verified
// Packages or Sources index.
type PoolRecord struct {
	Digest string `json:"sha256"`
	Size   int64  `json:"size"`
	Suite  string `json:"suite"`
	Index  string `json:"index"`
	KeyID  string `json:"key_id,omitempty"`

	// Generation identifies the registration of Index that wrote the record.
	Generation string `json:"generation,omitempty"`
}

// ExpiredEntry identifies an entry whose indexed expiry has passed.
type ExpiredEntry struct {
	Key       string
	ExpiresAt time.Time
}

// Stats summarises the database contents.
type Stats struct {
	Entries     int64            `json:"entries"`
	ByTTLClass  map[string]int64 `json:"by_ttl_class"`
	Blobs       int64            `json:"blobs"`
	BlobBytes   int64            `json:"blob_bytes"`
	Releases    int64            `json:"releases"`
	PoolEntries int64            `json:"pool_entries"`
	DBFileSize  int64            `json:"db_file_size"`
}
