package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB stores cache metadata in a single bbolt file. Every multi-record
// change (entry swap plus refcounts plus expiry index) happens in one write
// transaction, so a reader never observes a half-applied supersession.
type BoltDB struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketEntriesByExpiry,
			bucketExpiryByKey,
			bucketBlobs,
			bucketReleases,
			bucketPool,
			bucketPoolByIndex,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// GetEntry retrieves the live record for a path.
func (b *BoltDB) GetEntry(_ context.Context, key string) (*EntryRecord, error) {
	var rec *EntryRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getEntry(tx, key)
		return err
	})
	return rec, err
}

// SwapEntry atomically replaces the record for rec.Key, taking a reference on
// rec.Blob and dropping the reference held by the superseded record. It
// returns the blob refs whose count reached zero; the caller removes them
// from the content store via ReleaseBlob.
func (b *BoltDB) SwapEntry(_ context.Context, rec *EntryRecord) ([]string, error) {
	var orphans []string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		old, err := getEntry(tx, rec.Key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if old == nil || old.Blob != rec.Blob {
			if err := b.adjustBlobRef(tx, rec.Blob, rec.Size, 1); err != nil {
				return err
			}
		}
		if old != nil && old.Blob != rec.Blob {
			if err := b.adjustBlobRef(tx, old.Blob, old.Size, -1); err != nil {
				return err
			}
			if unreferenced(tx, old.Blob) {
				orphans = append(orphans, old.Blob)
			}
		}

		if err := putEntry(tx, rec); err != nil {
			return err
		}
		return updateExpiryIndex(tx, rec.Key, rec.ExpiresAt)
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

// RefreshEntry re-stamps an entry after upstream confirmed it unchanged.
func (b *BoltDB) RefreshEntry(_ context.Context, key string, fetchedAt, expiresAt time.Time, etag, lastModified string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getEntry(tx, key)
		if err != nil {
			return err
		}
		rec.FetchedAt = fetchedAt
		rec.ExpiresAt = expiresAt
		rec.LastAccess = fetchedAt
		if etag != "" {
			rec.ETag = etag
		}
		if lastModified != "" {
			rec.LastModified = lastModified
		}
		if err := putEntry(tx, rec); err != nil {
			return err
		}
		return updateExpiryIndex(tx, key, expiresAt)
	})
}

// DeleteEntry removes the record for key and drops its blob reference.
// Returns orphaned blob refs as SwapEntry does. Deleting a missing key is not
// an error.
func (b *BoltDB) DeleteEntry(_ context.Context, key string) ([]string, error) {
	var orphans []string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		old, err := getEntry(tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketEntries).Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting entry: %w", err)
		}
		if err := updateExpiryIndex(tx, key, time.Time{}); err != nil {
			return err
		}
		if err := b.adjustBlobRef(tx, old.Blob, old.Size, -1); err != nil {
			return err
		}
		if unreferenced(tx, old.Blob) {
			orphans = append(orphans, old.Blob)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

// TouchEntries records last-access times for a batch of paths. Missing paths
// are skipped. Uses bbolt's Batch so concurrent callers share a commit.
func (b *BoltDB) TouchEntries(_ context.Context, touches map[string]time.Time) error {
	if len(touches) == 0 {
		return nil
	}
	return b.db.Batch(func(tx *bbolt.Tx) error {
		for key, at := range touches {
			rec, err := getEntry(tx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !at.After(rec.LastAccess) {
				continue
			}
			rec.LastAccess = at
			if err := putEntry(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEntries returns every entry record. Used by the capacity reaper and stats.
func (b *BoltDB) ListEntries(_ context.Context) ([]EntryRecord, error) {
	var out []EntryRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var rec EntryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // Skip invalid entries
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// GetExpiredEntries returns up to limit entries whose indexed expiry is
// before the given time, oldest first.
func (b *BoltDB) GetExpiredEntries(_ context.Context, before time.Time, limit int) ([]ExpiredEntry, error) {
	var out []ExpiredEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntriesByExpiry).Cursor()
		cutoff := encodeTimestamp(before)
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if bytes.Compare(k[:8], cutoff) >= 0 {
				break
			}
			expiresAt, key := parseExpiryKey(k)
			out = append(out, ExpiredEntry{Key: key, ExpiresAt: expiresAt})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ReleaseBlob deletes the tracking record for an unreferenced blob.
// It returns true when the caller should now delete the blob content; false
// means the blob was re-referenced in the meantime or is already gone.
func (b *BoltDB) ReleaseBlob(_ context.Context, ref string) (bool, error) {
	var released bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		val := bucket.Get([]byte(ref))
		if val == nil {
			return nil
		}
		var rec BlobRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshaling blob record: %w", err)
		}
		if rec.RefCount > 0 {
			return nil
		}
		released = true
		return bucket.Delete([]byte(ref))
	})
	return released, err
}

// GetBlob returns the tracking record for a blob.
func (b *BoltDB) GetBlob(_ context.Context, ref string) (*BlobRecord, error) {
	var rec BlobRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketBlobs).Get([]byte(ref))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetUnreferencedBlobs lists blob refs with a zero reference count, left
// behind when a content delete failed after the entry was dropped.
func (b *BoltDB) GetUnreferencedBlobs(_ context.Context, limit int) ([]string, error) {
	var out []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketBlobs).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec BlobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.RefCount == 0 {
				out = append(out, string(k))
				if limit > 0 && len(out) >= limit {
					break
				}
			}
		}
		return nil
	})
	return out, err
}

// PutRelease stores the raw verified release document for a suite,
// replacing any earlier one.
func (b *BoltDB) PutRelease(_ context.Context, suite string, doc []byte) error {
	framed, err := b.codec.Encode(doc)
	if err != nil {
		return fmt.Errorf("encoding release %s: %w", suite, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReleases).Put([]byte(suite), framed)
	})
}

// GetRelease loads the release document stored for a suite.
func (b *BoltDB) GetRelease(_ context.Context, suite string) ([]byte, error) {
	var framed []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketReleases).Get([]byte(suite))
		if val == nil {
			return ErrNotFound
		}
		framed = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.codec.Decode(framed)
}

// DeleteRelease forgets the trusted release for a suite.
func (b *BoltDB) DeleteRelease(_ context.Context, suite string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReleases).Delete([]byte(suite))
	})
}

// PutPoolRecords stores expected checksums for pool files in one transaction.
// Each record is also filed under its index and generation for
// PrunePoolRecords.
func (b *BoltDB) PutPoolRecords(_ context.Context, recs map[string]PoolRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPool)
		byIndex := tx.Bucket(bucketPoolByIndex)
		for path, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshaling pool record: %w", err)
			}
			if err := bucket.Put([]byte(path), data); err != nil {
				return fmt.Errorf("putting pool record: %w", err)
			}
			if rec.Index == "" {
				continue
			}
			if err := byIndex.Put(makePoolIndexKey(rec.Index, path), []byte(rec.Generation)); err != nil {
				return fmt.Errorf("putting pool index key: %w", err)
			}
		}
		return nil
	})
}

// PrunePoolRecords drops the records filed under index by any generation
// other than keep, i.e. pool files a newer copy of the index no longer
// lists. A path since claimed by another index keeps that index's record.
// It returns the number of pool records deleted.
func (b *BoltDB) PrunePoolRecords(_ context.Context, index, keep string) (int, error) {
	deleted := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPool)
		byIndex := tx.Bucket(bucketPoolByIndex)

		prefix := makePoolIndexKey(index, "")
		var stale [][]byte
		c := byIndex.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if string(v) != keep {
				stale = append(stale, bytes.Clone(k))
			}
		}

		for _, k := range stale {
			if err := byIndex.Delete(k); err != nil {
				return fmt.Errorf("deleting pool index key: %w", err)
			}
			path := k[len(prefix):]
			val := bucket.Get(path)
			if val == nil {
				continue
			}
			var rec PoolRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decoding pool record %s: %w", path, err)
			}
			if rec.Index != index {
				continue
			}
			if err := bucket.Delete(path); err != nil {
				return fmt.Errorf("deleting pool record %s: %w", path, err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// GetPoolRecord retrieves the expected checksum for a pool file.
func (b *BoltDB) GetPoolRecord(_ context.Context, path string) (*PoolRecord, error) {
	var rec PoolRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketPool).Get([]byte(path))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Stats returns counts and sizes across all buckets.
func (b *BoltDB) Stats(_ context.Context) (*Stats, error) {
	stats := &Stats{ByTTLClass: make(map[string]int64)}
	err := b.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var rec EntryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			stats.Entries++
			stats.ByTTLClass[rec.TTLClass]++
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlobs).ForEach(func(_, v []byte) error {
			var rec BlobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			stats.Blobs++
			stats.BlobBytes += rec.Size
			return nil
		}); err != nil {
			return err
		}
		stats.Releases = int64(tx.Bucket(bucketReleases).Stats().KeyN)
		stats.PoolEntries = int64(tx.Bucket(bucketPool).Stats().KeyN)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(b.db.Path()); err == nil {
		stats.DBFileSize = fi.Size()
	}
	return stats, nil
}

func getEntry(tx *bbolt.Tx, key string) (*EntryRecord, error) {
	val := tx.Bucket(bucketEntries).Get([]byte(key))
	if val == nil {
		return nil, ErrNotFound
	}
	var rec EntryRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling entry %s: %w", key, err)
	}
	return &rec, nil
}

func putEntry(tx *bbolt.Tx, rec *EntryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	if err := tx.Bucket(bucketEntries).Put([]byte(rec.Key), data); err != nil {
		return fmt.Errorf("putting entry: %w", err)
	}
	return nil
}

// adjustBlobRef changes a blob's refcount by delta, creating the record on
// first reference. Counts never go below zero.
func (b *BoltDB) adjustBlobRef(tx *bbolt.Tx, ref string, size int64, delta int) error {
	bucket := tx.Bucket(bucketBlobs)
	rec := BlobRecord{Hash: ref, Size: size, CreatedAt: b.now()}
	if val := bucket.Get([]byte(ref)); val != nil {
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshaling blob record: %w", err)
		}
	}
	rec.RefCount += delta
	if rec.RefCount < 0 {
		rec.RefCount = 0
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshaling blob record: %w", err)
	}
	return bucket.Put([]byte(ref), data)
}

func unreferenced(tx *bbolt.Tx, ref string) bool {
	val := tx.Bucket(bucketBlobs).Get([]byte(ref))
	if val == nil {
		return false
	}
	var rec BlobRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return false
	}
	return rec.RefCount == 0
}

// updateExpiryIndex replaces the expiry index entries for key.
// A zero expiresAt only removes existing entries.
func updateExpiryIndex(tx *bbolt.Tx, key string, expiresAt time.Time) error {
	forward := tx.Bucket(bucketEntriesByExpiry)
	reverse := tx.Bucket(bucketExpiryByKey)

	if old := reverse.Get([]byte(key)); old != nil {
		if err := forward.Delete(makeExpiryKey(decodeTimestamp(old), key)); err != nil {
			return fmt.Errorf("deleting expiry index: %w", err)
		}
		if err := reverse.Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting reverse expiry index: %w", err)
		}
	}

	if expiresAt.IsZero() {
		return nil
	}
	if err := forward.Put(makeExpiryKey(expiresAt, key), []byte(key)); err != nil {
		return fmt.Errorf("putting expiry index: %w", err)
	}
	if err := reverse.Put([]byte(key), encodeTimestamp(expiresAt)); err != nil {
		return fmt.Errorf("putting reverse expiry index: %w", err)
	}
	return nil
}
