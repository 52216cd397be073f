package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketEntries = []byte("entries") // path -> EntryRecord JSON

	// Entry expiry index, only populated for entries that expire by time.
	bucketEntriesByExpiry = []byte("entries_by_expiry")  // timestamp+path -> path
	bucketExpiryByKey     = []byte("entry_expiry_by_key") // path -> 8-byte timestamp (reverse index for O(1) delete)

	bucketBlobs = []byte("blobs") // blake3 hex -> BlobRecord JSON

	bucketReleases = []byte("releases")   // suite -> codec encoded release document
	bucketPool     = []byte("pool_index") // pool path -> PoolRecord JSON

	// Reverse pool index so a superseded index's records can be dropped.
	bucketPoolByIndex = []byte("pool_by_index") // index+0x00+path -> generation
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeExpiryKey creates a key for the entries_by_expiry index.
// Format: [8-byte timestamp][path]
func makeExpiryKey(expiresAt time.Time, key string) []byte {
	result := make([]byte, 8+len(key))
	copy(result[:8], encodeTimestamp(expiresAt))
	copy(result[8:], key)
	return result
}

// parseExpiryKey extracts the expiry time and path from an index key.
func parseExpiryKey(data []byte) (time.Time, string) {
	if len(data) < 8 {
		return time.Time{}, ""
	}
	return decodeTimestamp(data[:8]), string(data[8:])
}

// makePoolIndexKey creates a key for the pool_by_index bucket.
// Format: [index][0x00][path]
func makePoolIndexKey(index, path string) []byte {
	result := make([]byte, 0, len(index)+1+len(path))
	result = append(result, index...)
	result = append(result, 0)
	return append(result, path...)
}
