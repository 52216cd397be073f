package repo

import "time"

// TTLClass is the freshness bucket of a cached artifact.
type TTLClass string

const (
	TTLMetadataShort TTLClass = "metadata-short"
	TTLIndexMedium   TTLClass = "index-medium"
	TTLImmutableLong TTLClass = "immutable-long"
)

// Default class durations.
const (
	DefaultMetadataShort = 6 * time.Hour
	DefaultIndexMedium   = 12 * time.Hour
	DefaultImmutableLong = 365 * 24 * time.Hour
)

// TTLClass maps a path kind to its freshness class. Paths of kind other are
// treated like metadata.
func (k Kind) TTLClass() TTLClass {
	switch k {
	case KindPackageIndex:
		return TTLIndexMedium
	case KindPackageFile:
		return TTLImmutableLong
	default:
		return TTLMetadataShort
	}
}

// Revalidates reports whether entries of this class are conditionally
// re-fetched once expired.
func (c TTLClass) Revalidates() bool {
	return c != TTLImmutableLong
}

// TTLPolicy holds the configured duration per class. ImmutableLong is
// informational only: immutable entries never expire by time.
type TTLPolicy struct {
	MetadataShort time.Duration
	IndexMedium   time.Duration
	ImmutableLong time.Duration
}

// DefaultTTLPolicy returns 6h/12h/1y.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		MetadataShort: DefaultMetadataShort,
		IndexMedium:   DefaultIndexMedium,
		ImmutableLong: DefaultImmutableLong,
	}
}

// Duration returns the TTL for a class, falling back to the default when the
// configured value is zero.
func (p TTLPolicy) Duration(c TTLClass) time.Duration {
	switch c {
	case TTLIndexMedium:
		return orDefault(p.IndexMedium, DefaultIndexMedium)
	case TTLImmutableLong:
		return orDefault(p.ImmutableLong, DefaultImmutableLong)
	default:
		return orDefault(p.MetadataShort, DefaultMetadataShort)
	}
}

// ExpiresAt returns when an entry fetched at fetchedAt expires. The zero time
// means it never expires by time.
func (p TTLPolicy) ExpiresAt(c TTLClass, fetchedAt time.Time) time.Time {
	if !c.Revalidates() {
		return time.Time{}
	}
	return fetchedAt.Add(p.Duration(c))
}

// Expired reports whether an entry fetched at fetchedAt is stale at now.
// An entry is stale at exactly fetchedAt+TTL.
func (p TTLPolicy) Expired(c TTLClass, fetchedAt, now time.Time) bool {
	exp := p.ExpiresAt(c, fetchedAt)
	return !exp.IsZero() && !now.Before(exp)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
