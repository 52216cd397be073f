package repo

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/aptg"
)

// ErrMalformed is returned when a Release or index document cannot be
// parsed into the fields the cache relies on.
var ErrMalformed = errors.New("malformed document")

// FileHash is one row of a Release SHA256 table.
type FileHash struct {
	Path   string
	SHA256 aptg.Digest
	Size   int64
}

// Release is a parsed Release or InRelease document. It is never modified
// after parsing; a re-fetch produces a new value.
type Release struct {
	Origin        string
	Label         string
	Suite         string
	Codename      string
	Version       string
	Date          time.Time
	ValidUntil    time.Time
	Architectures []string
	Components    []string
	AcquireByHash bool

	files  map[string]FileHash
	byHash map[aptg.Digest]FileHash
}

var releaseDateLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	"Mon, _2 Jan 2006 15:04:05 MST",
	"Mon, _2 Jan 2006 15:04:05 -0700",
}

// ParseRelease parses the plain text of a Release document. For InRelease
// pass the clearsigned plaintext, not the armored document. A document
// without a SHA256 table is malformed.
func ParseRelease(data []byte) (*Release, error) {
	fields, err := parseParagraph(data)
	if err != nil {
		return nil, err
	}

	r := &Release{
		Origin:        fields["Origin"],
		Label:         fields["Label"],
		Suite:         fields["Suite"],
		Codename:      fields["Codename"],
		Version:       fields["Version"],
		Architectures: strings.Fields(fields["Architectures"]),
		Components:    strings.Fields(fields["Components"]),
		AcquireByHash: strings.EqualFold(fields["Acquire-By-Hash"], "yes"),
		files:         make(map[string]FileHash),
		byHash:        make(map[aptg.Digest]FileHash),
	}
	r.Date = parseReleaseDate(fields["Date"])
	r.ValidUntil = parseReleaseDate(fields["Valid-Until"])

	table, ok := fields["SHA256"]
	if !ok {
		return nil, fmt.Errorf("%w: release has no SHA256 table", ErrMalformed)
	}
	for _, line := range strings.Split(table, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cols := strings.Fields(line)
		if len(cols) != 3 {
			return nil, fmt.Errorf("%w: bad SHA256 line %q", ErrMalformed, line)
		}
		digest, err := aptg.ParseDigest(cols[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		size, err := strconv.ParseInt(cols[1], 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%w: bad size in line %q", ErrMalformed, line)
		}
		fh := FileHash{Path: cols[2], SHA256: digest, Size: size}
		r.files[fh.Path] = fh
		r.byHash[digest] = fh
	}
	if len(r.files) == 0 {
		return nil, fmt.Errorf("%w: empty SHA256 table", ErrMalformed)
	}
	if r.Suite == "" && r.Codename == "" {
		return nil, fmt.Errorf("%w: release names no suite or codename", ErrMalformed)
	}
	return r, nil
}

// Matches reports whether the document belongs to the requested suite,
// which may be given either as suite name or codename.
func (r *Release) Matches(suite string) bool {
	return suite != "" && (suite == r.Suite || suite == r.Codename)
}

// Expired reports whether the document's Valid-Until has passed.
func (r *Release) Expired(now time.Time) bool {
	return !r.ValidUntil.IsZero() && now.After(r.ValidUntil)
}

// Lookup returns the hash row for a path relative to the suite directory.
func (r *Release) Lookup(rel string) (FileHash, bool) {
	fh, ok := r.files[rel]
	return fh, ok
}

// LookupByHash finds the row whose SHA256 is d. Used for by-hash paths.
func (r *Release) LookupByHash(d aptg.Digest) (FileHash, bool) {
	fh, ok := r.byHash[d]
	return fh, ok
}

// Len returns the number of rows in the SHA256 table.
func (r *Release) Len() int {
	return len(r.files)
}

// Files calls fn for every row in the SHA256 table.
func (r *Release) Files(fn func(FileHash)) {
	for _, fh := range r.files {
		fn(fh)
	}
}

func parseReleaseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range releaseDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// parseParagraph reads the first deb822 paragraph of data.
func parseParagraph(data []byte) (map[string]string, error) {
	fields, err := readParagraph(bufio.NewReader(bytes.NewReader(data)))
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	return fields, err
}
