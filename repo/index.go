package repo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/wolfeidau/aptg"
)

// Compression identifies how an index file is compressed.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gz"
	CompressionXZ   Compression = "xz"
	CompressionZstd Compression = "zst"
)

// CompressionFromName infers the compression from a file name suffix.
func CompressionFromName(name string) Compression {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return CompressionGzip
	case strings.HasSuffix(name, ".xz"):
		return CompressionXZ
	case strings.HasSuffix(name, ".zst"):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// Extension returns the file suffix including the dot.
func (c Compression) Extension() string {
	if c == CompressionNone {
		return ""
	}
	return "." + string(c)
}

// Decompress wraps r in a reader for the given compression.
func Decompress(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return zr, nil
	case CompressionXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening xz stream: %w", err)
		}
		return io.NopCloser(xr), nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

// PoolFile is the expected checksum of one file under pool/, as listed in a
// Packages or Sources index.
type PoolFile struct {
	Path   string
	SHA256 aptg.Digest
	Size   int64
}

// ScanIndex reads an uncompressed Packages or Sources index and calls fn for
// every pool file it describes. Binary stanzas contribute their Filename;
// source stanzas contribute every Checksums-Sha256 row under Directory.
// Stanzas without SHA256 checksums are skipped.
func ScanIndex(r io.Reader, fn func(PoolFile) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		stanza, err := readParagraph(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading index: %w", err)
		}
		files, err := stanzaFiles(stanza)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := fn(f); err != nil {
				return err
			}
		}
	}
}

func stanzaFiles(stanza map[string]string) ([]PoolFile, error) {
	if filename, ok := stanza["Filename"]; ok {
		sum, ok := stanza["SHA256"]
		if !ok {
			return nil, nil
		}
		digest, err := aptg.ParseDigest(sum)
		if err != nil {
			return nil, fmt.Errorf("%w: package %s: %v", ErrMalformed, stanza["Package"], err)
		}
		size, err := strconv.ParseInt(stanza["Size"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: package %s: bad size", ErrMalformed, stanza["Package"])
		}
		return []PoolFile{{Path: path.Clean(filename), SHA256: digest, Size: size}}, nil
	}

	dir, ok := stanza["Directory"]
	if !ok {
		return nil, nil
	}
	var files []PoolFile
	for _, line := range strings.Split(stanza["Checksums-Sha256"], "\n") {
		cols := strings.Fields(line)
		if len(cols) == 0 {
			continue
		}
		if len(cols) != 3 {
			return nil, fmt.Errorf("%w: source %s: bad checksum line %q", ErrMalformed, stanza["Package"], line)
		}
		digest, err := aptg.ParseDigest(cols[0])
		if err != nil {
			return nil, fmt.Errorf("%w: source %s: %v", ErrMalformed, stanza["Package"], err)
		}
		size, err := strconv.ParseInt(cols[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: source %s: bad size", ErrMalformed, stanza["Package"])
		}
		files = append(files, PoolFile{Path: path.Join(dir, cols[2]), SHA256: digest, Size: size})
	}
	return files, nil
}
