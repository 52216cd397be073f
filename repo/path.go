// Package repo models the layout of a Debian-style APT repository: request
// path classification, TTL classes, signed Release documents and the
// Packages/Sources indexes they vouch for.
package repo

import (
	"errors"
	"path"
	"strings"
)

// ErrInvalidPath is returned for empty paths and paths that escape the
// repository root.
var ErrInvalidPath = errors.New("invalid repository path")

// Kind classifies a repository path.
type Kind string

const (
	KindMetadataIndex Kind = "metadata-index"
	KindPackageIndex  Kind = "package-index"
	KindPackageFile   Kind = "package-file"
	KindOther         Kind = "other"
)

// ArchAll is the architecture of architecture-independent packages.
const ArchAll = "all"

// ArchSource is the architecture reported for source indexes and source
// package files.
const ArchSource = "source"

// Path is a parsed client request path relative to the repository root, for
// example "dists/bookworm/InRelease" or "pool/main/g/glibc/libc6_2.36_amd64.deb".
type Path struct {
	// Raw is the cleaned path without a leading slash. It is the cache key.
	Raw string
	Kind Kind

	Suite        string
	Component    string
	Architecture string

	// Package is the binary package name for .deb/.udeb files and the
	// source package name for other pool files.
	Package string
	// File is the last path segment.
	File string
	// ByHash holds the hex SHA256 for dists/.../by-hash/SHA256/<hex> paths.
	ByHash string
}

// Unparsed reports whether the path carried no structural dimension at all.
// Such paths are only evaluated against the package blacklist.
func (p Path) Unparsed() bool {
	return p.Suite == "" && p.Component == "" && p.Architecture == ""
}

// String returns the cache key.
func (p Path) String() string {
	return p.Raw
}

// TTLClass derives the freshness class from the path kind.
func (p Path) TTLClass() TTLClass {
	return p.Kind.TTLClass()
}

// IsSignature reports whether the path is a detached Release signature.
func (p Path) IsSignature() bool {
	return p.Kind == KindMetadataIndex && p.File == "Release.gpg"
}

// IsInlineSigned reports whether the path is an inline-signed InRelease.
func (p Path) IsInlineSigned() bool {
	return p.Kind == KindMetadataIndex && p.File == "InRelease"
}

// RelativeToSuite returns the path as it appears in the suite's Release
// SHA256 table, e.g. "main/binary-amd64/Packages.gz". It returns "" for
// paths outside dists/<suite>/.
func (p Path) RelativeToSuite() string {
	if p.Suite == "" {
		return ""
	}
	prefix := "dists/" + p.Suite + "/"
	if !strings.HasPrefix(p.Raw, prefix) {
		return ""
	}
	return strings.TrimPrefix(p.Raw, prefix)
}

// IsIndex reports whether the path names a Packages or Sources index whose
// entries describe pool files.
func (p Path) IsIndex() bool {
	if p.Kind != KindPackageIndex || p.ByHash != "" {
		return false
	}
	base := strings.TrimSuffix(p.File, CompressionFromName(p.File).Extension())
	return base == "Packages" || base == "Sources"
}

// ParsePath cleans and classifies a request path. Classification is
// best-effort: anything not recognised is KindOther. Only empty paths and
// root escapes are errors.
func ParsePath(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return Path{}, ErrInvalidPath
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+raw), "/")
	if clean == "" || clean == "." {
		return Path{}, ErrInvalidPath
	}

	p := Path{Raw: clean, Kind: KindOther}
	parts := strings.Split(clean, "/")
	p.File = parts[len(parts)-1]

	switch parts[0] {
	case "dists":
		parseDists(&p, parts)
	case "pool":
		parsePool(&p, parts)
	}
	return p, nil
}

func parseDists(p *Path, parts []string) {
	if len(parts) < 3 {
		return
	}
	p.Suite = parts[1]

	if len(parts) == 3 {
		switch parts[2] {
		case "InRelease", "Release", "Release.gpg":
			p.Kind = KindMetadataIndex
		}
		return
	}

	p.Component = parts[2]
	p.Kind = KindPackageIndex

	sub := parts[3]
	switch {
	case strings.HasPrefix(sub, "binary-"):
		p.Architecture = strings.TrimPrefix(sub, "binary-")
	case sub == "source":
		p.Architecture = ArchSource
	case strings.HasPrefix(sub, "Contents-"):
		name := strings.TrimSuffix(sub, CompressionFromName(sub).Extension())
		name = strings.TrimPrefix(name, "Contents-")
		p.Architecture = strings.TrimPrefix(name, "udeb-")
	}

	for i := 3; i+2 < len(parts); i++ {
		if parts[i] == "by-hash" && parts[i+1] == "SHA256" {
			p.ByHash = strings.ToLower(parts[i+2])
			break
		}
	}
}

func parsePool(p *Path, parts []string) {
	if len(parts) < 2 {
		return
	}
	p.Component = parts[1]
	if len(parts) < 5 {
		return
	}
	p.Kind = KindPackageFile
	source := parts[3]

	name, arch, ok := splitDebName(p.File)
	if ok {
		p.Package = name
		p.Architecture = arch
		return
	}
	p.Package = source
	if isSourceFile(p.File) {
		p.Architecture = ArchSource
	}
}

// splitDebName splits "<name>_<version>_<arch>.deb" (or .udeb/.ddeb).
func splitDebName(file string) (name, arch string, ok bool) {
	base := file
	for _, ext := range []string{".deb", ".udeb", ".ddeb"} {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			ok = true
			break
		}
	}
	if !ok {
		return "", "", false
	}
	fields := strings.Split(base, "_")
	if len(fields) != 3 {
		return "", "", false
	}
	return fields[0], fields[2], true
}

func isSourceFile(file string) bool {
	return strings.HasSuffix(file, ".dsc") ||
		strings.Contains(file, ".tar.") ||
		strings.Contains(file, ".diff.")
}

// ContentType returns the media type served for a path.
func ContentType(p Path) string {
	switch {
	case p.Kind == KindPackageFile && (strings.HasSuffix(p.File, ".deb") || strings.HasSuffix(p.File, ".udeb") || strings.HasSuffix(p.File, ".ddeb")):
		return "application/vnd.debian.binary-package"
	case strings.HasSuffix(p.File, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(p.File, ".xz"):
		return "application/x-xz"
	case strings.HasSuffix(p.File, ".zst"):
		return "application/zstd"
	case p.File == "Release.gpg":
		return "application/pgp-signature"
	case p.Kind == KindMetadataIndex || p.Kind == KindPackageIndex || strings.HasSuffix(p.File, ".dsc"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
