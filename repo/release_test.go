package repo

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/aptg"
)

const testRelease = `Origin: Debian
Label: Debian
Suite: stable
Version: 12.5
Codename: bookworm
Date: Sat, 10 Feb 2024 09:55:43 UTC
Valid-Until: Sat, 17 Feb 2024 09:55:43 UTC
Acquire-By-Hash: yes
Architectures: all amd64 arm64
Components: main contrib non-free-firmware
Description: Debian 12.5 Released 10 February 2024
MD5Sum:
 0ed6d4c8891eb86358b94bb35d9e4da4  1484322 contrib/Contents-all
SHA256:
 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855        0 main/binary-amd64/Packages
 2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824       5 main/binary-amd64/Packages.gz
`

func TestParseRelease(t *testing.T) {
	r, err := ParseRelease([]byte(testRelease))
	require.NoError(t, err)

	require.Equal(t, "stable", r.Suite)
	require.Equal(t, "bookworm", r.Codename)
	require.Equal(t, []string{"all", "amd64", "arm64"}, r.Architectures)
	require.Equal(t, []string{"main", "contrib", "non-free-firmware"}, r.Components)
	require.True(t, r.AcquireByHash)
	require.True(t, time.Date(2024, 2, 10, 9, 55, 43, 0, time.UTC).Equal(r.Date))
	require.Equal(t, 2, r.Len())

	fh, ok := r.Lookup("main/binary-amd64/Packages.gz")
	require.True(t, ok)
	require.Equal(t, int64(5), fh.Size)
	require.Equal(t, aptg.DigestBytes([]byte("hello")), fh.SHA256)

	_, ok = r.Lookup("contrib/Contents-all")
	require.False(t, ok, "MD5Sum rows are not trusted")

	byHash, ok := r.LookupByHash(aptg.DigestBytes(nil))
	require.True(t, ok)
	require.Equal(t, "main/binary-amd64/Packages", byHash.Path)
}

func TestReleaseMatchesSuiteOrCodename(t *testing.T) {
	r, err := ParseRelease([]byte(testRelease))
	require.NoError(t, err)
	require.True(t, r.Matches("bookworm"))
	require.True(t, r.Matches("stable"))
	require.False(t, r.Matches("bullseye"))
	require.False(t, r.Matches(""))
}

func TestReleaseExpired(t *testing.T) {
	r, err := ParseRelease([]byte(testRelease))
	require.NoError(t, err)
	require.False(t, r.Expired(time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC)))
	require.True(t, r.Expired(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestParseReleaseMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"no sha256":     "Suite: stable\nCodename: bookworm\n",
		"empty table":   "Suite: stable\nSHA256:\n",
		"bad digest":    "Suite: stable\nSHA256:\n zz 1 main/Packages\n",
		"bad size":      "Suite: stable\nSHA256:\n " + strings.Repeat("a", 64) + " x main/Packages\n",
		"short line":    "Suite: stable\nSHA256:\n " + strings.Repeat("a", 64) + " main/Packages\n",
		"no suite":      "Origin: x\nSHA256:\n " + strings.Repeat("a", 64) + " 1 main/Packages\n",
		"no field name": "garbage line\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRelease([]byte(doc))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}
