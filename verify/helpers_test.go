package verify

import (
	"bytes"
	"sync"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/stretchr/testify/require"
)

const testReleaseDoc = `Origin: Debian
Label: Debian
Suite: stable
Codename: bookworm
Date: Sat, 10 Feb 2024 09:55:43 UTC
Architectures: amd64 arm64
Components: main
SHA256:
 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855        0 main/binary-amd64/Packages
 2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824        5 main/binary-amd64/Packages.gz
`

var (
	keysOnce sync.Once
	trusted  *openpgp.Entity
	stranger *openpgp.Entity
	keysErr  error
)

// testKeys returns two signing identities, generated once per test binary.
func testKeys(t *testing.T) (*openpgp.Entity, *openpgp.Entity) {
	t.Helper()
	keysOnce.Do(func() {
		trusted, keysErr = openpgp.NewEntity("Archive Key", "test", "archive@example.com", nil)
		if keysErr != nil {
			return
		}
		stranger, keysErr = openpgp.NewEntity("Other Key", "test", "other@example.com", nil)
	})
	require.NoError(t, keysErr)
	return trusted, stranger
}

func clearsignDoc(t *testing.T, signer *openpgp.Entity, doc string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, signer.PrivateKey, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func detachSign(t *testing.T, signer *openpgp.Entity, doc string, armored bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	var err error
	if armored {
		err = openpgp.ArmoredDetachSign(&buf, signer, bytes.NewReader([]byte(doc)), nil)
	} else {
		err = openpgp.DetachSign(&buf, signer, bytes.NewReader([]byte(doc)), nil)
	}
	require.NoError(t, err)
	return buf.Bytes()
}

func armoredPublicKey(t *testing.T, e *openpgp.Entity) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, e.Serialize(w))
	require.NoError(t, w.Close())
	return buf.Bytes()
}
