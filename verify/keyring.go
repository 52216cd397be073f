package verify

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// Keyring holds the trusted OpenPGP public keys. It is read-only once
// loaded.
type Keyring struct {
	entities openpgp.EntityList
}

// keyFileExts are the file suffixes picked up when loading a directory,
// matching what apt accepts in trusted.gpg.d.
var keyFileExts = []string{".asc", ".gpg", ".pgp", ".key"}

// NewKeyring wraps already-parsed entities.
func NewKeyring(entities openpgp.EntityList) *Keyring {
	return &Keyring{entities: entities}
}

// LoadKeyring reads keys from files or directories. Each file may be armored
// or binary.
func LoadKeyring(paths ...string) (*Keyring, error) {
	var entities openpgp.EntityList
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("reading keyring path: %w", err)
		}
		files := []string{p}
		if info.IsDir() {
			files, err = keyFiles(p)
			if err != nil {
				return nil, err
			}
		}
		for _, f := range files {
			el, err := readKeyFile(f)
			if err != nil {
				return nil, err
			}
			entities = append(entities, el...)
		}
	}
	return &Keyring{entities: entities}, nil
}

func keyFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing keyring directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, ext := range keyFileExts {
			if strings.HasSuffix(e.Name(), ext) {
				files = append(files, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func readKeyFile(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	el, err := ReadKeys(data)
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	return el, nil
}

// ReadKeys parses armored or binary public keys.
func ReadKeys(data []byte) (openpgp.EntityList, error) {
	if isArmored(data) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

// TrustedKeys returns the key ids of all primary keys, upper-case hex.
func (k *Keyring) TrustedKeys() []string {
	if k == nil {
		return nil
	}
	ids := make([]string, 0, len(k.entities))
	for _, e := range k.entities {
		ids = append(ids, e.PrimaryKey.KeyIdString())
	}
	return ids
}

// Len returns the number of trusted keys.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.entities)
}

func (k *Keyring) keyRing() openpgp.KeyRing {
	if k == nil {
		return openpgp.EntityList(nil)
	}
	return k.entities
}

func isArmored(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN PGP"))
}
