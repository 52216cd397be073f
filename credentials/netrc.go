package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/bgentry/go-netrc/netrc"
)

// aptAuth is the parsed set of apt auth.conf files (netrc syntax), in load
// order. Machine names may carry a scheme and a path, e.g.
// "https://mirror.example.com/debian/".
type aptAuth []*netrc.Netrc

func loadAptAuth(paths []string) (aptAuth, error) {
	var files aptAuth
	for _, p := range paths {
		rc, err := netrc.ParseFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading apt auth file %s: %w", p, err)
		}
		files = append(files, rc)
	}
	return files, nil
}

func normaliseHost(h string) string {
	if _, rest, ok := strings.Cut(h, "://"); ok {
		h = rest
	}
	return strings.TrimSuffix(h, "/")
}

// machineNames lists the spellings apt accepts for the entry covering p.
func machineNames(p string) []string {
	return []string{
		p, p + "/",
		"https://" + p, "https://" + p + "/",
		"http://" + p, "http://" + p + "/",
	}
}

// find returns the entry for host: the longest machine that equals host or
// is a path prefix of it, with later files winning over earlier ones. A
// netrc "default" entry is the fallback.
func (a aptAuth) find(host string) *netrc.Machine {
	var fallback *netrc.Machine
	for p := normaliseHost(host); p != ""; {
		for i := len(a) - 1; i >= 0; i-- {
			for _, name := range machineNames(p) {
				m := a[i].FindMachine(name)
				if m == nil {
					continue
				}
				if m.IsDefault() {
					if fallback == nil {
						fallback = m
					}
					continue
				}
				return m
			}
		}
		idx := strings.LastIndexByte(p, '/')
		if idx < 0 {
			break
		}
		p = p[:idx]
	}
	return fallback
}

func lookupMachine(a aptAuth, host, field string) (string, error) {
	m := a.find(host)
	if m == nil {
		return "", fmt.Errorf("no apt auth entry for %q", normaliseHost(host))
	}
	switch field {
	case "login":
		return m.Login, nil
	case "password":
		return m.Password, nil
	default:
		return "", fmt.Errorf("apt auth field %q: want login or password", field)
	}
}
