package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/wolfeidau/aptg/audit"
)

type keysCmd struct {
	Keyring []string `type:"path" help:"Key files or directories to list instead of keyring.paths."`
}

func (k *keysCmd) Run(g *Globals, out io.Writer) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	if len(k.Keyring) > 0 {
		cfg.Keyring.Paths = k.Keyring
	}
	keyring, err := loadKeyring(cfg)
	if err != nil {
		return err
	}
	for _, id := range keyring.TrustedKeys() {
		fmt.Fprintln(out, id)
	}
	return nil
}

// scrubCmd must not run next to a live server; the bbolt lock makes the
// second opener fail.
type scrubCmd struct{}

func (s *scrubCmd) Run(ctx context.Context, g *Globals, out io.Writer) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	st, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := st.cache.Scrub(ctx)
	if err != nil {
		return fmt.Errorf("scrub: %w", err)
	}
	for _, key := range result.Invalidated {
		fmt.Fprintf(out, "dropped %s\n", key)
	}
	fmt.Fprintf(out, "checked %d entries: %d corrupt, %d missing, %d stray blobs removed\n",
		result.Checked, result.Corrupt, result.Missing, result.Stray)
	return nil
}

type auditVerifyCmd struct {
	File string `arg:"" optional:"" type:"existingfile" help:"Audit file, plain or gzip-rotated. Defaults to audit.file."`
}

func (a *auditVerifyCmd) Run(g *Globals, out io.Writer) error {
	path := a.File
	if path == "" {
		cfg, _, err := g.load()
		if err != nil {
			return err
		}
		path = cfg.Audit.File
	}
	if path == "" {
		return errors.New("no audit file given and audit.file is not set")
	}

	n, err := verifyAuditFile(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d records, chain intact\n", path, n)
	return nil
}

func verifyAuditFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening audit file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("opening %s: %w", path, err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	return audit.VerifyChain(r)
}
