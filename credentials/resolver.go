package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// DefaultAptAuthPath is where apt keeps machine credentials.
const DefaultAptAuthPath = "/etc/apt/auth.conf"

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template and parses the result.
//
// Built-in template functions:
//
//	env "NAME"                    value of an environment variable, error if unset
//	envDefault "NAME" "fallback"  value of an environment variable or fallback
//	file "/path"                  trimmed file contents
//	systemdCredential "name"      trimmed $CREDENTIALS_DIRECTORY/name
//	aptAuth "host" "login|password"  field of the matching auth.conf machine
//	json                          JSON-encode a string, for use in a pipeline
type Resolver struct {
	providers    map[string]SecretProvider
	aptAuthPaths []string
	logger       *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
// Lookups are memoised per resolve.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// WithAptAuthPaths replaces the auth.conf files searched by aptAuth. Later
// files win, matching apt's auth.conf.d ordering.
func WithAptAuthPaths(paths ...string) ResolverOption {
	return func(r *Resolver) {
		r.aptAuthPaths = paths
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers:    make(map[string]SecretProvider),
		aptAuthPaths: defaultAptAuthPaths(),
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "credentials")
	return r
}

func defaultAptAuthPaths() []string {
	paths := []string{DefaultAptAuthPath}
	extra, _ := filepath.Glob(DefaultAptAuthPath + ".d/*.conf")
	return append(paths, extra...)
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return creds, nil
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	rendered, err := r.render(ctx, string(data))
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(rendered, &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	r.logger.Debug("resolved credentials", "credentials", &creds)
	return &creds, nil
}

func (r *Resolver) render(ctx context.Context, text string) ([]byte, error) {
	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxTemplateSize)
	}
	return buf.Bytes(), nil
}

func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	var auth aptAuth
	loaded := false

	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			if val, ok := os.LookupEnv(key); ok {
				return val, nil
			}
			return "", fmt.Errorf("environment variable %q is not set", key)
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": readTrimmed,
		"systemdCredential": func(name string) (string, error) {
			dir := os.Getenv("CREDENTIALS_DIRECTORY")
			if dir == "" {
				return "", fmt.Errorf("systemd credential %q: CREDENTIALS_DIRECTORY is not set", name)
			}
			if name != filepath.Base(name) {
				return "", fmt.Errorf("systemd credential %q: invalid name", name)
			}
			return readTrimmed(filepath.Join(dir, name))
		},
		"aptAuth": func(host, field string) (string, error) {
			if !loaded {
				var err error
				if auth, err = loadAptAuth(r.aptAuthPaths); err != nil {
					return "", err
				}
				loaded = true
			}
			return lookupMachine(auth, host, field)
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	memo := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := memo[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			memo[key] = val
			return val, nil
		}
	}
	return fm
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
