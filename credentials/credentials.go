// Package credentials loads the secrets aptg needs: the token clients
// present and the login for a private upstream mirror. They come from a JSON
// template so the secrets themselves can live in the environment, in files,
// in systemd credentials or in apt's own auth.conf.
package credentials

import (
	"errors"
	"log/slog"
	"net/http"
)

// Credentials holds all resolved credential values.
type Credentials struct {
	// AuthToken is what apt clients must send, as a bearer token or as the
	// basic auth password. Empty disables inbound auth.
	AuthToken string `json:"auth_token,omitempty"`
	// Upstream authenticates requests to the mirror.
	Upstream *UpstreamAuth `json:"upstream,omitempty"`
}

// UpstreamAuth is HTTP basic auth or a bearer token for the mirror, never
// both.
type UpstreamAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Validate rejects ambiguous or half-filled upstream credentials.
func (c *Credentials) Validate() error {
	u := c.Upstream
	if u == nil {
		return nil
	}
	switch {
	case u.Token != "" && (u.Username != "" || u.Password != ""):
		return errors.New("upstream: token and username/password are mutually exclusive")
	case u.Password != "" && u.Username == "":
		return errors.New("upstream: password set without username")
	case u.Token == "" && u.Username == "":
		return errors.New("upstream: neither token nor username set")
	}
	return nil
}

// LogValue keeps secrets out of logs.
func (c *Credentials) LogValue() slog.Value {
	attrs := []slog.Attr{slog.Bool("inbound_auth", c.AuthToken != "")}
	if c.Upstream != nil {
		attrs = append(attrs, slog.String("upstream", c.Upstream.scheme()))
	}
	return slog.GroupValue(attrs...)
}

func (a *UpstreamAuth) scheme() string {
	switch {
	case a == nil:
		return "none"
	case a.Token != "":
		return "bearer"
	case a.Username != "":
		return "basic"
	default:
		return "none"
	}
}

// Apply sets the authorization header on an upstream request. A nil
// receiver leaves the request unchanged.
func (a *UpstreamAuth) Apply(req *http.Request) {
	switch a.scheme() {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case "basic":
		req.SetBasicAuth(a.Username, a.Password)
	}
}
