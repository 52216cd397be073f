package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wolfeidau/aptg/telemetry"
)

// authRealm is sent in the Basic challenge. apt answers it from
// /etc/apt/auth.conf.d, where the login is ignored and the password is the
// token.
const authRealm = `Basic realm="aptg"`

// authMiddleware requires the configured token, either as a bearer token or
// as the password of HTTP basic auth. An empty token disables the check.
// /health and /metrics stay open for probes and scrapers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	token := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		provided, ok := credential(r)
		if !ok || subtle.ConstantTimeCompare([]byte(provided), token) != 1 {
			w.Header().Set("WWW-Authenticate", authRealm)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "", telemetry.RequestIDFromContext(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func credential(r *http.Request) (string, bool) {
	if _, password, ok := r.BasicAuth(); ok {
		return password, true
	}
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return bearer, ok && bearer != ""
}
