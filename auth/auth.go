// Package auth authenticates inbound client requests against the
// configured allow-list of bearer keys.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"toolcall-proxy/config"
	"toolcall-proxy/types"
)

// Authenticator validates the Authorization header of an inbound
// request against a Config snapshot's client_authentication allow-list.
type Authenticator struct{}

// New creates an Authenticator.
func New() *Authenticator {
	return &Authenticator{}
}

// Authenticate extracts the bearer key from r and reports whether it
// matches one of cfg's allowed keys. An empty allow-list denies every
// request rather than allowing all, since an operator who configured no
// keys almost certainly forgot to, not intended an open proxy.
func (a *Authenticator) Authenticate(r *http.Request, cfg *config.Config) bool {
	key := ExtractBearerKey(r)
	if key == "" {
		return false
	}
	return a.keyAllowed(key, cfg.ClientAuthentication.AllowedKeys)
}

// ExtractBearerKey returns the bearer token from r's Authorization
// header, or "" if absent or not bearer-shaped. Exported so the router
// can reuse the client's own key for key_passthrough without
// re-deriving the parsing rule.
func ExtractBearerKey(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// keyAllowed compares key against every allowed key in constant time,
// so a client cannot learn anything about the true key from response
// timing.
func (a *Authenticator) keyAllowed(key string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	match := false
	for _, candidate := range allowed {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			match = true
		}
	}
	return match
}

// WriteUnauthorized writes an OpenAI-shaped 401 error body.
func WriteUnauthorized(w http.ResponseWriter) {
	types.WriteError(w, http.StatusUnauthorized, types.ErrorDetail{
		Message: "Invalid or missing API key.",
		Type:    "invalid_request_error",
		Code:    "invalid_api_key",
	})
}
