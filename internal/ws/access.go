package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/mirror-relay/relay/internal/config"
)

// Access holds the token and origin rules shared by the request channel and
// the session transport.
type Access struct {
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewAccess(cfg config.ServerConfig) *Access {
	a := &Access{
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.AuthToken,
	}
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		a.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			a.allowedHosts[parsed.Host] = true
		}
	}
	return a
}

// Authorize accepts the token as a query parameter, the X-Relay-Token header
// or a bearer token. Everything passes when no token is configured.
func (a *Access) Authorize(r *http.Request) bool {
	if a.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == a.authToken {
		return true
	}

	if r.Header.Get(TokenHeader) == a.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == a.authToken {
		return true
	}

	return false
}

// CheckOrigin allows requests without an Origin header, configured origins,
// and otherwise same-host or loopback origins.
func (a *Access) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(a.allowedOrigins) > 0 {
		if a.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return a.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
