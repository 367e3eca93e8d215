package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mirror-relay/relay/internal/config"
)

func TestCheckOrigin(t *testing.T) {
	open := NewAccess(config.ServerConfig{})
	restricted := NewAccess(config.ServerConfig{AllowedOrigins: []string{"https://viewer.example.com", " "}})

	tests := []struct {
		name   string
		a      *Access
		origin string
		host   string
		want   bool
	}{
		{"no origin", open, "", "relay.local:8890", true},
		{"same host", open, "http://relay.local:8890", "relay.local:8890", true},
		{"localhost", open, "http://localhost:5173", "relay.local:8890", true},
		{"loopback v4", open, "http://127.0.0.1:3000", "relay.local:8890", true},
		{"loopback v6", open, "http://[::1]:3000", "relay.local:8890", true},
		{"foreign", open, "https://evil.example.com", "relay.local:8890", false},
		{"allowed", restricted, "https://viewer.example.com", "relay.local:8890", true},
		{"localhost not allowed when restricted", restricted, "http://localhost:5173", "localhost:8890", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, tt.a.CheckOrigin(req))
		})
	}
}

func TestAccessAuthorize(t *testing.T) {
	a := NewAccess(config.ServerConfig{AuthToken: "secret"})

	tests := []struct {
		name   string
		target string
		key    string
		value  string
		want   bool
	}{
		{"missing", "/", "", "", false},
		{"query", "/?token=secret", "", "", true},
		{"header", "/", TokenHeader, "secret", true},
		{"bearer", "/", "Authorization", "Bearer secret", true},
		{"wrong bearer", "/", "Authorization", "Bearer nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.key != "" {
				req.Header.Set(tt.key, tt.value)
			}
			assert.Equal(t, tt.want, a.Authorize(req))
		})
	}

	assert.True(t, NewAccess(config.ServerConfig{}).Authorize(httptest.NewRequest(http.MethodGet, "/", nil)))
}
