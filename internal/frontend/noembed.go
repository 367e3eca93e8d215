//go:build !embed

package frontend

import "net/http"

// Embedded returns nil unless the binary is built with -tags embed.
func Embedded() http.Handler { return nil }
