// Package security holds the browser-facing HTTP hardening for the battle
// API: fixed response headers and origin checks for CORS and WebSocket
// upgrades.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Header is one response header set on every request.
type Header struct {
	Name  string
	Value string
}

// DefaultHeaders is the header set for a JSON and WebSocket API that never
// serves pages.
func DefaultHeaders() []Header {
	return []Header{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"},
		{"Cross-Origin-Resource-Policy", "same-site"},
		{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
		// Snapshots change on every intent.
		{"Cache-Control", "no-store"},
	}
}

// HeadersMiddleware writes headers before the handler runs. With no
// arguments it uses DefaultHeaders.
func HeadersMiddleware(headers ...Header) gin.HandlerFunc {
	if len(headers) == 0 {
		headers = DefaultHeaders()
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range headers {
			h.Set(kv.Name, kv.Value)
		}
		c.Next()
	}
}

// WebSocketOrigin returns a CheckOrigin func for websocket.Upgrader.
// Requests without an Origin header come from non-browser agents and pass.
// Same-host origins always pass.
func WebSocketOrigin(origins Origins) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		return origins.Allows(origin)
	}
}
