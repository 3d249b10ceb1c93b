package security

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origins is an allow-list of browser origins. Entries are exact origins,
// "*" for any, or "scheme://*.domain" for any subdomain of domain.
type Origins []string

// Any reports whether the list contains the bare wildcard.
func (o Origins) Any() bool {
	for _, p := range o {
		if p == "*" {
			return true
		}
	}
	return false
}

// Allows reports whether origin matches an entry.
func (o Origins) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	for _, p := range o {
		switch {
		case p == "*" || p == origin:
			return true
		case strings.Contains(p, "://*."):
			scheme, domain, _ := strings.Cut(p, "://*.")
			host, ok := strings.CutPrefix(origin, scheme+"://")
			if ok && strings.HasSuffix(host, "."+domain) {
				return true
			}
		}
	}
	return false
}

// CORS answers cross-origin requests from Origins.
type CORS struct {
	Origins Origins
	Methods []string
	Headers []string
	MaxAge  int // seconds
}

// NewCORS returns a CORS policy for the battle API's methods and headers.
func NewCORS(origins []string) CORS {
	return CORS{
		Origins: origins,
		Methods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		Headers: []string{"Content-Type", "X-Request-ID"},
		MaxAge:  600,
	}
}

// Middleware echoes an allowed Origin and short-circuits preflight requests.
// Disallowed origins get no CORS headers; the browser then blocks the call.
func (p CORS) Middleware() gin.HandlerFunc {
	methods := strings.Join(p.Methods, ", ")
	headers := strings.Join(p.Headers, ", ")
	maxAge := strconv.Itoa(p.MaxAge)
	credentials := !p.Origins.Any()

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if p.Origins.Allows(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Max-Age", maxAge)
			// A wildcard list must not hand out credentials.
			if credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions && origin != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
