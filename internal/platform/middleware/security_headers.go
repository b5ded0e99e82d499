package middleware

import (
	"github.com/labstack/echo/v4"
)

// apiHeaders go on every response. This API serves only JSON carrying
// clinical data to authenticated callers: nothing may be embedded,
// scripted, or cached between the service and the client.
var apiHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	// Legacy XSS filter off; the CSP below is the real control.
	{"X-XSS-Protection", "0"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
	// Responses contain record content and signer identities: never cached.
	{"Cache-Control", "no-store"},
}

// SecurityHeaders sets the fixed response header set on every request.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range apiHeaders {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
