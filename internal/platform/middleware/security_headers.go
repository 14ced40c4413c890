package middleware

import (
	"github.com/labstack/echo/v4"
)

type header struct{ name, value string }

// SecurityHeaders sets response headers for a JSON API whose order views
// carry patient names. HSTS is left off for plain-http development servers,
// where a browser would otherwise pin localhost to https.
func SecurityHeaders(strictTransport bool) echo.MiddlewareFunc {
	headers := []header{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"X-XSS-Protection", "0"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Referrer-Policy", "no-referrer"},
		{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
		{"Cache-Control", "no-store"},
	}
	if strictTransport {
		headers = append(headers, header{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"})
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, hd := range headers {
				h.Set(hd.name, hd.value)
			}
			return next(c)
		}
	}
}
