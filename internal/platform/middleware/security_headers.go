package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the headers every API response carries. Responses
// may contain medical data, so nothing is cacheable. HSTS is only sent when
// the server sits behind TLS; document downloads override Content-Type but
// keep the rest.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	static := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"X-XSS-Protection", "0"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Referrer-Policy", "no-referrer"},
		{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
		{"Cache-Control", "no-store"},
		{"Pragma", "no-cache"},
	}
	if hsts {
		static = append(static, [2]string{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"})
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range static {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
