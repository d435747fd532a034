package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route paths reachable without a bearer token.
var publicPaths = map[string]bool{
	"/health":                       true,
	"/health/db":                    true,
	"/api/v1/auth/login":            true,
	"/api/v1/auth/token/refresh":    true,
	"/api/v1/auth/register/patient": true,
	"/api/v1/auth/register/doctor":  true,
	"/api/v1/ipfs/verify/:cid":      true,
}

// AuthSkipper reports whether the matched route is public.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is a public route pattern.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
