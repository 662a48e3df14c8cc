package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists routes that bypass authentication. The payment provider
// calls the callback route without credentials.
var publicPaths = map[string]bool{
	"/health":                true,
	"/health/db":             true,
	"/transactions/callback": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
