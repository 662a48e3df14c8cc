package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Role ranks. A higher rank admits everything a lower one does.
const (
	RankPatient = 1
	RankStaff   = 2
	RankAdmin   = 3
)

const deniedMessage = "Access denied: Insufficient privileges."

// Admits is the single access policy: a principal may perform an operation
// when its rank is at least the operation's minimum.
func Admits(rank, minRank int) bool {
	return rank >= minRank && rank > 0
}

// RequireRank returns middleware that admits principals of at least minRank.
func RequireRank(minRank int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !Admits(RankFromContext(c.Request().Context()), minRank) {
				return echo.NewHTTPError(http.StatusForbidden, deniedMessage)
			}
			return next(c)
		}
	}
}
