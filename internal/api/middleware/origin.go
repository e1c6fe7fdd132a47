package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrCrossSite is returned for requests another site's page tried to make.
var ErrCrossSite = echo.NewHTTPError(http.StatusForbidden, "cross-site request rejected")

// SameOrigin rejects requests that a browser marks as coming from a different
// origin. Sec-Fetch-Site is trusted when present; otherwise the Origin header
// must name this host. Requests carrying neither come from non-browser
// clients and pass. With allowSafe, GET, HEAD and OPTIONS are not checked.
func SameOrigin(allowSafe bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			if allowSafe && isSafeMethod(r.Method) {
				return next(c)
			}
			if !sameOrigin(r) {
				return ErrCrossSite
			}
			return next(c)
		}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func sameOrigin(r *http.Request) bool {
	switch r.Header.Get("Sec-Fetch-Site") {
	case "same-origin", "none":
		return true
	case "cross-site", "same-site":
		return false
	}

	origin := r.Header.Get(echo.HeaderOrigin)
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		// Includes the opaque "null" origin.
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
