package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/agrimarket/web-client/internal/core/domain"
	"github.com/agrimarket/web-client/internal/core/ports"
)

// RequireSession rejects requests while no user is signed in and exposes the
// signed-in role to handlers under "role". The role is informational only.
func RequireSession(session ports.SessionManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			snap := session.Snapshot()
			if !snap.IsAuthenticated() {
				return domain.ErrNotAuthenticated
			}

			c.Set("role", string(snap.User.Role()))

			return next(c)
		}
	}
}
