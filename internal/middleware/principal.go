package middleware

import (
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
)

// PrincipalContextKey is where the authenticated user ID lives in the echo
// context once Principal has run.
const PrincipalContextKey = "principal"

// PrincipalHeader lets non-browser clients (tests, service callers) identify
// themselves without a session cookie.
const PrincipalHeader = "X-Principal-ID"

const sessionName = "parley_session"

// SessionStore builds the cookie-backed session store shared by the server.
func SessionStore(secret string) sessions.Store {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// Principal resolves the calling user's identity and rejects anonymous
// requests. Identity comes from the session cookie when present, falling
// back to the X-Principal-ID header. Who vouches for that identity is the
// deployment's concern; everything downstream only needs a stable user ID.
func Principal() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if sess, err := session.Get(sessionName, c); err == nil {
				if id, ok := sess.Values["user_id"].(string); ok && id != "" {
					c.Set(PrincipalContextKey, id)
					return next(c)
				}
			}

			if id := c.Request().Header.Get(PrincipalHeader); id != "" {
				c.Set(PrincipalContextKey, id)
				return next(c)
			}

			return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
		}
	}
}

// PrincipalID fetches the user ID stored by Principal.
func PrincipalID(c echo.Context) (string, bool) {
	id, ok := c.Get(PrincipalContextKey).(string)
	return id, ok && id != ""
}
