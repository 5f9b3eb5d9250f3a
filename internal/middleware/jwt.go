package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/model"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/utils"
)

// AccessCookieName and RefreshCookieName name the session cookies.
const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"
)

// TokenVerifier verifies a signed token of the expected type.
type TokenVerifier interface {
	Verify(raw string, want utils.TokenType) (*utils.Claims, error)
}

// AuthGuard authenticates requests from the access_token cookie, falling
// back to an Authorization: Bearer header for non-browser clients.
type AuthGuard struct {
	tokens TokenVerifier
}

func NewAuthGuard(tokens TokenVerifier) *AuthGuard {
	return &AuthGuard{tokens: tokens}
}

// Authenticate verifies the caller's access token and returns its claims.
func (g *AuthGuard) Authenticate(c echo.Context) (*utils.Claims, error) {
	raw := ""
	if ck, err := c.Cookie(AccessCookieName); err == nil {
		raw = ck.Value
	}
	if raw == "" {
		if auth := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
			raw = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if raw == "" {
		return nil, utils.ErrInvalidToken
	}
	return g.tokens.Verify(raw, utils.AccessTokenType)
}

// RequireUser rejects unauthenticated requests with 401 and stores the
// caller's id, role, email and session id in the context.
func (g *AuthGuard) RequireUser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := g.Authenticate(c)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Authentication required"})
			}
			c.Set(ctxUserID, claims.Subject)
			c.Set(ctxRole, claims.Role)
			c.Set(ctxEmail, claims.Email)
			c.Set(ctxSessionID, claims.SessionID)
			return next(c)
		}
	}
}

// RequireAdmin is RequireUser followed by RequireRole(admin): 401 when not
// authenticated, 403 when authenticated without the admin role.
func (g *AuthGuard) RequireAdmin() echo.MiddlewareFunc {
	user := g.RequireUser()
	admin := RequireRole(model.RoleAdmin)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return user(admin(next))
	}
}
