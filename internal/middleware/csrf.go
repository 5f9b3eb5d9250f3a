package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/utils"
)

const (
	CSRFCookieName = "csrf_token"
	CSRFHeaderName = "X-CSRF-Token"
)

// CSRFConfig controls the CSRF cookie.
type CSRFConfig struct {
	Secure bool
	TTL    time.Duration
}

// CSRFGuard implements the double-submit pattern: a random token is placed
// in a script-readable cookie and must be echoed back in CSRFHeaderName on
// every state-changing request.
type CSRFGuard struct {
	cfg CSRFConfig
}

func NewCSRFGuard(cfg CSRFConfig) *CSRFGuard {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &CSRFGuard{cfg: cfg}
}

// Issue mints a token, sets the cookie and returns the token for the client
// to send back as a header.
func (g *CSRFGuard) Issue(c echo.Context) (string, error) {
	token, err := utils.RandomHex(32)
	if err != nil {
		return "", err
	}
	c.SetCookie(&http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.cfg.TTL / time.Second),
		HttpOnly: false,
		Secure:   g.cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// Verify reports whether headerToken matches the cookie token. Both sides are
// hashed to a fixed length first so the comparison time does not depend on
// the length of either input.
func (g *CSRFGuard) Verify(c echo.Context, headerToken string) bool {
	cookie, err := c.Cookie(CSRFCookieName)
	cookieToken := ""
	if err == nil {
		cookieToken = cookie.Value
	}
	a := sha256.Sum256([]byte(headerToken))
	b := sha256.Sum256([]byte(cookieToken))
	match := subtle.ConstantTimeCompare(a[:], b[:]) == 1
	present := subtle.ConstantTimeByteEq(boolByte(headerToken != ""), 1) & subtle.ConstantTimeByteEq(boolByte(cookieToken != ""), 1)
	return match && present == 1
}

// Middleware rejects POST, PUT, PATCH and DELETE requests whose header token
// does not match the cookie. The 403 response carries a fresh token.
func (g *CSRFGuard) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			switch c.Request().Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				return next(c)
			}
			if g.Verify(c, c.Request().Header.Get(CSRFHeaderName)) {
				return next(c)
			}
			body := echo.Map{"error": "Invalid CSRF token"}
			if fresh, err := g.Issue(c); err == nil {
				body["csrfToken"] = fresh
			}
			return c.JSON(http.StatusForbidden, body)
		}
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
