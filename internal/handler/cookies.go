package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/middleware"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/service"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/utils"
)

// setSessionCookies writes the access and refresh cookies. MaxAge follows
// each token's expiry, so a remember-me refresh cookie outlives a normal one.
func (h *AuthHandler) setSessionCookies(c echo.Context, pair service.TokenPair) {
	c.SetCookie(h.sessionCookie(middleware.AccessCookieName, pair.Access))
	c.SetCookie(h.sessionCookie(middleware.RefreshCookieName, pair.Refresh))
}

func (h *AuthHandler) sessionCookie(name string, tok utils.SignedToken) *http.Cookie {
	maxAge := int(time.Until(tok.Exp) / time.Second)
	if maxAge < 1 {
		maxAge = 1
	}
	return &http.Cookie{
		Name:     name,
		Value:    tok.Token,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  tok.Exp,
		HttpOnly: true,
		Secure:   h.Production,
		SameSite: http.SameSiteStrictMode,
	}
}

func (h *AuthHandler) clearSessionCookies(c echo.Context) {
	for _, name := range []string{middleware.AccessCookieName, middleware.RefreshCookieName} {
		c.SetCookie(&http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
			Secure:   h.Production,
			SameSite: http.SameSiteStrictMode,
		})
	}
}
