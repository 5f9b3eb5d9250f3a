package middleware

import (
	"net"
	"strings"

	"github.com/labstack/echo/v4"
)

// Context keys set by AuthGuard.
const (
	ctxUserID    = "user_id"
	ctxRole      = "role"
	ctxEmail     = "email"
	ctxSessionID = "session_id"
)

// ClientIdentity resolves the caller for rate limiting: the first
// X-Forwarded-For entry, then X-Real-IP, then "unknown". Both headers are
// client-controlled, so this is only meaningful behind a reverse proxy that
// overwrites them.
func ClientIdentity(c echo.Context) string {
	h := c.Request().Header
	if xff := h.Get(echo.HeaderXForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(h.Get(echo.HeaderXRealIP)); ip != "" {
		return ip
	}
	return "unknown"
}

// ClientIP is ClientIdentity falling back to the socket peer address. It is
// recorded on sessions, not used for limiting.
func ClientIP(c echo.Context) string {
	if id := ClientIdentity(c); id != "unknown" {
		return id
	}
	if host, _, err := net.SplitHostPort(c.Request().RemoteAddr); err == nil {
		return host
	}
	return c.Request().RemoteAddr
}

// UserID returns the authenticated user id, or "" when AuthGuard did not run.
func UserID(c echo.Context) string { return ctxString(c, ctxUserID) }

// Role returns the authenticated role.
func Role(c echo.Context) string { return ctxString(c, ctxRole) }

// SessionID returns the sid claim of the access token.
func SessionID(c echo.Context) string { return ctxString(c, ctxSessionID) }

func ctxString(c echo.Context, key string) string {
	s, _ := c.Get(key).(string)
	return s
}
