package router

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/handler"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/middleware"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/ratelimit"
)

// Deps are the collaborators the routes are wired with. A nil Limiter
// disables rate limiting.
type Deps struct {
	Auth    *handler.AuthHandler
	Health  *handler.Health
	Guard   *middleware.AuthGuard
	CSRF    *middleware.CSRFGuard
	Limiter *ratelimit.Limiter
	Logger  *zap.Logger
}

// RegisterRoutes registers routes that need no authentication or limiting.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", d.Health.Handle)
}

// RegisterAuth registers the /auth routes. Each state-changing route runs
// rate limit, then CSRF, then the auth guard before the handler. Logout is
// exempt from CSRF so a client can always end its session.
func RegisterAuth(e *echo.Echo, d Deps) {
	limit := func(policy string) echo.MiddlewareFunc {
		return middleware.RateLimit(d.Limiter, policy, d.Logger)
	}
	csrf := d.CSRF.Middleware()

	g := e.Group("/auth")
	g.GET("/csrf", d.Auth.CSRFToken, limit(ratelimit.PolicyAPI))
	g.POST("/register", d.Auth.Register, limit(ratelimit.PolicyRegister), csrf)
	g.POST("/login", d.Auth.Login, limit(ratelimit.PolicyAuth), csrf)
	g.POST("/refresh", d.Auth.Refresh, limit(ratelimit.PolicyAuth), csrf)
	g.POST("/logout", d.Auth.Logout)
	g.GET("/me", d.Auth.Me, d.Guard.RequireUser())

	m := g.Group("/mfa", limit(ratelimit.PolicyAdmin), csrf, d.Guard.RequireAdmin())
	m.POST("/setup", d.Auth.MFASetup)
	m.POST("/verify", d.Auth.MFAVerify)
	m.POST("/disable", d.Auth.MFADisable)
}
