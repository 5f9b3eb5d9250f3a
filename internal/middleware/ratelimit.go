package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/ratelimit"
)

// RateLimit gates a route with the named policy, keyed by ClientIdentity.
// A nil limiter disables limiting. Store failures let the request through.
func RateLimit(l *ratelimit.Limiter, policy string, logger *zap.Logger) echo.MiddlewareFunc {
	if l == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if _, ok := l.Policy(policy); !ok {
		panic("middleware: unknown rate limit policy " + policy)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := ClientIdentity(c)
			d, err := l.Check(c.Request().Context(), policy, identity)
			if err != nil {
				logger.Warn("rate limit check failed, allowing request",
					zap.String("policy", policy), zap.String("identity", identity), zap.Error(err))
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(d.RetryAfter))
				logger.Info("rate limited", zap.String("policy", policy), zap.String("identity", identity))
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error":      "Too many requests, please try again later",
					"retryAfter": d.RetryAfter,
				})
			}
			return next(c)
		}
	}
}
