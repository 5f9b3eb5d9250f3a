package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// CORS allows credentialed requests from origins. Outside production an
// empty list falls back to the local dev servers. In production a wildcard
// is dropped and an empty list allows no cross-origin callers.
func CORS(origins []string, production bool) echo.MiddlewareFunc {
	if production {
		kept := make([]string, 0, len(origins))
		for _, o := range origins {
			if o != "*" {
				kept = append(kept, o)
			}
		}
		origins = kept
	}
	if len(origins) == 0 && !production {
		origins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	if len(origins) == 0 {
		origins = []string{"null"}
	}
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, CSRFHeaderName, echo.HeaderXRequestID},
		ExposeHeaders:    []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	})
}
