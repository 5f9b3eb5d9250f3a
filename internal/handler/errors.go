package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/repository"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/service"
)

// fail maps an error onto the {error} response shape. Internal errors carry
// a detail field only outside production.
func (h *AuthHandler) fail(c echo.Context, err error) error {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": ve.Message})
	case errors.Is(err, service.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid request"})
	case errors.Is(err, service.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Invalid credentials"})
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Authentication required"})
	case errors.Is(err, service.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "Insufficient permissions"})
	case errors.Is(err, service.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "Email already registered"})
	case errors.Is(err, service.ErrRateLimited):
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "Too many requests, please try again later"})
	}

	h.Logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	body := echo.Map{"error": "Internal server error"}
	if !h.Production {
		body["detail"] = err.Error()
	}
	return c.JSON(http.StatusInternalServerError, body)
}
