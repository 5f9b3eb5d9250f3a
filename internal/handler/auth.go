package handler

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/mfa"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/middleware"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/model"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/service"
)

const requestTimeout = 5 * time.Second

var totpCode = regexp.MustCompile(`^[0-9]{6}$`)

// AuthHandler bundles dependencies for the /auth endpoints.
type AuthHandler struct {
	Sessions   *service.SessionService
	MFA        *mfa.Provider
	CSRF       *middleware.CSRFGuard
	Production bool // secure cookies, hidden error detail
	Logger     *zap.Logger
}

func NewAuthHandler(sessions *service.SessionService, provider *mfa.Provider, csrf *middleware.CSRFGuard, production bool, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{Sessions: sessions, MFA: provider, CSRF: csrf, Production: production, Logger: logger}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginReq struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	MFAToken   string `json:"mfaToken"`
	RememberMe bool   `json:"rememberMe"`
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

type mfaVerifyReq struct {
	Token     string `json:"token"`
	TempToken string `json:"tempToken"`
}

type mfaDisableReq struct {
	Password string `json:"password"`
}

type userPart struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	MFAEnabled bool   `json:"mfaEnabled"`
}

func toUserPart(u model.User) userPart {
	return userPart{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, MFAEnabled: u.MFAEnabled}
}

// CSRFToken issues a CSRF token and cookie.
func (h *AuthHandler) CSRFToken(c echo.Context) error {
	token, err := h.CSRF.Issue(c)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"csrfToken": token})
}

// Register creates an account and starts a session.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid request body"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.Sessions.Register(ctx, service.RegisterInput{
		Email: req.Email, Password: req.Password, Name: req.Name,
	}, clientMeta(c))
	if err != nil {
		return h.fail(c, err)
	}
	h.setSessionCookies(c, res.Tokens)
	return c.JSON(http.StatusCreated, echo.Map{"user": toUserPart(res.User)})
}

// Login verifies credentials. MFA accounts without a code get
// {mfaRequired: true} and no cookies.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid request body"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.Sessions.Login(ctx, service.LoginInput{
		Email: req.Email, Password: req.Password, MFAToken: req.MFAToken, RememberMe: req.RememberMe,
	}, clientMeta(c))
	if err != nil {
		return h.fail(c, err)
	}
	if res.MFARequired {
		return c.JSON(http.StatusOK, echo.Map{"mfaRequired": true})
	}
	h.setSessionCookies(c, res.Tokens)
	return c.JSON(http.StatusOK, echo.Map{"user": toUserPart(res.User)})
}

// Logout clears both session cookies. It always answers 200.
func (h *AuthHandler) Logout(c echo.Context) error {
	access := cookieValue(c, middleware.AccessCookieName)
	refresh := cookieValue(c, middleware.RefreshCookieName)
	h.clearSessionCookies(c)
	h.endSession(c, access, refresh)
	return c.JSON(http.StatusOK, echo.Map{"message": "Logged out"})
}

func (h *AuthHandler) endSession(c echo.Context, access, refresh string) {
	defer func() {
		if r := recover(); r != nil {
			h.Logger.Error("logout cleanup panicked", zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	h.Sessions.Logout(ctx, access, refresh, clientMeta(c))
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	u, err := h.Sessions.Me(ctx, middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": toUserPart(u)})
}

// Refresh rotates the session cookies using the refresh cookie. A JSON body
// {refreshToken} is accepted for clients that do not keep cookies.
func (h *AuthHandler) Refresh(c echo.Context) error {
	raw := cookieValue(c, middleware.RefreshCookieName)
	if raw == "" {
		var req refreshReq
		if err := c.Bind(&req); err == nil {
			raw = strings.TrimSpace(req.RefreshToken)
		}
	}
	if raw == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Invalid refresh token"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.Sessions.Refresh(ctx, raw, clientMeta(c))
	if err != nil {
		if errors.Is(err, service.ErrUnauthorized) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Invalid refresh token"})
		}
		return h.fail(c, err)
	}
	h.setSessionCookies(c, res.Tokens)
	return c.JSON(http.StatusOK, echo.Map{"user": toUserPart(res.User)})
}

// MFASetup starts the setup handshake for the caller.
func (h *AuthHandler) MFASetup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	setup, err := h.MFA.GenerateSecret(ctx, middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"secret":      setup.Secret,
		"qrCodeUrl":   setup.QRCodeURL,
		"backupCodes": setup.BackupCodes,
		"tempToken":   setup.TempToken,
	})
}

// MFAVerify confirms the setup with a TOTP code and the temp token.
func (h *AuthHandler) MFAVerify(c echo.Context) error {
	var req mfaVerifyReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid request body"})
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.TempToken == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "A 6-digit token and tempToken are required"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	// the temp token is consumed even when the code is malformed
	userID := middleware.UserID(c)
	ok, err := h.MFA.VerifySetup(ctx, userID, req.Token, req.TempToken)
	if err != nil {
		return h.fail(c, err)
	}
	if !totpCode.MatchString(req.Token) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "A 6-digit token and tempToken are required"})
	}
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid verification code"})
	}
	h.Sessions.RecordMFAChange(ctx, userID, true, clientMeta(c))
	return c.JSON(http.StatusOK, echo.Map{"message": "MFA enabled", "mfaEnabled": true})
}

// MFADisable turns MFA off after re-checking the password.
func (h *AuthHandler) MFADisable(c echo.Context) error {
	var req mfaDisableReq
	if err := c.Bind(&req); err != nil || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Password is required"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	userID := middleware.UserID(c)
	ok, err := h.MFA.Disable(ctx, userID, req.Password)
	if err != nil {
		return h.fail(c, err)
	}
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Invalid password"})
	}
	h.Sessions.RecordMFAChange(ctx, userID, false, clientMeta(c))
	return c.JSON(http.StatusOK, echo.Map{"message": "MFA disabled", "mfaEnabled": false})
}

func clientMeta(c echo.Context) service.ClientMeta {
	return service.ClientMeta{IP: middleware.ClientIP(c), UserAgent: c.Request().UserAgent()}
}

func cookieValue(c echo.Context, name string) string {
	ck, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}
