// Package service holds the session orchestration: registration, login with
// optional MFA, token rotation and logout.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/model"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/queue"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/repository"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/utils"
)

// MFAVerifier checks a login-time MFA code for a user.
type MFAVerifier interface {
	VerifyToken(ctx context.Context, userID, code string) (bool, error)
}

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(plain, digest string) (bool, error)
	DummyVerify(plain string)
}

// Config tunes the session service.
type Config struct {
	MaxFailedLogins   int           // consecutive failures before lockout, 0 disables
	LockoutDuration   time.Duration // how long a lockout lasts
	DefaultRole       string        // role given on registration
	MinPasswordLength int
}

// ClientMeta describes the caller of an operation for bookkeeping.
type ClientMeta struct {
	IP        string
	UserAgent string
}

type RegisterInput struct {
	Email    string
	Password string
	Name     string
}

type LoginInput struct {
	Email      string
	Password   string
	MFAToken   string
	RememberMe bool
}

// TokenPair is an access/refresh pair. Remember records whether the refresh
// token carries the extended lifetime.
type TokenPair struct {
	Access   utils.SignedToken
	Refresh  utils.SignedToken
	Remember bool
}

// AuthResult is returned by Register, Login and Refresh. When MFARequired is
// set, Tokens is empty and no session was created.
type AuthResult struct {
	User        model.User
	Tokens      TokenPair
	MFARequired bool
}

// SessionService composes the user store, password hasher, token codec and
// MFA verifier into the session lifecycle.
type SessionService struct {
	users  repository.UserStore
	hasher PasswordHasher
	tokens *utils.TokenCodec
	mfa    MFAVerifier
	events queue.Publisher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewSessionService(users repository.UserStore, hasher PasswordHasher, tokens *utils.TokenCodec, mfa MFAVerifier,
	events queue.Publisher, cfg Config, logger *zap.Logger) *SessionService {
	if events == nil {
		events = queue.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = model.RoleUser
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = 8
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	return &SessionService{
		users:  users,
		hasher: hasher,
		tokens: tokens,
		mfa:    mfa,
		events: events,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a user with the default role and starts a session.
func (s *SessionService) Register(ctx context.Context, in RegisterInput, meta ClientMeta) (AuthResult, error) {
	email := normalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return AuthResult{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" || utf8.RuneCountInString(name) > 100 {
		return AuthResult{}, invalid("name is required and must be at most 100 characters")
	}
	if utf8.RuneCountInString(in.Password) < s.cfg.MinPasswordLength || len(in.Password) > 72 {
		return AuthResult{}, invalid(fmt.Sprintf("password must be between %d and 72 bytes", s.cfg.MinPasswordLength))
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return AuthResult{}, s.internal("hash password", err)
	}
	now := s.now()
	u := model.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         s.cfg.DefaultRole,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return AuthResult{}, fmt.Errorf("%w: email already registered", ErrConflict)
		}
		return AuthResult{}, s.internal("create user", err)
	}

	pair, sid, err := s.startSession(ctx, u, false, meta)
	if err != nil {
		return AuthResult{}, err
	}
	s.emit(ctx, queue.EventUserRegistered, u, sid, meta)
	return AuthResult{User: u, Tokens: pair}, nil
}

// Login verifies credentials and, when the account has MFA enabled, the MFA
// code. Unknown email, wrong password, locked account and wrong MFA code all
// yield ErrUnauthorized. Valid credentials without a code on an MFA account
// yield MFARequired and no tokens.
func (s *SessionService) Login(ctx context.Context, in LoginInput, meta ClientMeta) (AuthResult, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return AuthResult{}, invalid("email and password are required")
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.hasher.DummyVerify(in.Password)
			s.recordUnmatchedFailure(ctx)
			s.emit(ctx, queue.EventLoginFailed, model.User{Email: email}, "", meta)
			return AuthResult{}, ErrUnauthorized
		}
		return AuthResult{}, s.internal("load user", err)
	}

	ok, err := s.hasher.Verify(in.Password, u.PasswordHash)
	if err != nil {
		return AuthResult{}, s.internal("verify password", err)
	}
	now := s.now()
	if u.IsLocked(now) {
		s.recordUnmatchedFailure(ctx)
		s.emit(ctx, queue.EventLoginFailed, u, "", meta)
		return AuthResult{}, ErrUnauthorized
	}
	if !ok {
		s.recordFailure(ctx, u, meta)
		return AuthResult{}, ErrUnauthorized
	}

	if u.MFAEnabled {
		if strings.TrimSpace(in.MFAToken) == "" {
			s.emit(ctx, queue.EventLoginMFARequired, u, "", meta)
			return AuthResult{User: u, MFARequired: true}, nil
		}
		if s.mfa == nil {
			return AuthResult{}, s.internal("verify mfa", errors.New("no mfa verifier configured"))
		}
		valid, err := s.mfa.VerifyToken(ctx, u.ID, in.MFAToken)
		if err != nil {
			return AuthResult{}, s.internal("verify mfa", err)
		}
		if !valid {
			s.recordFailure(ctx, u, meta)
			return AuthResult{}, ErrUnauthorized
		}
	}

	pair, sid, err := s.startSession(ctx, u, in.RememberMe, meta)
	if err != nil {
		return AuthResult{}, err
	}
	s.emit(ctx, queue.EventLoginSucceeded, u, sid, meta)
	return AuthResult{User: u, Tokens: pair}, nil
}

// Refresh verifies a refresh token and issues a new pair for the same
// session. The presented token is not revoked server-side; it stays valid
// until it expires.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (AuthResult, error) {
	claims, err := s.tokens.Verify(refreshToken, utils.RefreshTokenType)
	if err != nil {
		return AuthResult{}, ErrUnauthorized
	}
	u, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return AuthResult{}, ErrUnauthorized
		}
		return AuthResult{}, s.internal("load user", err)
	}
	now := s.now()
	if u.IsLocked(now) {
		return AuthResult{}, ErrUnauthorized
	}

	pair, err := s.issuePair(u, claims.SessionID, claims.Remember)
	if err != nil {
		return AuthResult{}, err
	}
	if err := s.users.TouchSession(ctx, u.ID, claims.SessionID, now); err != nil {
		s.logger.Warn("touch session failed", zap.String("user_id", u.ID), zap.Error(err))
	}
	s.emit(ctx, queue.EventSessionRefreshed, u, claims.SessionID, meta)
	return AuthResult{User: u, Tokens: pair}, nil
}

// Logout removes the session named by whichever token still verifies. It
// never fails: cookie clearing at the caller must always happen.
func (s *SessionService) Logout(ctx context.Context, accessToken, refreshToken string, meta ClientMeta) {
	claims, err := s.tokens.Verify(accessToken, utils.AccessTokenType)
	if err != nil {
		claims, err = s.tokens.Verify(refreshToken, utils.RefreshTokenType)
	}
	if err != nil {
		return
	}
	if claims.SessionID != "" {
		if err := s.users.RemoveSession(ctx, claims.Subject, claims.SessionID); err != nil {
			s.logger.Warn("logout cleanup failed", zap.String("user_id", claims.Subject), zap.Error(err))
		}
	}
	s.emit(ctx, queue.EventLoggedOut, model.User{ID: claims.Subject, Email: claims.Email}, claims.SessionID, meta)
}

// Me returns the profile for an authenticated user id.
func (s *SessionService) Me(ctx context.Context, userID string) (model.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.User{}, ErrUnauthorized
		}
		return model.User{}, s.internal("load user", err)
	}
	return u, nil
}

// RecordMFAChange publishes an audit event after MFA was enabled or disabled
// for userID.
func (s *SessionService) RecordMFAChange(ctx context.Context, userID string, enabled bool, meta ClientMeta) {
	typ := queue.EventMFADisabled
	if enabled {
		typ = queue.EventMFAEnabled
	}
	s.emit(ctx, typ, model.User{ID: userID}, "", meta)
}

func (s *SessionService) startSession(ctx context.Context, u model.User, remember bool, meta ClientMeta) (TokenPair, string, error) {
	sid := uuid.NewString()
	pair, err := s.issuePair(u, sid, remember)
	if err != nil {
		return TokenPair{}, "", err
	}
	now := s.now()
	sess := model.ActiveSession{
		SessionID:    sid,
		CreatedAt:    now,
		LastActivity: now,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
	}
	if err := s.users.RecordLoginSuccess(ctx, u.ID, now, meta.IP, sess); err != nil {
		return TokenPair{}, "", s.internal("record login", err)
	}
	return pair, sid, nil
}

func (s *SessionService) issuePair(u model.User, sid string, remember bool) (TokenPair, error) {
	access, err := s.tokens.IssueAccessToken(u.ID, u.Role, u.Email, sid)
	if err != nil {
		return TokenPair{}, s.internal("issue access token", err)
	}
	refresh, err := s.tokens.IssueRefreshToken(u.ID, sid, remember)
	if err != nil {
		return TokenPair{}, s.internal("issue refresh token", err)
	}
	return TokenPair{Access: access, Refresh: refresh, Remember: remember}, nil
}

func (s *SessionService) recordFailure(ctx context.Context, u model.User, meta ClientMeta) {
	s.emit(ctx, queue.EventLoginFailed, u, "", meta)
	attempts, err := s.users.RecordLoginFailure(ctx, u.ID, s.cfg.MaxFailedLogins, s.cfg.LockoutDuration, s.now())
	if err != nil {
		s.logger.Warn("record login failure", zap.String("user_id", u.ID), zap.Error(err))
		return
	}
	if s.cfg.MaxFailedLogins > 0 && attempts >= s.cfg.MaxFailedLogins {
		s.logger.Warn("account locked", zap.String("user_id", u.ID), zap.Duration("for", s.cfg.LockoutDuration))
		s.emit(ctx, queue.EventAccountLocked, u, "", meta)
	}
}

// unmatchedAccountID matches no stored user.
const unmatchedAccountID = ""

// recordUnmatchedFailure performs the failure write against no account, so
// every refused login costs the same store round trip.
func (s *SessionService) recordUnmatchedFailure(ctx context.Context) {
	_, err := s.users.RecordLoginFailure(ctx, unmatchedAccountID, s.cfg.MaxFailedLogins, s.cfg.LockoutDuration, s.now())
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("record login failure", zap.Error(err))
	}
}

func (s *SessionService) emit(ctx context.Context, typ string, u model.User, sid string, meta ClientMeta) {
	ev := queue.SecurityEvent{
		Type:       typ,
		UserID:     u.ID,
		Email:      u.Email,
		SessionID:  sid,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		OccurredAt: s.now().Format(time.RFC3339),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Debug("security event not published", zap.String("type", typ), zap.Error(err))
	}
}

func (s *SessionService) internal(op string, err error) error {
	s.logger.Error(op+" failed", zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return invalid("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || strings.ToLower(addr.Address) != email {
		return invalid("email is invalid")
	}
	return nil
}
