// Package mfa implements TOTP multi-factor authentication: secret and backup
// code generation, the two-step setup handshake, login-time verification and
// password-gated disabling.
package mfa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/model"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/utils"
)

const (
	codeDigits = 6
	period     = 30
	skew       = 1

	backupCodeBytes = 6 // XXXX-XXXX-XXXX
)

// UserStore is the persistence the provider needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (model.User, error)
	EnableMFA(ctx context.Context, id, secret string, backupCodeHashes []string) error
	DisableMFA(ctx context.Context, id string) error
	ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error)
}

// PasswordVerifier checks a plaintext password against a stored digest.
type PasswordVerifier interface {
	Verify(plain, digest string) (bool, error)
}

// Config tunes the provider.
type Config struct {
	Issuer          string        // shown by authenticator apps
	SetupTTL        time.Duration // lifetime of a temp token
	BackupCodeCount int
	BackupCodeKey   []byte // HMAC key for stored backup code digests
}

// Setup is returned by GenerateSecret. BackupCodes are plaintext and shown to
// the user exactly once.
type Setup struct {
	Secret      string
	QRCodeURL   string
	BackupCodes []string
	TempToken   string
}

// Provider implements the MFA state machine on top of a UserStore and a
// PendingStore.
type Provider struct {
	users   UserStore
	pending PendingStore
	hasher  PasswordVerifier
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func NewProvider(users UserStore, pending PendingStore, hasher PasswordVerifier, cfg Config, logger *zap.Logger) *Provider {
	if cfg.Issuer == "" {
		cfg.Issuer = "IEEE Website"
	}
	if cfg.SetupTTL <= 0 {
		cfg.SetupTTL = 10 * time.Minute
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		users:   users,
		pending: pending,
		hasher:  hasher,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GenerateSecret creates a TOTP secret and backup codes for userID and parks
// them under a fresh temp token. Nothing is written to the user record.
func (p *Provider) GenerateSecret(ctx context.Context, userID string) (Setup, error) {
	u, err := p.users.GetByID(ctx, userID)
	if err != nil {
		return Setup{}, fmt.Errorf("load user: %w", err)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.cfg.Issuer,
		AccountName: u.Email,
		Period:      period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Setup{}, fmt.Errorf("generate totp key: %w", err)
	}

	codes := make([]string, 0, p.cfg.BackupCodeCount)
	hashes := make([]string, 0, p.cfg.BackupCodeCount)
	for i := 0; i < p.cfg.BackupCodeCount; i++ {
		raw, err := utils.RandomHex(backupCodeBytes)
		if err != nil {
			return Setup{}, fmt.Errorf("generate backup code: %w", err)
		}
		raw = strings.ToUpper(raw)
		codes = append(codes, raw[:4]+"-"+raw[4:8]+"-"+raw[8:])
		hashes = append(hashes, p.backupDigest(userID, raw))
	}

	token, err := utils.RandomHex(32)
	if err != nil {
		return Setup{}, fmt.Errorf("generate temp token: %w", err)
	}
	err = p.pending.Save(ctx, token, Pending{
		UserID:           userID,
		Secret:           key.Secret(),
		BackupCodeHashes: hashes,
		CreatedAt:        p.now(),
	}, p.cfg.SetupTTL)
	if err != nil {
		return Setup{}, err
	}

	return Setup{
		Secret:      key.Secret(),
		QRCodeURL:   key.URL(),
		BackupCodes: codes,
		TempToken:   token,
	}, nil
}

// VerifySetup consumes tempToken and, when code is valid for the pending
// secret and the token belongs to userID, commits MFA to the user record.
// The temp token is gone after this call whatever the outcome.
func (p *Provider) VerifySetup(ctx context.Context, userID, code, tempToken string) (bool, error) {
	pending, ok, err := p.pending.Take(ctx, tempToken)
	if err != nil {
		return false, err
	}
	if !ok || pending.UserID != userID {
		return false, nil
	}
	if !p.validTOTP(code, pending.Secret) {
		return false, nil
	}
	if err := p.users.EnableMFA(ctx, userID, pending.Secret, pending.BackupCodeHashes); err != nil {
		return false, fmt.Errorf("enable mfa: %w", err)
	}
	p.logger.Info("mfa enabled", zap.String("user_id", userID))
	return true, nil
}

// VerifyToken checks a login-time code: a live TOTP for the committed secret,
// or an unused backup code which is consumed atomically.
func (p *Provider) VerifyToken(ctx context.Context, userID, code string) (bool, error) {
	u, err := p.users.GetByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}
	if !u.MFAEnabled || u.MFASecret == nil {
		return false, nil
	}
	code = strings.TrimSpace(code)
	if p.validTOTP(code, *u.MFASecret) {
		return true, nil
	}

	normalized := normalizeBackupCode(code)
	if normalized == "" {
		return false, nil
	}
	used, err := p.users.ConsumeBackupCode(ctx, userID, p.backupDigest(userID, normalized))
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	if used {
		p.logger.Info("mfa backup code used", zap.String("user_id", userID))
	}
	return used, nil
}

// Disable re-verifies the account password and clears every MFA field.
func (p *Provider) Disable(ctx context.Context, userID, password string) (bool, error) {
	u, err := p.users.GetByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}
	ok, err := p.hasher.Verify(password, u.PasswordHash)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := p.users.DisableMFA(ctx, userID); err != nil {
		return false, fmt.Errorf("disable mfa: %w", err)
	}
	p.logger.Info("mfa disabled", zap.String("user_id", userID))
	return true, nil
}

func (p *Provider) validTOTP(code, secret string) bool {
	if len(code) != codeDigits {
		return false
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	ok, err := totp.ValidateCustom(code, secret, p.now(), totp.ValidateOpts{
		Period:    period,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// backupDigest binds a normalized code to its owner so digests differ
// across users even for equal codes.
func (p *Provider) backupDigest(userID, normalized string) string {
	return utils.HashToken(p.cfg.BackupCodeKey, userID+":"+normalized)
}

// normalizeBackupCode upper-cases a code and strips separators so
// "abcd-1234", "ABCD 1234" and "ABCD1234" match the same stored digest.
func normalizeBackupCode(code string) string {
	code = strings.ToUpper(code)
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, code)
}
