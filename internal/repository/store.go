package repository

import (
	"context"
	"time"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/model"
)

// UserStore persists the authentication-relevant fields of a user. Every
// mutating method is a single atomic update of one user record.
type UserStore interface {
	Create(ctx context.Context, u model.User) error
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id string) (model.User, error)

	// RecordLoginSuccess clears the failure counter and lock, stamps the
	// last login and appends s to the session list.
	RecordLoginSuccess(ctx context.Context, id string, at time.Time, ip string, s model.ActiveSession) error
	// RecordLoginFailure increments the failure counter. When it reaches
	// lockAfter the account is locked until now+lockFor and the counter
	// restarts. It returns the counter value after the increment.
	RecordLoginFailure(ctx context.Context, id string, lockAfter int, lockFor time.Duration, now time.Time) (int, error)
	TouchSession(ctx context.Context, id, sessionID string, at time.Time) error
	RemoveSession(ctx context.Context, id, sessionID string) error

	EnableMFA(ctx context.Context, id, secret string, backupCodeHashes []string) error
	DisableMFA(ctx context.Context, id string) error
	// ConsumeBackupCode removes codeHash from the user's backup codes and
	// reports whether it was present. Check and removal are one step.
	ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error)
}

// applyLoginFailure is the counter/lock transition shared by the backends
// that mutate a loaded record.
func applyLoginFailure(u *model.User, lockAfter int, lockFor time.Duration, now time.Time) int {
	u.FailedLoginAttempts++
	attempts := u.FailedLoginAttempts
	if lockAfter > 0 && attempts >= lockAfter {
		until := now.Add(lockFor)
		u.LockedUntil = &until
		u.FailedLoginAttempts = 0
	}
	u.UpdatedAt = now
	return attempts
}

func applyLoginSuccess(u *model.User, at time.Time, ip string, s model.ActiveSession) {
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &at
	u.LastLoginIP = ip
	u.ActiveSessions = model.AppendSession(u.ActiveSessions, s)
	u.UpdatedAt = at
}

func applyTouchSession(u *model.User, sessionID string, at time.Time) {
	for i := range u.ActiveSessions {
		if u.ActiveSessions[i].SessionID == sessionID {
			u.ActiveSessions[i].LastActivity = at
		}
	}
}

func applyRemoveSession(u *model.User, sessionID string) {
	kept := u.ActiveSessions[:0]
	for _, s := range u.ActiveSessions {
		if s.SessionID != sessionID {
			kept = append(kept, s)
		}
	}
	u.ActiveSessions = kept
}

func applyEnableMFA(u *model.User, secret string, hashes []string) {
	u.MFAEnabled = true
	u.MFASecret = &secret
	u.MFABackupCodes = append([]string(nil), hashes...)
}

func applyDisableMFA(u *model.User) {
	u.MFAEnabled = false
	u.MFASecret = nil
	u.MFABackupCodes = nil
}

func applyConsumeBackupCode(u *model.User, codeHash string) bool {
	if !u.MFAEnabled {
		return false
	}
	for i, h := range u.MFABackupCodes {
		if h == codeHash {
			u.MFABackupCodes = append(u.MFABackupCodes[:i:i], u.MFABackupCodes[i+1:]...)
			return true
		}
	}
	return false
}
