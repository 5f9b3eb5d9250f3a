package model

import "time"

// Roles a user account may hold. Only RoleAdmin passes the admin guard.
const (
	RoleMember = "member"
	RoleUser   = "user"
	RoleAdmin  = "admin"
)

// MaxActiveSessions bounds the ActiveSessions list; the oldest entries are
// dropped first.
const MaxActiveSessions = 10

// User represents an account record as persisted by the repository layer.
// The bson tags describe the document stored in the users collection; the
// MySQL repository maps the same fields onto columns.
//
// Fields:
//
//	MFASecret       – base32 TOTP secret, nil unless MFA is enabled.
//	MFABackupCodes  – SHA‑256 hex digests of unused one-time backup codes.
//	LockedUntil     – login is refused until this time, nil when unlocked.
//	ActiveSessions  – most recent sessions first-in-first-out, capped.
type User struct {
	ID                  string          `bson:"_id"`
	Email               string          `bson:"email"`
	Name                string          `bson:"name"`
	PasswordHash        string          `bson:"passwordHash"`
	Role                string          `bson:"role"`
	MFAEnabled          bool            `bson:"mfaEnabled"`
	MFASecret           *string         `bson:"mfaSecret"`
	MFABackupCodes      []string        `bson:"mfaBackupCodes"`
	LastLoginAt         *time.Time      `bson:"lastLoginAt,omitempty"`
	LastLoginIP         string          `bson:"lastLoginIP,omitempty"`
	FailedLoginAttempts int             `bson:"failedLoginAttempts"`
	LockedUntil         *time.Time      `bson:"lockedUntil"`
	ActiveSessions      []ActiveSession `bson:"activeSessions"`
	CreatedAt           time.Time       `bson:"createdAt"`
	UpdatedAt           time.Time       `bson:"updatedAt"`
}

// IsLocked reports whether the account is in a lockout window at now.
func (u User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// ActiveSession is one entry of a user's session list. SessionID matches the
// sid claim carried by that session's access and refresh tokens.
type ActiveSession struct {
	SessionID    string    `bson:"sessionId" json:"sessionId"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
	LastActivity time.Time `bson:"lastActivity" json:"lastActivity"`
	IPAddress    string    `bson:"ipAddress" json:"ipAddress"`
	UserAgent    string    `bson:"userAgent" json:"userAgent"`
}

// AppendSession returns sessions with s appended, trimmed to the newest
// MaxActiveSessions entries.
func AppendSession(sessions []ActiveSession, s ActiveSession) []ActiveSession {
	out := append(append([]ActiveSession(nil), sessions...), s)
	if len(out) > MaxActiveSessions {
		out = out[len(out)-MaxActiveSessions:]
	}
	return out
}
