// Package queue defines security audit events and moves them over the
// message broker.
package queue

// Event types published by the session service.
const (
	EventUserRegistered   = "user.registered"
	EventLoginSucceeded   = "login.succeeded"
	EventLoginFailed      = "login.failed"
	EventLoginMFARequired = "login.mfa_required"
	EventAccountLocked    = "account.locked"
	EventSessionRefreshed = "session.refreshed"
	EventLoggedOut        = "session.logged_out"
	EventMFAEnabled       = "mfa.enabled"
	EventMFADisabled      = "mfa.disabled"
)

// SecurityEvent is published whenever an authentication-relevant state
// change happens. It carries enough context for an audit trail without
// querying the user store. Passwords, codes and tokens are never included.
type SecurityEvent struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id,omitempty"`
	Email      string `json:"email,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	OccurredAt string `json:"occurred_at"`
}
