package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/model"
)

// MemoryUserRepo is an in-process UserStore used for local development and
// tests. A single mutex serializes all mutations.
type MemoryUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byEmail map[string]string
}

var _ UserStore = (*MemoryUserRepo)(nil)

func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{byID: make(map[string]*model.User), byEmail: make(map[string]string)}
}

func (r *MemoryUserRepo) Create(_ context.Context, u model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, ok := r.byEmail[email]; ok {
		return ErrEmailExists
	}
	u.Email = email
	cp := cloneUser(u)
	r.byID[u.ID] = &cp
	r.byEmail[email] = u.ID
	return nil
}

func (r *MemoryUserRepo) GetByEmail(_ context.Context, email string) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return cloneUser(*r.byID[id]), nil
}

func (r *MemoryUserRepo) GetByID(_ context.Context, id string) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return cloneUser(*u), nil
}

func (r *MemoryUserRepo) RecordLoginSuccess(_ context.Context, id string, at time.Time, ip string, s model.ActiveSession) error {
	return r.mutate(id, func(u *model.User) { applyLoginSuccess(u, at, ip, s) })
}

func (r *MemoryUserRepo) RecordLoginFailure(_ context.Context, id string, lockAfter int, lockFor time.Duration, now time.Time) (int, error) {
	var attempts int
	err := r.mutate(id, func(u *model.User) { attempts = applyLoginFailure(u, lockAfter, lockFor, now) })
	return attempts, err
}

func (r *MemoryUserRepo) TouchSession(_ context.Context, id, sessionID string, at time.Time) error {
	return r.mutate(id, func(u *model.User) { applyTouchSession(u, sessionID, at) })
}

func (r *MemoryUserRepo) RemoveSession(_ context.Context, id, sessionID string) error {
	return r.mutate(id, func(u *model.User) { applyRemoveSession(u, sessionID) })
}

func (r *MemoryUserRepo) EnableMFA(_ context.Context, id, secret string, backupCodeHashes []string) error {
	return r.mutate(id, func(u *model.User) { applyEnableMFA(u, secret, backupCodeHashes) })
}

func (r *MemoryUserRepo) DisableMFA(_ context.Context, id string) error {
	return r.mutate(id, applyDisableMFA)
}

func (r *MemoryUserRepo) ConsumeBackupCode(_ context.Context, id, codeHash string) (bool, error) {
	var used bool
	err := r.mutate(id, func(u *model.User) { used = applyConsumeBackupCode(u, codeHash) })
	return used, err
}

// SetRole changes a user's role. Role management is an admin content
// operation; the method exists for seeding and tests.
func (r *MemoryUserRepo) SetRole(id, role string) error {
	return r.mutate(id, func(u *model.User) { u.Role = role })
}

func (r *MemoryUserRepo) mutate(id string, fn func(u *model.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func cloneUser(u model.User) model.User {
	if u.MFASecret != nil {
		s := *u.MFASecret
		u.MFASecret = &s
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		u.LastLoginAt = &t
	}
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		u.LockedUntil = &t
	}
	u.MFABackupCodes = append([]string(nil), u.MFABackupCodes...)
	u.ActiveSessions = append([]model.ActiveSession(nil), u.ActiveSessions...)
	return u
}
