package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/model"
)

// UsersTableDDL creates the users table used by UserRepo. Backup codes and
// sessions are JSON columns so a user stays one row.
const UsersTableDDL = `CREATE TABLE IF NOT EXISTS users (
	id CHAR(36) NOT NULL PRIMARY KEY,
	email VARCHAR(255) NOT NULL,
	name VARCHAR(255) NOT NULL,
	password_hash VARCHAR(255) NOT NULL,
	role VARCHAR(16) NOT NULL,
	mfa_enabled TINYINT(1) NOT NULL DEFAULT 0,
	mfa_secret VARCHAR(64) NULL,
	mfa_backup_codes JSON NULL,
	last_login_at DATETIME NULL,
	last_login_ip VARCHAR(64) NULL,
	failed_login_attempts INT NOT NULL DEFAULT 0,
	locked_until DATETIME NULL,
	active_sessions JSON NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE KEY uq_users_email (email)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const userColumns = "id,email,name,password_hash,role,mfa_enabled,mfa_secret,mfa_backup_codes," +
	"last_login_at,last_login_ip,failed_login_attempts,locked_until,active_sessions,created_at,updated_at"

// mysqlDuplicateEntry is MySQL error 1062 (ER_DUP_ENTRY).
const mysqlDuplicateEntry = 1062

// UserRepo is the MySQL UserStore. Mutations load the row with
// SELECT ... FOR UPDATE inside a transaction, apply the change and write the
// mutable columns back, so concurrent updates of one user serialize.
type UserRepo struct{ DB *sql.DB }

var _ UserStore = (*UserRepo)(nil)

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// Migrate creates the users table when it does not exist.
func (r *UserRepo) Migrate(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, UsersTableDDL)
	return err
}

// Create inserts u.
func (r *UserRepo) Create(ctx context.Context, u model.User) error {
	codes, sessions, err := encodeJSONColumns(u)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		u.ID, strings.ToLower(strings.TrimSpace(u.Email)), u.Name, u.PasswordHash, u.Role,
		u.MFAEnabled, nullString(u.MFASecret), codes,
		nullTime(u.LastLoginAt), u.LastLoginIP, u.FailedLoginAttempts, nullTime(u.LockedUntil), sessions,
		u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return ErrEmailExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := r.DB.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email)
	return scanUser(row)
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id)
	return scanUser(row)
}

func (r *UserRepo) RecordLoginSuccess(ctx context.Context, id string, at time.Time, ip string, s model.ActiveSession) error {
	return r.mutate(ctx, id, func(u *model.User) { applyLoginSuccess(u, at, ip, s) })
}

func (r *UserRepo) RecordLoginFailure(ctx context.Context, id string, lockAfter int, lockFor time.Duration, now time.Time) (int, error) {
	var attempts int
	err := r.mutate(ctx, id, func(u *model.User) { attempts = applyLoginFailure(u, lockAfter, lockFor, now) })
	return attempts, err
}

func (r *UserRepo) TouchSession(ctx context.Context, id, sessionID string, at time.Time) error {
	return r.mutate(ctx, id, func(u *model.User) { applyTouchSession(u, sessionID, at) })
}

func (r *UserRepo) RemoveSession(ctx context.Context, id, sessionID string) error {
	return r.mutate(ctx, id, func(u *model.User) { applyRemoveSession(u, sessionID) })
}

func (r *UserRepo) EnableMFA(ctx context.Context, id, secret string, backupCodeHashes []string) error {
	return r.mutate(ctx, id, func(u *model.User) { applyEnableMFA(u, secret, backupCodeHashes) })
}

func (r *UserRepo) DisableMFA(ctx context.Context, id string) error {
	return r.mutate(ctx, id, applyDisableMFA)
}

func (r *UserRepo) ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error) {
	var used bool
	err := r.mutate(ctx, id, func(u *model.User) { used = applyConsumeBackupCode(u, codeHash) })
	return used, err
}

func (r *UserRepo) mutate(ctx context.Context, id string, fn func(u *model.User)) (err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id=? FOR UPDATE", id)
	u, err := scanUser(row)
	if err != nil {
		return err
	}
	fn(&u)

	codes, sessions, err := encodeJSONColumns(u)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE users SET role=?, mfa_enabled=?, mfa_secret=?, mfa_backup_codes=?, last_login_at=?, last_login_ip=?, "+
			"failed_login_attempts=?, locked_until=?, active_sessions=?, updated_at=? WHERE id=?",
		u.Role, u.MFAEnabled, nullString(u.MFASecret), codes, nullTime(u.LastLoginAt), u.LastLoginIP,
		u.FailedLoginAttempts, nullTime(u.LockedUntil), sessions, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (model.User, error) {
	var (
		u         model.User
		secret    sql.NullString
		codes     []byte
		lastLogin sql.NullTime
		lastIP    sql.NullString
		locked    sql.NullTime
		sessions  []byte
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.MFAEnabled, &secret, &codes,
		&lastLogin, &lastIP, &u.FailedLoginAttempts, &locked, &sessions, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	if secret.Valid {
		s := secret.String
		u.MFASecret = &s
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	if locked.Valid {
		t := locked.Time
		u.LockedUntil = &t
	}
	u.LastLoginIP = lastIP.String
	if len(codes) > 0 {
		if err := json.Unmarshal(codes, &u.MFABackupCodes); err != nil {
			return model.User{}, fmt.Errorf("decode backup codes: %w", err)
		}
	}
	if len(sessions) > 0 {
		if err := json.Unmarshal(sessions, &u.ActiveSessions); err != nil {
			return model.User{}, fmt.Errorf("decode sessions: %w", err)
		}
	}
	return u, nil
}

func encodeJSONColumns(u model.User) (codes, sessions []byte, err error) {
	codes, err = json.Marshal(nonNil(u.MFABackupCodes))
	if err != nil {
		return nil, nil, fmt.Errorf("encode backup codes: %w", err)
	}
	if u.ActiveSessions == nil {
		u.ActiveSessions = []model.ActiveSession{}
	}
	sessions, err = json.Marshal(u.ActiveSessions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode sessions: %w", err)
	}
	return codes, sessions, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
