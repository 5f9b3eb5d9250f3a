package config

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/ratelimit"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_DRIVER", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.DBDriver)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RememberTTL)
	assert.Equal(t, 5, cfg.MaxFailedLogins)
	assert.False(t, cfg.Production())
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "dev-secret", cfg.MFABackupCodeKey)
}

func TestLoad_ProductionDefaultsToMongo(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("MFA_BACKUP_CODE_KEY", "separate-backup-code-key")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("MONGODB_URI", "")
	_, err := Load()
	assert.ErrorContains(t, err, "MONGODB_URI")

	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMongo, cfg.DBDriver)
	assert.Equal(t, "separate-backup-code-key", cfg.MFABackupCodeKey)
}

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestLoad_ProductionRules(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "short")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("DB_DRIVER", "memory")
	_, err = Load()
	assert.ErrorContains(t, err, "memory")

	t.Setenv("DB_DRIVER", "mongo")
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://ieee.example.org, https://www.ieee.example.org")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.Equal(t, []string{"https://ieee.example.org", "https://www.ieee.example.org"}, cfg.CORSOrigins)
}

func TestLoad_DriverValidation(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("DB_USER", "")
	_, err := Load()
	assert.ErrorContains(t, err, "DB_USER")

	t.Setenv("DB_DRIVER", "sqlite")
	_, err = Load()
	assert.ErrorContains(t, err, "DB_DRIVER")
}

func TestRateLimitOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_AUTH_MAX", "10")
	t.Setenv("RATE_LIMIT_REGISTER_WINDOW", "30m")

	p := LoadRateLimitConfig().Policies()
	assert.Equal(t, 10, p[ratelimit.PolicyAuth].MaxRequests)
	assert.Equal(t, 15*time.Minute, p[ratelimit.PolicyAuth].Window)
	assert.Equal(t, 30*time.Minute, p[ratelimit.PolicyRegister].Window)
	assert.Equal(t, 100, p[ratelimit.PolicyAPI].MaxRequests)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(RedisConfig{Addr: mr.Addr()})
	require.NotNil(t, client)
	_ = client.Close()

	assert.Nil(t, NewRedisClient(RedisConfig{Addr: "127.0.0.1:1"}))
}
