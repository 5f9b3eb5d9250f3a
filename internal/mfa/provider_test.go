package mfa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/model"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/repository"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/utils"
)

var testBackupKey = []byte("test-backup-code-key")

type fixture struct {
	users    *repository.MemoryUserRepo
	pending  *MemoryPendingStore
	provider *Provider
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	hasher, err := utils.NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)
	digest, err := hasher.Hash("correct horse")
	require.NoError(t, err)

	users := repository.NewMemoryUserRepo()
	now := time.Now().UTC()
	for _, id := range []string{"u1", "u2"} {
		require.NoError(t, users.Create(context.Background(), model.User{
			ID: id, Email: id + "@example.com", Name: id, PasswordHash: digest,
			Role: model.RoleUser, CreatedAt: now, UpdatedAt: now,
		}))
	}
	pending := NewMemoryPendingStore()
	return fixture{
		users:    users,
		pending:  pending,
		provider: NewProvider(users, pending, hasher, Config{Issuer: "Test", BackupCodeKey: testBackupKey}, nil),
	}
}

// enable runs the full setup handshake for userID and returns the setup.
func (f fixture) enable(t *testing.T, userID string) Setup {
	t.Helper()
	ctx := context.Background()
	setup, err := f.provider.GenerateSecret(ctx, userID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	ok, err := f.provider.VerifySetup(ctx, userID, code, setup.TempToken)
	require.NoError(t, err)
	require.True(t, ok)
	return setup
}

func TestGenerateSecret_DoesNotTouchUser(t *testing.T) {
	f := newFixture(t)
	setup, err := f.provider.GenerateSecret(context.Background(), "u1")
	require.NoError(t, err)

	assert.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.QRCodeURL, "otpauth://totp/")
	assert.Len(t, setup.TempToken, 64)
	require.Len(t, setup.BackupCodes, 10)
	for _, c := range setup.BackupCodes {
		assert.Regexp(t, `^[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`, c)
	}

	u, err := f.users.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, u.MFAEnabled)
	assert.Nil(t, u.MFASecret)
}

func TestVerifySetup_CommitsSecret(t *testing.T) {
	f := newFixture(t)
	setup := f.enable(t, "u1")

	u, err := f.users.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, u.MFAEnabled)
	require.NotNil(t, u.MFASecret)
	assert.Equal(t, setup.Secret, *u.MFASecret)
	assert.Len(t, u.MFABackupCodes, 10)
	assert.NotContains(t, u.MFABackupCodes, setup.BackupCodes[0])
}

func TestBackupCodes_StoredAsKeyedDigests(t *testing.T) {
	f := newFixture(t)
	setup := f.enable(t, "u1")

	u, err := f.users.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	normalized := strings.ReplaceAll(setup.BackupCodes[0], "-", "")
	assert.Contains(t, u.MFABackupCodes, utils.HashToken(testBackupKey, "u1:"+normalized))

	plain := sha256.Sum256([]byte(normalized))
	assert.NotContains(t, u.MFABackupCodes, hex.EncodeToString(plain[:]))
	assert.NotContains(t, u.MFABackupCodes, utils.HashToken(testBackupKey, "u2:"+normalized))

	// a code is bound to its owner
	f.enable(t, "u2")
	ok, err := f.provider.VerifyToken(context.Background(), "u2", setup.BackupCodes[0])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySetup_TempTokenSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	setup, err := f.provider.GenerateSecret(ctx, "u1")
	require.NoError(t, err)

	ok, err := f.provider.VerifySetup(ctx, "u1", "000000", setup.TempToken)
	require.NoError(t, err)
	assert.False(t, ok)

	// the token was consumed by the failed attempt, a correct code no longer helps
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	ok, err = f.provider.VerifySetup(ctx, "u1", code, setup.TempToken)
	require.NoError(t, err)
	assert.False(t, ok)

	u, _ := f.users.GetByID(ctx, "u1")
	assert.False(t, u.MFAEnabled)
}

func TestVerifySetup_RejectsOtherUsersToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	setup, err := f.provider.GenerateSecret(ctx, "u1")
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)

	ok, err := f.provider.VerifySetup(ctx, "u2", code, setup.TempToken)
	require.NoError(t, err)
	assert.False(t, ok)

	u2, _ := f.users.GetByID(ctx, "u2")
	assert.False(t, u2.MFAEnabled)
}

func TestVerifySetup_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	setup, err := f.provider.GenerateSecret(ctx, "u1")
	require.NoError(t, err)

	f.pending.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	ok, err := f.provider.VerifySetup(ctx, "u1", code, setup.TempToken)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyToken_TOTPAndSkew(t *testing.T) {
	f := newFixture(t)
	setup := f.enable(t, "u1")
	ctx := context.Background()

	now := time.Now()
	for _, at := range []time.Time{now, now.Add(-30 * time.Second), now.Add(30 * time.Second)} {
		code, err := totp.GenerateCode(setup.Secret, at)
		require.NoError(t, err)
		ok, err := f.provider.VerifyToken(ctx, "u1", code)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	stale, err := totp.GenerateCode(setup.Secret, now.Add(-5*time.Minute))
	require.NoError(t, err)
	ok, err := f.provider.VerifyToken(ctx, "u1", stale)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyToken_BackupCodeSingleUse(t *testing.T) {
	f := newFixture(t)
	setup := f.enable(t, "u1")
	ctx := context.Background()
	code := setup.BackupCodes[3]

	ok, err := f.provider.VerifyToken(ctx, "u1", code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.provider.VerifyToken(ctx, "u1", code)
	require.NoError(t, err)
	assert.False(t, ok)

	u, _ := f.users.GetByID(ctx, "u1")
	assert.Len(t, u.MFABackupCodes, 9)
}

func TestVerifyToken_BackupCodeNormalized(t *testing.T) {
	f := newFixture(t)
	setup := f.enable(t, "u1")
	ctx := context.Background()

	raw := setup.BackupCodes[0]
	lower := []byte(raw)
	for i, b := range lower {
		if b >= 'A' && b <= 'F' {
			lower[i] = b + ('a' - 'A')
		}
	}
	ok, err := f.provider.VerifyToken(ctx, "u1", " "+string(lower)+" ")
	require.NoError(t, err)
	assert.True(t, ok)

	noDash := strings.ReplaceAll(setup.BackupCodes[1], "-", "")
	ok, err = f.provider.VerifyToken(ctx, "u1", noDash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyToken_BackupCodeConcurrentUse(t *testing.T) {
	f := newFixture(t)
	setup := f.enable(t, "u1")
	ctx := context.Background()
	code := setup.BackupCodes[0]

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := f.provider.VerifyToken(ctx, "u1", code); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestVerifyToken_NotEnabled(t *testing.T) {
	f := newFixture(t)
	ok, err := f.provider.VerifyToken(context.Background(), "u1", "123456")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisable_RequiresPassword(t *testing.T) {
	f := newFixture(t)
	f.enable(t, "u1")
	ctx := context.Background()

	ok, err := f.provider.Disable(ctx, "u1", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
	u, _ := f.users.GetByID(ctx, "u1")
	assert.True(t, u.MFAEnabled)

	ok, err = f.provider.Disable(ctx, "u1", "correct horse")
	require.NoError(t, err)
	assert.True(t, ok)
	u, _ = f.users.GetByID(ctx, "u1")
	assert.False(t, u.MFAEnabled)
	assert.Nil(t, u.MFASecret)
	assert.Empty(t, u.MFABackupCodes)
}

func TestRedisPendingStore_TakeOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewRedisPendingStore(rdb, "")
	ctx := context.Background()
	want := Pending{UserID: "u1", Secret: "S", BackupCodeHashes: []string{"h1"}, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, store.Save(ctx, "tok", want, time.Minute))
	assert.True(t, mr.Exists("mfa:pending:tok"))

	got, ok, err := store.Take(ctx, "tok")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.BackupCodeHashes, got.BackupCodeHashes)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

	_, ok, err = store.Take(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPendingStore_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewRedisPendingStore(rdb, "p")
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "tok", Pending{UserID: "u1"}, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := store.Take(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)
}
