package service

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/mfa"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/model"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/queue"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/repository"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/utils"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.SecurityEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.SecurityEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	svc    *SessionService
	users  *repository.MemoryUserRepo
	tokens *utils.TokenCodec
	mfa    *mfa.Provider
	events *recordingPublisher
}

func newHarness(t *testing.T) harness {
	t.Helper()
	hasher, err := utils.NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)
	tokens, err := utils.NewTokenCodec(utils.TokenConfig{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		Issuer:        "ieee-website",
		Audience:      "ieee-website-users",
	})
	require.NoError(t, err)
	users := repository.NewMemoryUserRepo()
	provider := mfa.NewProvider(users, mfa.NewMemoryPendingStore(), hasher, mfa.Config{}, nil)
	events := &recordingPublisher{}
	svc := NewSessionService(users, hasher, tokens, provider, events, Config{
		MaxFailedLogins: 5,
		LockoutDuration: 15 * time.Minute,
	}, nil)
	return harness{svc: svc, users: users, tokens: tokens, mfa: provider, events: events}
}

var meta = ClientMeta{IP: "203.0.113.7", UserAgent: "go-test"}

func (h harness) register(t *testing.T, email string) AuthResult {
	t.Helper()
	res, err := h.svc.Register(context.Background(), RegisterInput{
		Email: email, Password: "s3cure-pass", Name: "Test User",
	}, meta)
	require.NoError(t, err)
	return res
}

func TestRegister_CreatesUserAndSession(t *testing.T) {
	h := newHarness(t)
	res := h.register(t, " New@Example.com ")

	assert.Equal(t, "new@example.com", res.User.Email)
	assert.Equal(t, model.RoleUser, res.User.Role)
	assert.NotEqual(t, "s3cure-pass", res.User.PasswordHash)
	assert.False(t, res.Tokens.Remember)

	claims, err := h.tokens.Verify(res.Tokens.Access.Token, utils.AccessTokenType)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.Subject)
	assert.Equal(t, model.RoleUser, claims.Role)

	stored, err := h.users.GetByID(context.Background(), res.User.ID)
	require.NoError(t, err)
	require.Len(t, stored.ActiveSessions, 1)
	assert.Equal(t, claims.SessionID, stored.ActiveSessions[0].SessionID)
	assert.Equal(t, meta.IP, stored.ActiveSessions[0].IPAddress)
	assert.Equal(t, []string{queue.EventUserRegistered}, h.events.types())
}

func TestRegister_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []RegisterInput{
		{Email: "not-an-email", Password: "s3cure-pass", Name: "A"},
		{Email: "", Password: "s3cure-pass", Name: "A"},
		{Email: "a@example.com", Password: "short", Name: "A"},
		{Email: "a@example.com", Password: "s3cure-pass", Name: "   "},
	}
	for _, in := range cases {
		_, err := h.svc.Register(ctx, in, meta)
		assert.ErrorIs(t, err, ErrValidation, "%+v", in)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve))
	}
}

func TestRegister_DuplicateEmailConflicts(t *testing.T) {
	h := newHarness(t)
	h.register(t, "dup@example.com")
	_, err := h.svc.Register(context.Background(), RegisterInput{
		Email: "DUP@example.com", Password: "another-pass", Name: "Other",
	}, meta)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLogin_UnknownEmailAndWrongPasswordLookAlike(t *testing.T) {
	h := newHarness(t)
	h.register(t, "known@example.com")
	ctx := context.Background()

	_, errUnknown := h.svc.Login(ctx, LoginInput{Email: "ghost@example.com", Password: "s3cure-pass"}, meta)
	_, errWrong := h.svc.Login(ctx, LoginInput{Email: "known@example.com", Password: "wrong-pass"}, meta)

	require.ErrorIs(t, errUnknown, ErrUnauthorized)
	require.ErrorIs(t, errWrong, ErrUnauthorized)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}

type countingStore struct {
	*repository.MemoryUserRepo
	failures atomic.Int32
}

func (c *countingStore) RecordLoginFailure(ctx context.Context, id string, lockAfter int, lockFor time.Duration, now time.Time) (int, error) {
	c.failures.Add(1)
	return c.MemoryUserRepo.RecordLoginFailure(ctx, id, lockAfter, lockFor, now)
}

func TestLogin_RefusalsDoTheSameStoreWork(t *testing.T) {
	h := newHarness(t)
	store := &countingStore{MemoryUserRepo: h.users}
	h.svc.users = store
	h.register(t, "known@example.com")
	ctx := context.Background()

	_, err := h.svc.Login(ctx, LoginInput{Email: "ghost@example.com", Password: "s3cure-pass"}, meta)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), store.failures.Load())

	_, err = h.svc.Login(ctx, LoginInput{Email: "known@example.com", Password: "wrong-pass"}, meta)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(2), store.failures.Load())
}

func TestLogin_Success(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "ok@example.com")
	res, err := h.svc.Login(context.Background(), LoginInput{
		Email: "OK@example.com", Password: "s3cure-pass", RememberMe: true,
	}, meta)
	require.NoError(t, err)
	assert.False(t, res.MFARequired)
	assert.True(t, res.Tokens.Remember)

	claims, err := h.tokens.Verify(res.Tokens.Refresh.Token, utils.RefreshTokenType)
	require.NoError(t, err)
	assert.True(t, claims.Remember)
	assert.Equal(t, reg.User.ID, claims.Subject)

	u, _ := h.users.GetByID(context.Background(), reg.User.ID)
	assert.Len(t, u.ActiveSessions, 2)
	require.NotNil(t, u.LastLoginAt)
	assert.Equal(t, meta.IP, u.LastLoginIP)
}

func TestLogin_MissingFields(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Login(context.Background(), LoginInput{Email: "a@example.com"}, meta)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLogin_LocksAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "lock@example.com")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.svc.Login(ctx, LoginInput{Email: "lock@example.com", Password: "bad-pass"}, meta)
		require.ErrorIs(t, err, ErrUnauthorized)
	}
	assert.Contains(t, h.events.types(), queue.EventAccountLocked)

	// correct password is refused while locked
	_, err := h.svc.Login(ctx, LoginInput{Email: "lock@example.com", Password: "s3cure-pass"}, meta)
	assert.ErrorIs(t, err, ErrUnauthorized)

	h.svc.now = func() time.Time { return time.Now().UTC().Add(16 * time.Minute) }
	_, err = h.svc.Login(ctx, LoginInput{Email: "lock@example.com", Password: "s3cure-pass"}, meta)
	require.NoError(t, err)

	u, _ := h.users.GetByID(ctx, reg.User.ID)
	assert.Zero(t, u.FailedLoginAttempts)
	assert.Nil(t, u.LockedUntil)
}

func enableMFA(t *testing.T, h harness, userID string) mfa.Setup {
	t.Helper()
	ctx := context.Background()
	setup, err := h.mfa.GenerateSecret(ctx, userID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	ok, err := h.mfa.VerifySetup(ctx, userID, code, setup.TempToken)
	require.NoError(t, err)
	require.True(t, ok)
	return setup
}

func TestLogin_MFARequiredIssuesNoTokens(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "mfa@example.com")
	enableMFA(t, h, reg.User.ID)
	ctx := context.Background()

	before, _ := h.users.GetByID(ctx, reg.User.ID)
	res, err := h.svc.Login(ctx, LoginInput{Email: "mfa@example.com", Password: "s3cure-pass"}, meta)
	require.NoError(t, err)
	assert.True(t, res.MFARequired)
	assert.Empty(t, res.Tokens.Access.Token)
	assert.Empty(t, res.Tokens.Refresh.Token)

	after, _ := h.users.GetByID(ctx, reg.User.ID)
	assert.Len(t, after.ActiveSessions, len(before.ActiveSessions))
	assert.Contains(t, h.events.types(), queue.EventLoginMFARequired)
}

func TestLogin_WithMFACode(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "mfa2@example.com")
	setup := enableMFA(t, h, reg.User.ID)
	ctx := context.Background()

	_, err := h.svc.Login(ctx, LoginInput{Email: "mfa2@example.com", Password: "s3cure-pass", MFAToken: "000000"}, meta)
	assert.ErrorIs(t, err, ErrUnauthorized)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	res, err := h.svc.Login(ctx, LoginInput{Email: "mfa2@example.com", Password: "s3cure-pass", MFAToken: code}, meta)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Tokens.Access.Token)

	res, err = h.svc.Login(ctx, LoginInput{Email: "mfa2@example.com", Password: "s3cure-pass", MFAToken: setup.BackupCodes[0]}, meta)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Tokens.Access.Token)

	_, err = h.svc.Login(ctx, LoginInput{Email: "mfa2@example.com", Password: "s3cure-pass", MFAToken: setup.BackupCodes[0]}, meta)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefresh_IssuesNewPairForSameSession(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "refresh@example.com")
	ctx := context.Background()
	old, err := h.tokens.Verify(reg.Tokens.Refresh.Token, utils.RefreshTokenType)
	require.NoError(t, err)

	res, err := h.svc.Refresh(ctx, reg.Tokens.Refresh.Token, meta)
	require.NoError(t, err)
	assert.NotEqual(t, reg.Tokens.Refresh.Token, res.Tokens.Refresh.Token)

	claims, err := h.tokens.Verify(res.Tokens.Access.Token, utils.AccessTokenType)
	require.NoError(t, err)
	assert.Equal(t, old.SessionID, claims.SessionID)
	assert.Equal(t, reg.User.Email, claims.Email)
}

func TestRefresh_RejectsAccessTokenAndGarbage(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "r2@example.com")
	ctx := context.Background()

	_, err := h.svc.Refresh(ctx, reg.Tokens.Access.Token, meta)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.svc.Refresh(ctx, "", meta)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.svc.Refresh(ctx, "a.b.c", meta)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogout_RemovesSession(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "out@example.com")
	ctx := context.Background()

	h.svc.Logout(ctx, reg.Tokens.Access.Token, reg.Tokens.Refresh.Token, meta)
	u, _ := h.users.GetByID(ctx, reg.User.ID)
	assert.Empty(t, u.ActiveSessions)
	assert.Contains(t, h.events.types(), queue.EventLoggedOut)
}

func TestLogout_FallsBackToRefreshToken(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "out2@example.com")
	ctx := context.Background()

	h.svc.Logout(ctx, "expired-or-missing", reg.Tokens.Refresh.Token, meta)
	u, _ := h.users.GetByID(ctx, reg.User.ID)
	assert.Empty(t, u.ActiveSessions)
}

func TestLogout_NeverPanicsOnBadInput(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, func() {
		h.svc.Logout(context.Background(), "", "", meta)
		h.svc.Logout(context.Background(), "x", "y", ClientMeta{})
	})
}

func TestLogout_UnresponsiveBrokerDoesNotStall(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var held []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			_ = c.Close()
		}
	})

	h := newHarness(t)
	pub := queue.NewAMQPPublisher(queue.PublisherConfig{
		URL:         "amqp://guest:guest@" + ln.Addr().String() + "/",
		DialTimeout: time.Second,
	}, nil)
	t.Cleanup(func() { _ = pub.Close() })
	h.svc.events = pub

	reg := h.register(t, "stall@example.com")
	start := time.Now()
	for i := 0; i < 5; i++ {
		h.svc.Logout(context.Background(), reg.Tokens.Access.Token, reg.Tokens.Refresh.Token, meta)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	u, _ := h.users.GetByID(context.Background(), reg.User.ID)
	assert.Empty(t, u.ActiveSessions)
}

func TestPublishFailureDoesNotFailLogin(t *testing.T) {
	h := newHarness(t)
	h.events.err = errors.New("broker down")
	h.register(t, "pub@example.com")
	_, err := h.svc.Login(context.Background(), LoginInput{Email: "pub@example.com", Password: "s3cure-pass"}, meta)
	assert.NoError(t, err)
}

func TestMe(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "me@example.com")
	u, err := h.svc.Me(context.Background(), reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", u.Email)

	_, err = h.svc.Me(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
