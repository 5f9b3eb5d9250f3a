package utils // package utils provides helpers for password hashing, token creation and random values

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is the single error returned for any token that fails
// verification: bad signature, expired, wrong issuer/audience or wrong type.
var ErrInvalidToken = errors.New("invalid token")

// TokenType distinguishes access tokens from refresh tokens. It is embedded
// in every token as the "typ" claim.
type TokenType string

const (
	AccessTokenType  TokenType = "access"
	RefreshTokenType TokenType = "refresh"
)

// Claims are the JWT claims issued by TokenCodec. Role and Email are only set
// on access tokens; Remember only on refresh tokens so a rotation keeps the
// lifetime the user originally asked for.
type Claims struct {
	jwt.RegisteredClaims
	Type      TokenType `json:"typ"`
	Role      string    `json:"role,omitempty"`
	Email     string    `json:"email,omitempty"`
	SessionID string    `json:"sid,omitempty"`
	Remember  bool      `json:"rme,omitempty"`
}

// SignedToken is a serialized JWT together with its expiry.
type SignedToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// TokenConfig configures a TokenCodec. RefreshSecret may be empty, in which
// case AccessSecret signs both kinds; the typ claim still keeps them apart.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RememberTTL   time.Duration
}

// TokenCodec issues and verifies HS256 access and refresh tokens.
type TokenCodec struct {
	cfg        TokenConfig
	accessKey  []byte
	refreshKey []byte
	now        func() time.Time
}

// NewTokenCodec builds a codec from cfg. An empty access secret is rejected.
func NewTokenCodec(cfg TokenConfig) (*TokenCodec, error) {
	if cfg.AccessSecret == "" {
		return nil, errors.New("token codec: empty signing secret")
	}
	refresh := cfg.RefreshSecret
	if refresh == "" {
		refresh = cfg.AccessSecret
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.RememberTTL <= 0 {
		cfg.RememberTTL = 30 * 24 * time.Hour
	}
	if cfg.RememberTTL < cfg.RefreshTTL {
		cfg.RememberTTL = cfg.RefreshTTL
	}
	return &TokenCodec{
		cfg:        cfg,
		accessKey:  []byte(cfg.AccessSecret),
		refreshKey: []byte(refresh),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// AccessTTL is the lifetime of access tokens.
func (tc *TokenCodec) AccessTTL() time.Duration { return tc.cfg.AccessTTL }

// RefreshTTL is the lifetime of refresh tokens, extended under remember-me.
func (tc *TokenCodec) RefreshTTL(remember bool) time.Duration {
	if remember {
		return tc.cfg.RememberTTL
	}
	return tc.cfg.RefreshTTL
}

// IssueAccessToken signs a short-lived access token for userID.
func (tc *TokenCodec) IssueAccessToken(userID, role, email, sessionID string) (SignedToken, error) {
	now := tc.now()
	exp := now.Add(tc.cfg.AccessTTL)
	claims := Claims{
		RegisteredClaims: tc.registered(userID, now, exp),
		Type:             AccessTokenType,
		Role:             role,
		Email:            email,
		SessionID:        sessionID,
	}
	return tc.sign(claims, tc.accessKey)
}

// IssueRefreshToken signs a long-lived refresh token for userID.
func (tc *TokenCodec) IssueRefreshToken(userID, sessionID string, remember bool) (SignedToken, error) {
	now := tc.now()
	exp := now.Add(tc.RefreshTTL(remember))
	claims := Claims{
		RegisteredClaims: tc.registered(userID, now, exp),
		Type:             RefreshTokenType,
		SessionID:        sessionID,
		Remember:         remember,
	}
	return tc.sign(claims, tc.refreshKey)
}

// Verify parses raw and checks signature, expiry, issuer, audience and type
// in one pass. Any failure yields ErrInvalidToken.
func (tc *TokenCodec) Verify(raw string, want TokenType) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	key := tc.accessKey
	if want == RefreshTokenType {
		key = tc.refreshKey
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tc.cfg.Issuer),
		jwt.WithAudience(tc.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tc.now),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != want || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (tc *TokenCodec) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    tc.cfg.Issuer,
		Audience:  jwt.ClaimStrings{tc.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
}

func (tc *TokenCodec) sign(claims Claims, key []byte) (SignedToken, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(key)
	if err != nil {
		return SignedToken{}, err
	}
	return SignedToken{Token: signed, Exp: claims.ExpiresAt.Time}, nil
}
