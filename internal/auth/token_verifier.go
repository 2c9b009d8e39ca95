package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultVerifyCacheSize = 1024

var (
	// ErrMissingToken indicates that no credential was supplied.
	ErrMissingToken = errors.New("auth: token required")
	// ErrInvalidToken indicates a malformed, mis-signed, or mis-scoped token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates a token past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrMissingSubject indicates a token without a subject claim.
	ErrMissingSubject = errors.New("auth: subject required")
)

// Identity is the verified caller behind a bearer token.
type Identity struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

// TokenVerifierConfig describes how to validate sync bearer tokens.
type TokenVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	CacheSize     int
	Clock         func() time.Time
}

// TokenVerifier validates HS256 bearer tokens. Successful verifications are
// cached until the token's expiry so reconnect storms do not re-parse the
// same credential.
type TokenVerifier struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
	cache         *lru.Cache[string, Identity]
}

// NewTokenVerifier constructs a verifier with the provided configuration.
func NewTokenVerifier(cfg TokenVerifierConfig) (*TokenVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, fmt.Errorf("%w: issuer required", ErrInvalidToken)
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: audience required", ErrInvalidToken)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultVerifyCacheSize
	}
	cache, err := lru.New[string, Identity](cacheSize)
	if err != nil {
		return nil, err
	}
	return &TokenVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		clock:         clock,
		cache:         cache,
	}, nil
}

// Verify validates the supplied token string and returns the caller identity.
func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	if cached, ok := v.cache.Get(token); ok {
		if v.clock().Before(cached.ExpiresAt) {
			return cached, nil
		}
		v.cache.Remove(token)
		return Identity{}, ErrExpiredToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrMissingSubject
	}
	if claims.ExpiresAt == nil {
		return Identity{}, fmt.Errorf("%w: expiry required", ErrInvalidToken)
	}

	identity := Identity{
		UserID:      claims.Subject,
		DisplayName: claims.UserDisplayName,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
	v.cache.Add(token, identity)
	return identity, nil
}
