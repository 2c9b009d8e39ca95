package auth

import (
	"errors"
	"testing"
	"time"
)

const testSigningSecret = "test-signing-secret"

func newTestVerifier(t *testing.T, clock func() time.Time) *TokenVerifier {
	t.Helper()
	verifier, err := NewTokenVerifier(TokenVerifierConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "inkwell-auth",
		Audience:      "inkwell-sync",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected verifier error: %v", err)
	}
	return verifier
}

func newTestIssuer(clock func() time.Time, ttl time.Duration) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "inkwell-auth",
		Audience:      "inkwell-sync",
		TokenTTL:      ttl,
		Clock:         clock,
	})
}

func TestVerifyAcceptsIssuedToken(t *testing.T) {
	issuer := newTestIssuer(nil, time.Minute)
	verifier := newTestVerifier(t, nil)

	token, err := issuer.Issue("user-1", "Ada")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	identity, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", identity.UserID)
	}
	if identity.DisplayName != "Ada" {
		t.Fatalf("expected display name Ada, got %s", identity.DisplayName)
	}
}

func TestVerifyRejectsMissingToken(t *testing.T) {
	verifier := newTestVerifier(t, nil)
	if _, err := verifier.Verify("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	verifier := newTestVerifier(t, nil)
	if _, err := verifier.Verify("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	otherIssuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("different-secret"),
		Issuer:        "inkwell-auth",
		Audience:      "inkwell-sync",
	})
	token, err := otherIssuer.Issue("user-1", "")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	verifier := newTestVerifier(t, nil)
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	issuedClock := func() time.Time { return base }
	issuer := newTestIssuer(issuedClock, time.Minute)

	token, err := issuer.Issue("user-1", "")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	lateClock := func() time.Time { return base.Add(2 * time.Minute) }
	verifier := newTestVerifier(t, lateClock)
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyCacheExpiresWithToken(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	current := base
	clock := func() time.Time { return current }

	issuer := newTestIssuer(clock, time.Minute)
	verifier := newTestVerifier(t, clock)

	token, err := issuer.Issue("user-1", "")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}

	current = base.Add(2 * time.Minute)
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken after cache entry expiry, got %v", err)
	}
}
