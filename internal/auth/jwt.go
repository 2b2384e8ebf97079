// Package auth holds the token plumbing of the client core.
//
// The backend issues an access token after login. To the client it is an
// opaque string, but when it happens to be a JWT (the hospital backend signs
// HS256 tokens) the client can read its "exp" claim and stop sending a token
// it already knows is dead. The client never verifies signatures, it has no
// key; it only inspects.
//
// TokenService (Generate/Validate) is the issuing side. The companion itself
// never calls it: it powers the fake backend used by tests and local UI work.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the "iss" claim written by the fake backend.
const Issuer = "hospital-queue"

// TokenService handles JWT creation and validation for the fake backend.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given secret.
// Tokens live for ttl; zero means 15 minutes.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Generate signs a token for userID with the service's default lifetime.
func (s *TokenService) Generate(userID string) (string, error) {
	return s.GenerateWithDuration(userID, s.ttl)
}

// GenerateWithDuration signs a token with a custom lifetime.
// A negative duration yields an already-expired token, which tests rely on.
func (s *TokenService) GenerateWithDuration(userID string, d time.Duration) (string, error) {
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate verifies signature, issuer and expiry and returns the subject.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("auth: token expired")
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}
	return c.Subject, nil
}

// ExpiresAt reads the "exp" claim of a JWT without verifying it.
// It returns the zero time for opaque (non-JWT) tokens or tokens without exp.
func ExpiresAt(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return time.Time{}
	}
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Usable reports whether token is non-empty and not known to be expired at now.
// skew is subtracted from the expiry so a token about to lapse mid-request
// counts as expired.
func Usable(token string, now time.Time, skew time.Duration) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}
	exp := ExpiresAt(token)
	if exp.IsZero() {
		return true
	}
	return now.Before(exp.Add(-skew))
}
