// Package token mints and validates the bearer tokens handed out after a
// successful login. Tokens are stateless HMAC-signed JWTs; nothing is kept
// server-side.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryMargin is how long before the recorded expiry a token stops being
// accepted. A token presented after expiresAt-expiryMargin is invalid.
const expiryMargin = time.Minute

var (
	ErrEmptySecret  = errors.New("token secret must not be empty")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type Issuer struct {
	secret   []byte
	lifetime time.Duration

	// now is swappable for tests.
	now func() time.Time
}

func NewIssuer(secret []byte, lifetime time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &Issuer{secret: secret, lifetime: lifetime, now: time.Now}, nil
}

// Issue mints a signed token for the subject.
func (i *Issuer) Issue(subject string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject must not be empty")
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Validate checks signature and expiry and returns the subject. Expiry is
// enforced with the early cutoff, not leniency: the token dies a minute
// before its recorded expiresAt.
func (i *Issuer) Validate(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	if claims.ExpiresAt == nil {
		return "", ErrInvalidToken
	}
	if !i.now().Before(claims.ExpiresAt.Time.Add(-expiryMargin)) {
		return "", ErrExpiredToken
	}
	return claims.Subject, nil
}
