// Package auth issues and verifies the ephemeral channel-access tokens that
// gate push-channel subscriptions. A token is scoped to one user and one
// thread and expires on its own; there is no revocation list.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// ChannelClaims scope a token to a single thread channel.
type ChannelClaims struct {
	UserID           int64  `json:"uid"`
	ThreadIdentifier string `json:"thread"`
	jwt.RegisteredClaims
}

// IssueChannelToken mints an HS256 token admitting userID to the channel of
// threadIdentifier for ttl.
func IssueChannelToken(secret []byte, userID int64, threadIdentifier string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ChannelClaims{
		UserID:           userID,
		ThreadIdentifier: threadIdentifier,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign channel token: %w", err)
	}
	return token, nil
}

// SessionClaims identify an authenticated user for REST calls. Identity
// itself is established upstream; this service only carries it.
type SessionClaims struct {
	UserID int64  `json:"uid"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// IssueSessionToken mints an HS256 session token for userID.
func IssueSessionToken(secret []byte, userID int64, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		UserID: userID,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// ParseSessionToken verifies signature and expiry and returns the claims.
func ParseSessionToken(secret []byte, token string) (SessionClaims, error) {
	var claims SessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredToken
		}
		return SessionClaims{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.UserID == 0 {
		return SessionClaims{}, ErrInvalidToken
	}
	return claims, nil
}

// ParseChannelToken verifies signature and expiry and returns the claims.
func ParseChannelToken(secret []byte, token string) (ChannelClaims, error) {
	var claims ChannelClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ChannelClaims{}, ErrExpiredToken
		}
		return ChannelClaims{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.ThreadIdentifier == "" || claims.UserID == 0 {
		return ChannelClaims{}, ErrInvalidToken
	}
	return claims, nil
}
