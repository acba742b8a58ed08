package auth

import (
	"errors"
	"testing"
	"time"
)

var secret = []byte("test-secret")

func TestChannelTokenRoundTrip(t *testing.T) {
	token, err := IssueChannelToken(secret, 30, "srv-1", time.Minute)
	if err != nil {
		t.Fatalf("issue channel token: %v", err)
	}

	claims, err := ParseChannelToken(secret, token)
	if err != nil {
		t.Fatalf("parse channel token: %v", err)
	}
	if claims.UserID != 30 {
		t.Fatalf("expected user 30, got %d", claims.UserID)
	}
	if claims.ThreadIdentifier != "srv-1" {
		t.Fatalf("expected thread srv-1, got %q", claims.ThreadIdentifier)
	}
}

func TestChannelTokenExpiry(t *testing.T) {
	token, err := IssueChannelToken(secret, 30, "srv-1", -time.Minute)
	if err != nil {
		t.Fatalf("issue channel token: %v", err)
	}
	if _, err := ParseChannelToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestChannelTokenWrongSecret(t *testing.T) {
	token, err := IssueChannelToken(secret, 30, "srv-1", time.Minute)
	if err != nil {
		t.Fatalf("issue channel token: %v", err)
	}
	if _, err := ParseChannelToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	token, err := IssueSessionToken(secret, 42, "Dana", time.Hour)
	if err != nil {
		t.Fatalf("issue session token: %v", err)
	}

	claims, err := ParseSessionToken(secret, token)
	if err != nil {
		t.Fatalf("parse session token: %v", err)
	}
	if claims.UserID != 42 || claims.Name != "Dana" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseSessionToken(secret, "not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
