package session

import (
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"chatsync/channel"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestFromTokenReadsUserClaim(t *testing.T) {
	hub := channel.NewMemoryHub()
	ch := hub.Connect("u-1")
	defer ch.Close()

	s, err := FromToken(signedToken(t, jwt.MapClaims{"userId": "u-1", "username": "alice"}), ch)
	if err != nil {
		t.Fatalf("FromToken failed: %v", err)
	}
	if s.UserID != "u-1" || s.DisplayName != "alice" {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.Token == "" {
		t.Fatalf("expected token to be retained")
	}
}

func TestFromTokenWithoutUserClaim(t *testing.T) {
	hub := channel.NewMemoryHub()
	ch := hub.Connect("u-1")
	defer ch.Close()

	_, err := FromToken(signedToken(t, jwt.MapClaims{"role": "admin"}), ch)
	if !errors.Is(err, ErrNoUserID) {
		t.Fatalf("expected ErrNoUserID, got %v", err)
	}
}

func TestNewRequiresChannel(t *testing.T) {
	if _, err := New("u-1", "", nil); err == nil {
		t.Fatalf("expected error for missing channel")
	}
}
