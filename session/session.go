// Package session holds the authenticated identity shared by the engines.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"chatsync/channel"
)

var (
	// ErrNoUserID indicates a token without a recognizable user claim.
	ErrNoUserID = errors.New("session: token carries no user id")
)

// userClaims lists claim names servers commonly use for the user ID.
var userClaims = []string{"sub", "userId", "user_id", "id"}

// Session is the read-only identity and channel handle of the logged-in user.
type Session struct {
	UserID      string
	DisplayName string
	Token       string
	Channel     channel.Channel
}

// New builds a session from known values.
func New(userID, displayName string, ch channel.Channel) (*Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	if ch == nil {
		return nil, errors.New("channel is required")
	}
	return &Session{UserID: userID, DisplayName: displayName, Channel: ch}, nil
}

// UserIDFromToken extracts the user ID from a JWT without verifying its
// signature. The server verifies tokens; the client only needs the claim.
func UserIDFromToken(token string) (string, string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", "", fmt.Errorf("parse session token: %w", err)
	}

	name, _ := claims["username"].(string)
	for _, key := range userClaims {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, name, nil
		}
	}
	return "", "", ErrNoUserID
}

// FromToken builds a session whose identity comes from token.
func FromToken(token string, ch channel.Channel) (*Session, error) {
	userID, name, err := UserIDFromToken(token)
	if err != nil {
		return nil, err
	}
	s, err := New(userID, name, ch)
	if err != nil {
		return nil, err
	}
	s.Token = token
	return s, nil
}
