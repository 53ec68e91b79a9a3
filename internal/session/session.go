package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken = errors.New("empty token")
	ErrNoUserID   = errors.New("token carries no user id")
)

// Claims are the fields the API puts in its access tokens.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Session is the credential a Sync runs under. It is passed in explicitly
// and never mutated by the notification code.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

var parser = jwt.NewParser()

// New builds a session from an already known token and user id.
func New(token, userID string) Session {
	return Session{Token: stripBearer(token), UserID: userID}
}

// FromToken reads the user id and expiry out of a JWT access token. The
// signature is not verified; the API does that on every request.
func FromToken(token string) (Session, error) {
	token = stripBearer(token)
	if token == "" {
		return Session{}, ErrEmptyToken
	}

	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Session{}, fmt.Errorf("failed to parse token: %w", err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Session{}, ErrNoUserID
	}

	s := Session{Token: token, UserID: userID}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// IsZero reports a logged out session.
func (s Session) IsZero() bool {
	return s.Token == "" || s.UserID == ""
}

// Expired reports whether the token's exp claim is before now. Tokens
// without exp never expire client side.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Authorization is the Authorization header value.
func (s Session) Authorization() string {
	return "Bearer " + s.Token
}

// Equal compares credentials, ignoring expiry.
func (s Session) Equal(o Session) bool {
	return s.Token == o.Token && s.UserID == o.UserID
}

func stripBearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}
