package nakama

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is an authenticated backend session.
type Session struct {
	Token        string
	RefreshToken string
	// Created reports whether the account was created by this authentication.
	Created   bool
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Expired reports whether the session token has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ParseSession extracts the user identity and expiry from a session token.
// The signature is not verified; the token is only ever presented back to the
// backend that issued it.
//
// Precondition: token must be a JWT carrying "uid" and "usn" claims.
// Postcondition: Returns a Session with UserID and Username set, or a non-nil error.
func ParseSession(token, refreshToken string, created bool) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parsing session token: %w", err)
	}

	uid, _ := claims["uid"].(string)
	if uid == "" {
		return nil, errors.New("session token has no uid claim")
	}
	usn, _ := claims["usn"].(string)

	sess := &Session{
		Token:        token,
		RefreshToken: refreshToken,
		Created:      created,
		UserID:       uid,
		Username:     usn,
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("reading token expiry: %w", err)
	}
	if exp != nil {
		sess.ExpiresAt = exp.Time
	}
	return sess, nil
}
