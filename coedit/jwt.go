package coedit

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of the session token issued by `/api/auth/login`
// the subject is the user email
type SessionJwt struct {
	Email     string
	ExpiresAt time.Time
}

// the client cannot verify the signature (the secret stays on the backend),
// it only reads the claims to show who is signed in and to drop expired tokens early
func ParseSessionJwtUnverified(jwt string) (*SessionJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionJwt := &SessionJwt{}

	if subject, err := claims.GetSubject(); err == nil {
		sessionJwt.Email = subject
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		sessionJwt.ExpiresAt = expiresAt.Time
	}

	return sessionJwt, nil
}

func (self *SessionJwt) Expired(now time.Time) bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(self.ExpiresAt)
}
