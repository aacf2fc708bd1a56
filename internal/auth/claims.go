package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims extracts the subject and expiry from an access token. The
// signature is not verified.
func tokenClaims(accessToken string) (subject string, expiry time.Time, err error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}
	subject, err = claims.GetSubject()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading sub claim: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading exp claim: %w", err)
	}
	if exp != nil {
		expiry = exp.Time
	}
	return subject, expiry, nil
}
