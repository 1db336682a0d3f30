package credstore

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessExpiry decodes the exp claim of a JWT access token without verifying
// its signature. The result is informational only (status output, token file
// expiry); refresh is driven by 401 responses, never by this value.
func AccessExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}

	return exp.Time, true
}
