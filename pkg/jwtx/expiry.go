// Package jwtx reads hints out of bearer tokens that happen to be JWTs.
//
// The dashboard never verifies tokens: they are opaque capabilities owned by
// the backend. When one is a JWT, its exp claim is still a useful cache hint
// so the client can skip a round trip it knows will fail.
package jwtx

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryHint returns the exp claim of token when token is a JWT carrying one.
// Signature and other claims are not checked.
func ExpiryHint(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time.UTC(), true
}
