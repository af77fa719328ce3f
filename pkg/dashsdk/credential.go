package dashsdk

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/bankdash/pkg/jwtx"
)

// ExpiryBuffer is subtracted from a credential's expiry when deciding whether
// it is still usable, so a token is never sent moments before it lapses.
const ExpiryBuffer = 30 * time.Second

// Credential is the current bearer token and its optional expiry.
// The zero value means "no credential".
type Credential struct {
	Token     string
	ExpiresAt time.Time // zero when unknown
}

// NewCredential resolves the expiry of token. An explicit expiry wins; else
// the exp claim when token is a JWT; else none.
func NewCredential(token string, explicit time.Time) Credential {
	c := Credential{Token: token, ExpiresAt: explicit}
	if c.ExpiresAt.IsZero() {
		if exp, ok := jwtx.ExpiryHint(token); ok {
			c.ExpiresAt = exp
		}
	}
	if !c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.ExpiresAt.UTC()
	}
	return c
}

// IsZero reports whether c holds no token.
func (c Credential) IsZero() bool { return c.Token == "" }

// Usable reports whether c holds a token that has not expired as of now,
// allowing for ExpiryBuffer. A credential without expiry is usable until the
// backend says otherwise.
func (c Credential) Usable(now time.Time) bool {
	if c.Token == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(c.ExpiresAt.Add(-ExpiryBuffer))
}

// CredentialStore is the slice of the token store the pipeline needs.
//
// Every write bumps an epoch. LoadCredential returns the epoch the value was
// read at and SaveCredentialIf commits only if no write happened since, so a
// refresh that lands after a logout cannot resurrect the cleared credential.
type CredentialStore interface {
	LoadCredential(ctx context.Context) (Credential, uint64, error)
	SaveCredentialIf(ctx context.Context, c Credential, epoch uint64) (bool, error)
	Clear(ctx context.Context) error
}

// TokenSource obtains a token from outside the process, typically by asking
// the embedding shell. It returns "" with a nil error when the source
// answered that there is no session, ErrNoParentContext when there is no one
// to ask, and ErrTokenTimeout when nobody answered in time.
type TokenSource interface {
	AcquireToken(ctx context.Context, timeout time.Duration) (string, error)
}

// SessionHook is told when the pipeline gives up on the credential.
type SessionHook interface {
	SessionExpired(ctx context.Context, cause error)
}

// parseExpiry accepts RFC 3339 timestamps and unix seconds.
func parseExpiry(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), true
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

// maxExpiresIn is the largest expires_in, in seconds, a time.Duration holds.
const maxExpiresIn = math.MaxInt64 / int64(time.Second)

// expiryFrom picks the explicit expiry out of an auth-style response body.
func expiryFrom(now time.Time, expiresAt string, expiresIn int64) time.Time {
	if t, ok := parseExpiry(expiresAt); ok {
		return t
	}
	if expiresIn > 0 {
		expiresIn = min(expiresIn, maxExpiresIn)
		return now.Add(time.Duration(expiresIn) * time.Second).UTC()
	}
	return time.Time{}
}
