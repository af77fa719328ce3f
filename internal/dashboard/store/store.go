// Package store is the dashboard's local session cache: the current
// credential, its expiry, and the last known user profile.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/bankdash/pkg/dashsdk"
)

// Keys under which the session is persisted.
const (
	KeyAuthToken      = "auth_token"
	KeyUserData       = "user_data"
	KeyTokenExpiresAt = "token_expires_at"
)

var (
	ErrClosed  = errors.New("store: closed")
	ErrCorrupt = errors.New("store: corrupt value")
)

// Store is the root data access interface implemented by the drivers in
// drivers/. Credential writes (SaveCredential, a committed SaveCredentialIf,
// Clear) each move the epoch forward by exactly one; SaveUser does not.
type Store interface {
	// LoadCredential returns the current credential and the epoch it was
	// read at. A missing credential is the zero Credential, not an error.
	LoadCredential(ctx context.Context) (dashsdk.Credential, uint64, error)

	// SaveCredential replaces the credential unconditionally.
	SaveCredential(ctx context.Context, c dashsdk.Credential) error

	// SaveCredentialIf replaces the credential only if the epoch is still
	// epoch. It reports whether the write was committed.
	SaveCredentialIf(ctx context.Context, c dashsdk.Credential, epoch uint64) (bool, error)

	// Clear removes credential, expiry and profile in one step.
	Clear(ctx context.Context) error

	// LoadUser returns the cached profile, or nil when there is none.
	LoadUser(ctx context.Context) (*dashsdk.User, error)

	// SaveUser replaces the cached profile.
	SaveUser(ctx context.Context, u dashsdk.User) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases any underlying resources.
	Close() error
}

// Compile-time check that a Store can back the request pipeline.
var _ dashsdk.CredentialStore = Store(nil)

// FormatExpiry renders an expiry for the token_expires_at key.
// The zero time renders as "".
func FormatExpiry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ParseExpiry reverses FormatExpiry.
func ParseExpiry(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Join(ErrCorrupt, err)
	}
	return t.UTC(), nil
}
