// Package storetest holds the behaviour every store driver must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/bankdash/internal/dashboard/store"
	"github.com/aussiebroadwan/bankdash/pkg/dashsdk"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

// Run exercises a driver against the store contract.
func Run(t *testing.T, open Factory) {
	t.Run("empty store", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		cred, _, err := s.LoadCredential(ctx)
		require.NoError(t, err)
		require.True(t, cred.IsZero())

		user, err := s.LoadUser(ctx)
		require.NoError(t, err)
		require.Nil(t, user)

		require.NoError(t, s.Ping(ctx))
	})

	t.Run("save and load credential", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		exp := time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.SaveCredential(ctx, dashsdk.Credential{Token: "tok-1", ExpiresAt: exp}))

		cred, _, err := s.LoadCredential(ctx)
		require.NoError(t, err)
		require.Equal(t, "tok-1", cred.Token)
		require.Equal(t, exp, cred.ExpiresAt)

		require.NoError(t, s.SaveCredential(ctx, dashsdk.Credential{Token: "tok-2"}))
		cred, _, err = s.LoadCredential(ctx)
		require.NoError(t, err)
		require.Equal(t, "tok-2", cred.Token)
		require.True(t, cred.ExpiresAt.IsZero())
	})

	t.Run("conditional save", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, epoch, err := s.LoadCredential(ctx)
		require.NoError(t, err)

		ok, err := s.SaveCredentialIf(ctx, dashsdk.Credential{Token: "a"}, epoch)
		require.NoError(t, err)
		require.True(t, ok)

		cred, next, err := s.LoadCredential(ctx)
		require.NoError(t, err)
		require.Equal(t, "a", cred.Token)
		require.Equal(t, epoch+1, next)

		ok, err = s.SaveCredentialIf(ctx, dashsdk.Credential{Token: "stale"}, epoch)
		require.NoError(t, err)
		require.False(t, ok)

		cred, _, err = s.LoadCredential(ctx)
		require.NoError(t, err)
		require.Equal(t, "a", cred.Token)
	})

	t.Run("clear wins over late write", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SaveCredential(ctx, dashsdk.Credential{Token: "live"}))
		require.NoError(t, s.SaveUser(ctx, dashsdk.User{ID: 1, Name: "Ana"}))
		_, epoch, err := s.LoadCredential(ctx)
		require.NoError(t, err)

		require.NoError(t, s.Clear(ctx))

		ok, err := s.SaveCredentialIf(ctx, dashsdk.Credential{Token: "refreshed"}, epoch)
		require.NoError(t, err)
		require.False(t, ok)

		cred, after, err := s.LoadCredential(ctx)
		require.NoError(t, err)
		require.True(t, cred.IsZero())
		require.Equal(t, epoch+1, after)

		user, err := s.LoadUser(ctx)
		require.NoError(t, err)
		require.Nil(t, user)
	})

	t.Run("user data", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, before, err := s.LoadCredential(ctx)
		require.NoError(t, err)

		verified := "2024-02-01T00:00:00Z"
		u := dashsdk.User{ID: 3, Name: "Bia", Email: "bia@example.com", EmailVerifiedAt: &verified}
		require.NoError(t, s.SaveUser(ctx, u))

		got, err := s.LoadUser(ctx)
		require.NoError(t, err)
		require.Equal(t, &u, got)

		_, after, err := s.LoadCredential(ctx)
		require.NoError(t, err)
		require.Equal(t, before, after, "profile writes must not invalidate credential epochs")
	})

	t.Run("profile writes during conditional saves", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		stop := make(chan struct{})
		var wg sync.WaitGroup
		defer func() {
			close(stop)
			wg.Wait()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				_ = s.SaveUser(ctx, dashsdk.User{ID: i, Name: "Ana"})
			}
		}()

		for i := 0; i < 20; i++ {
			_, epoch, err := s.LoadCredential(ctx)
			require.NoError(t, err)

			ok, err := s.SaveCredentialIf(ctx, dashsdk.Credential{Token: fmt.Sprintf("tok-%d", i)}, epoch)
			require.NoError(t, err)
			require.True(t, ok, "save %d lost to a profile write", i)
		}

		cred, _, err := s.LoadCredential(ctx)
		require.NoError(t, err)
		require.Equal(t, "tok-19", cred.Token)
	})

	t.Run("concurrent conditional saves", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, epoch, err := s.LoadCredential(ctx)
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.SaveCredentialIf(ctx, dashsdk.Credential{Token: "x"}, epoch)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
	})
}
