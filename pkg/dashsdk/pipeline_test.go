package dashsdk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/bankdash/pkg/notify"
)

func TestPipeline_AttachesBearer(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) != "tok" {
			writeJSON(w, http.StatusUnauthorized, `{}`)
			return
		}
		writeJSON(w, http.StatusOK, meBody)
	}), newMemCreds("tok"), nil)

	profile, err := env.client.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Ana", profile.User.Name)
	require.Len(t, profile.Accounts, 1)
	require.Equal(t, 120.5, profile.Accounts[0].Balance)
}

func TestPipeline_RefreshesAndRetriesOnce(t *testing.T) {
	t.Parallel()

	var meCalls, refreshCalls atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/refresh":
			refreshCalls.Add(1)
			assert.Equal(t, "old", bearer(r))
			writeJSON(w, http.StatusOK, `{"access_token":"new","expires_in":3600}`)
		case "/me":
			meCalls.Add(1)
			if bearer(r) != "new" {
				writeJSON(w, http.StatusUnauthorized, `{"message":"Unauthenticated."}`)
				return
			}
			writeJSON(w, http.StatusOK, meBody)
		}
	}), newMemCreds("old"), nil)

	profile, err := env.client.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), profile.User.ID)

	require.Equal(t, int32(2), meCalls.Load())
	require.Equal(t, int32(1), refreshCalls.Load())
	require.Equal(t, "new", env.store.token())
	require.False(t, env.store.current().ExpiresAt.IsZero())
	require.Zero(t, env.hook.count())
	require.Empty(t, env.notes.All())
}

func TestPipeline_SecondUnauthorizedExpiresSession(t *testing.T) {
	t.Parallel()

	var meCalls, refreshCalls atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/refresh":
			refreshCalls.Add(1)
			writeJSON(w, http.StatusOK, `{"access_token":"new"}`)
		default:
			meCalls.Add(1)
			writeJSON(w, http.StatusUnauthorized, `{}`)
		}
	}), newMemCreds("old"), nil)

	_, err := env.client.Me(context.Background())
	require.ErrorIs(t, err, ErrCredentialExpired)

	var expired *CredentialExpiredError
	require.ErrorAs(t, err, &expired)
	require.True(t, expired.Retried)

	require.Equal(t, int32(2), meCalls.Load())
	require.Equal(t, int32(1), refreshCalls.Load())
	require.Empty(t, env.store.token())
	require.Equal(t, 1, env.hook.count())
	require.Equal(t, []string{SessionExpiredMessage}, env.notes.Messages())
}

func TestPipeline_RejectionWhileEndingSessionIsQuiet(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"message":"Unauthenticated."}`)
	}), newMemCreds("old"), nil)

	err := env.client.Logout(WithSessionEnding(context.Background()))
	require.ErrorIs(t, err, ErrCredentialExpired)

	require.Empty(t, env.store.token())
	require.Zero(t, env.hook.count())
	require.Empty(t, env.notes.All())
}

func TestPipeline_RefreshFailureExpiresSession(t *testing.T) {
	t.Parallel()

	var meCalls atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/refresh" {
			writeJSON(w, http.StatusUnauthorized, `{"message":"Token has expired"}`)
			return
		}
		meCalls.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{}`)
	}), newMemCreds("old"), nil)

	_, err := env.client.Me(context.Background())
	require.ErrorIs(t, err, ErrCredentialExpired)

	var expired *CredentialExpiredError
	require.ErrorAs(t, err, &expired)
	require.False(t, expired.Retried)
	require.Error(t, expired.Cause)

	require.Equal(t, int32(1), meCalls.Load())
	require.Empty(t, env.store.token())
	require.Equal(t, 1, env.hook.count())
}

func TestPipeline_ConcurrentRefreshesCoalesce(t *testing.T) {
	t.Parallel()

	var refreshCalls atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/refresh":
			refreshCalls.Add(1)
			time.Sleep(50 * time.Millisecond)
			writeJSON(w, http.StatusOK, `{"access_token":"new"}`)
		default:
			if bearer(r) != "new" {
				writeJSON(w, http.StatusUnauthorized, `{}`)
				return
			}
			writeJSON(w, http.StatusOK, meBody)
		}
	}), newMemCreds("old"), nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.client.Me(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), refreshCalls.Load())
	require.Equal(t, "new", env.store.token())
	require.Zero(t, env.hook.count())
}

func TestPipeline_ReplaysBodyOnRetry(t *testing.T) {
	t.Parallel()

	var bodies []string
	var mu sync.Mutex
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/refresh" {
			writeJSON(w, http.StatusOK, `{"access_token":"new"}`)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(raw))
		mu.Unlock()
		if bearer(r) != "new" {
			writeJSON(w, http.StatusUnauthorized, `{}`)
			return
		}
		writeJSON(w, http.StatusCreated, `{"id":9,"name":"Savings"}`)
	}), newMemCreds("old"), nil)

	acct, err := env.client.CreateAccount(context.Background(), "Savings")
	require.NoError(t, err)
	require.Equal(t, int64(9), acct.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{`{"name":"Savings"}`, `{"name":"Savings"}`}, bodies)
}

func TestPipeline_AppliesRotationHeaders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderNewToken, "rotated")
		w.Header().Set(HeaderTokenExpiresAt, "1893456000")
		writeJSON(w, http.StatusOK, meBody)
	}), newMemCreds("tok"), nil)

	_, err := env.client.Me(context.Background())
	require.NoError(t, err)

	cred := env.store.current()
	require.Equal(t, "rotated", cred.Token)
	require.Equal(t, time.Unix(1893456000, 0).UTC(), cred.ExpiresAt)
}

func TestPipeline_StaleRotationDoesNotResurrect(t *testing.T) {
	t.Parallel()

	store := newMemCreds("tok")
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A logout lands while this request is in flight.
		assert.NoError(t, store.Clear(context.Background()))
		w.Header().Set(HeaderNewToken, "rotated")
		writeJSON(w, http.StatusOK, meBody)
	}), store, nil)

	_, err := env.client.Me(context.Background())
	require.NoError(t, err)
	require.Empty(t, store.token())
}

func TestPipeline_RefreshAfterLogoutDoesNotResurrect(t *testing.T) {
	t.Parallel()

	store := newMemCreds("old")
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/refresh" {
			assert.NoError(t, store.Clear(context.Background()))
			writeJSON(w, http.StatusOK, `{"access_token":"new"}`)
			return
		}
		writeJSON(w, http.StatusUnauthorized, `{}`)
	}), store, nil)

	_, err := env.client.Me(context.Background())
	require.ErrorIs(t, err, ErrCredentialExpired)
	require.Empty(t, store.token())
}

func TestPipeline_ValidationFanOut(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnprocessableEntity,
			`{"message":"invalid","errors":{"name":["too long","reserved"],"amount":["must be positive"]}}`)
	}), newMemCreds("tok"), nil)

	_, err := env.client.CreateAccount(context.Background(), "Main")

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "too long", verr.First("name"))
	require.Len(t, verr.Fields, 2)
	require.Equal(t, int32(1), calls.Load())

	require.Equal(t, []notify.Notification{
		{Level: notify.LevelError, Field: "amount", Message: "must be positive"},
		{Level: notify.LevelError, Field: "name", Message: "too long"},
		{Level: notify.LevelError, Field: "name", Message: "reserved"},
	}, env.notes.All())
}

func TestPipeline_ServerErrorNotifies(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, `{"message":"boom"}`)
	}), newMemCreds("tok"), nil)

	_, err := env.client.ListAccounts(context.Background())
	require.ErrorIs(t, err, ErrServerFailure)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, []string{ServerErrorMessage}, env.notes.Messages())
}

func TestPipeline_OtherStatusesPassThrough(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"No query results"}`)
	}), newMemCreds("tok"), nil)

	_, err := env.client.GetAccount(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Empty(t, env.notes.All())
	require.Equal(t, "tok", env.store.token())
}

func TestPipeline_InlineAcquisition(t *testing.T) {
	t.Parallel()

	tokens := &stubTokens{token: "shell-tok"}
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "shell-tok", bearer(r))
		writeJSON(w, http.StatusOK, `[]`)
	}), newMemCreds(""), tokens)

	_, err := env.client.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, "shell-tok", env.store.token())
	require.Equal(t, 1, tokens.calls)
}

func TestPipeline_InlineAcquisitionWithoutParent(t *testing.T) {
	t.Parallel()

	tokens := &stubTokens{err: ErrNoParentContext}
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `[]`)
	}), newMemCreds(""), tokens)

	accounts, err := env.client.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Empty(t, accounts)
	require.Empty(t, env.store.token())
}

func TestPipeline_InlineAcquisitionIsThrottled(t *testing.T) {
	t.Parallel()

	tokens := &stubTokens{token: ""}
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	}), newMemCreds(""), tokens)

	for i := 0; i < defaultInlineAcquireBurst+3; i++ {
		_, err := env.client.ListAccounts(context.Background())
		require.NoError(t, err)
	}
	require.LessOrEqual(t, tokens.calls, defaultInlineAcquireBurst+1)
}

func TestPipeline_LoginSkipsAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		if r.URL.Path == "/refresh" {
			t.Error("login must not refresh")
		}
		writeJSON(w, http.StatusUnauthorized, `{"message":"Invalid credentials"}`)
	}), newMemCreds("tok"), nil)

	_, err := env.client.Login(context.Background(), "ana@example.com", "secret123")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, "tok", env.store.token())
	require.Zero(t, env.hook.count())
	require.Empty(t, env.notes.All())
}

func TestPipeline_RetriesAtMostOnce(t *testing.T) {
	t.Parallel()

	var listCalls, refreshCalls atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/refresh" {
			n := refreshCalls.Add(1)
			writeJSON(w, http.StatusOK, fmt.Sprintf(`{"access_token":"t%d"}`, n))
			return
		}
		listCalls.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{}`)
	}), newMemCreds("t0"), nil)

	_, err := env.client.ListAccounts(context.Background())
	require.ErrorIs(t, err, ErrCredentialExpired)
	require.Equal(t, int32(2), listCalls.Load())
	require.Equal(t, int32(1), refreshCalls.Load())
	require.Equal(t, 1, env.store.clears)
}
