package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/bankdash/internal/dashboard/shell"
	"github.com/aussiebroadwan/bankdash/internal/dashboard/store"
	"github.com/aussiebroadwan/bankdash/internal/dashboard/store/drivers/memory"
	"github.com/aussiebroadwan/bankdash/pkg/dashsdk"
	"github.com/aussiebroadwan/bankdash/pkg/notify"
	"github.com/aussiebroadwan/bankdash/pkg/slogx"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeBroker struct {
	mu     sync.Mutex
	result shell.Result
	err    error
	calls  int
	gate   chan struct{} // when set, Acquire waits for it to close
	panics bool

	// beforeReturn runs just before Acquire hands back its result.
	beforeReturn func()
}

func (b *fakeBroker) Acquire(ctx context.Context, _ time.Duration) (shell.Result, error) {
	b.mu.Lock()
	b.calls++
	res, err, gate, panics, before := b.result, b.err, b.gate, b.panics, b.beforeReturn
	b.mu.Unlock()

	if panics {
		panic("broker exploded")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return shell.Result{}, ctx.Err()
		}
	}
	if before != nil {
		before()
	}
	return res, err
}

func (b *fakeBroker) set(res shell.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result = res
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeBroadcaster struct {
	logouts   atomic.Int32
	redirects atomic.Int32
}

func (b *fakeBroadcaster) Logout(context.Context)   { b.logouts.Add(1) }
func (b *fakeBroadcaster) Redirect(context.Context) { b.redirects.Add(1) }

// fakeAPI is a banking backend that accepts the tokens in valid.
type fakeAPI struct {
	mu           sync.Mutex
	valid        map[string]bool
	refreshTo    string // token issued by /refresh; empty rejects
	meStatus     int    // forced /me status; zero serves normally
	balance      float64
	logoutStatus int // forced /logout status; zero answers 200
	meHold       chan struct{}
	meArrived    chan struct{}
	meCalls      int
	refreshCalls int
	logoutCalls  int
}

func (a *fakeAPI) allow(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valid[token] = true
}

func (a *fakeAPI) counts() (me, refresh, logout int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.meCalls, a.refreshCalls, a.logoutCalls
}

// holdNextMe makes the next /me request wait until release is called.
// arrived is closed once that request reaches the server.
func (a *fakeAPI) holdNextMe() (arrived <-chan struct{}, release func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hold, in := make(chan struct{}), make(chan struct{})
	a.meHold, a.meArrived = hold, in
	return in, func() { close(hold) }
}

func (a *fakeAPI) waitIfHeld() {
	a.mu.Lock()
	hold, in := a.meHold, a.meArrived
	a.meHold, a.meArrived = nil, nil
	a.mu.Unlock()

	if hold != nil {
		close(in)
		<-hold
	}
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/me" {
		a.waitIfHeld()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	switch r.URL.Path {
	case "/me":
		a.meCalls++
		if a.meStatus != 0 {
			writeJSON(w, a.meStatus, `{"message":"boom"}`)
			return
		}
		if !a.valid[token] {
			writeJSON(w, http.StatusUnauthorized, `{"message":"Unauthenticated."}`)
			return
		}
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"user":%s,"accounts":[{"id":7,"name":"Main","balance":%g}]}`, userJSON, a.balance))

	case "/login":
		if strings.Contains(readBody(r), "wrong-password") {
			writeJSON(w, http.StatusUnauthorized, `{"message":"Invalid credentials"}`)
			return
		}
		a.valid["tok-login"] = true
		writeJSON(w, http.StatusOK, `{"user":`+userJSON+`,"access_token":"tok-login","token_type":"Bearer"}`)

	case "/register":
		a.valid["tok-register"] = true
		writeJSON(w, http.StatusCreated, `{"user":`+userJSON+`,"access_token":"tok-register","token_type":"Bearer","expires_in":3600}`)

	case "/logout":
		a.logoutCalls++
		if a.logoutStatus != 0 {
			writeJSON(w, a.logoutStatus, `{"message":"Unauthenticated."}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"message":"Logged out"}`)

	case "/refresh":
		a.refreshCalls++
		if a.refreshTo == "" {
			writeJSON(w, http.StatusUnauthorized, `{"message":"Unauthenticated."}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"access_token":"`+a.refreshTo+`"}`)

	default:
		http.NotFound(w, r)
	}
}

const userJSON = `{"id":1,"name":"Ana","email":"ana@example.com","email_verified_at":null,"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func readBody(r *http.Request) string {
	b, _ := io.ReadAll(r.Body)
	return string(b)
}

// flakyStore fails LoadCredential while broken is set.
type flakyStore struct {
	store.Store
	broken atomic.Bool
}

func (s *flakyStore) LoadCredential(ctx context.Context) (dashsdk.Credential, uint64, error) {
	if s.broken.Load() {
		return dashsdk.Credential{}, 0, errors.New("disk on fire")
	}
	return s.Store.LoadCredential(ctx)
}

// offlineLogout is a backend whose logout call never reaches the server.
type offlineLogout struct {
	Backend
}

func (offlineLogout) Logout(context.Context) error {
	return errors.New("dial tcp: connection refused")
}

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	baseURL     string
	api         *fakeAPI
	store       *flakyStore
	broker      *fakeBroker
	broadcaster *fakeBroadcaster
	notes       *notify.Recorder
	client      *dashsdk.Client
	machine     *Machine
}

type option func(*Config)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	api := &fakeAPI{valid: map[string]bool{}, balance: 120.5}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	st := &flakyStore{Store: memory.NewStore()}
	notes := &notify.Recorder{}
	client := dashsdk.NewClient(dashsdk.ClientConfig{
		BaseURL:  srv.URL,
		Store:    st,
		Notifier: notes,
		Logger:   slogx.Discard(),
	})

	h := &harness{
		baseURL:     srv.URL,
		api:         api,
		store:       st,
		broker:      &fakeBroker{result: shell.Result{Outcome: shell.NoParentContext}},
		broadcaster: &fakeBroadcaster{},
		notes:       notes,
		client:      client,
	}

	cfg := Config{
		Store:       st,
		Broker:      h.broker,
		Broadcaster: h.broadcaster,
		Backend:     client,
		Notifier:    notes,
		Logger:      slogx.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.machine = New(cfg)
	client.SetSessionHook(h.machine)
	return h
}

func (h *harness) cache(t *testing.T, token string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, h.store.SaveCredential(context.Background(), dashsdk.Credential{Token: token, ExpiresAt: expiresAt}))
}

func (h *harness) storedToken(t *testing.T) string {
	t.Helper()
	c, _, err := h.store.Store.LoadCredential(context.Background())
	require.NoError(t, err)
	return c.Token
}

func requireUnauthenticated(t *testing.T, m *Machine, want Reason) {
	t.Helper()
	s := m.State()
	require.Equal(t, Unauthenticated, s.Kind, "state %s", s)
	require.Equal(t, want, s.Reason)
}
