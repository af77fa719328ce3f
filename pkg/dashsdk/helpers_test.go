package dashsdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/bankdash/pkg/notify"
	"github.com/aussiebroadwan/bankdash/pkg/slogx"
)

// memCreds is a CredentialStore with the epoch semantics of the real drivers.
type memCreds struct {
	mu     sync.Mutex
	cred   Credential
	epoch  uint64
	clears int
}

func newMemCreds(token string) *memCreds {
	return &memCreds{cred: Credential{Token: token}}
}

func (m *memCreds) LoadCredential(context.Context) (Credential, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred, m.epoch, nil
}

func (m *memCreds) SaveCredentialIf(_ context.Context, c Credential, epoch uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return false, nil
	}
	m.cred = c
	m.epoch++
	return true, nil
}

func (m *memCreds) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = Credential{}
	m.epoch++
	m.clears++
	return nil
}

func (m *memCreds) token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.Token
}

func (m *memCreds) current() Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

// hookRecorder counts SessionExpired calls.
type hookRecorder struct {
	mu     sync.Mutex
	causes []error
}

func (h *hookRecorder) SessionExpired(_ context.Context, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.causes = append(h.causes, cause)
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.causes)
}

// stubTokens is a TokenSource returning a fixed answer.
type stubTokens struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
}

func (s *stubTokens) AcquireToken(context.Context, time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.token, s.err
}

type testEnv struct {
	client *Client
	store  *memCreds
	notes  *notify.Recorder
	hook   *hookRecorder
}

func newTestEnv(t *testing.T, handler http.Handler, store *memCreds, tokens TokenSource) *testEnv {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	notes := &notify.Recorder{}
	hook := &hookRecorder{}
	client := NewClient(ClientConfig{
		BaseURL:  srv.URL,
		Store:    store,
		Tokens:   tokens,
		Notifier: notes,
		Logger:   slogx.Discard(),
		Timeout:  5 * time.Second,
	})
	client.SetSessionHook(hook)

	return &testEnv{client: client, store: store, notes: notes, hook: hook}
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

const meBody = `{"user":{"id":1,"name":"Ana","email":"ana@example.com","email_verified_at":null,"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"},"accounts":[{"id":7,"name":"Main","balance":120.5,"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}]}`
