package dashsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/aussiebroadwan/bankdash/pkg/clock"
	"github.com/aussiebroadwan/bankdash/pkg/cryptox"
	"github.com/aussiebroadwan/bankdash/pkg/notify"
)

// Rotation headers a backend may set on any successful response.
const (
	HeaderNewToken       = "X-New-Token"
	HeaderTokenExpiresAt = "X-Token-Expires-At"
)

const (
	defaultInlineAcquireTimeout = 2 * time.Second
	defaultRefreshTimeout       = 10 * time.Second
	defaultInlineAcquireBurst   = 4
)

var (
	errNoCredential   = errors.New("no credential to refresh")
	errSessionCleared = errors.New("credential was cleared during refresh")
)

// Compile-time interface check.
var _ http.RoundTripper = (*Pipeline)(nil)

// PipelineConfig wires a Pipeline. Store is required.
type PipelineConfig struct {
	// Base sends the prepared request. Nil uses http.DefaultTransport.
	Base http.RoundTripper

	Store    CredentialStore
	Tokens   TokenSource     // nil disables inline acquisition
	Notifier notify.Notifier // nil discards notifications
	Logger   *slog.Logger
	Clock    clock.Clock

	// RefreshURL is the absolute URL of the token refresh endpoint.
	RefreshURL string

	InlineAcquireTimeout time.Duration
	RefreshTimeout       time.Duration

	// InlineAcquireEvery and InlineAcquireBurst bound how often requests
	// without a credential may ask the shell for one.
	InlineAcquireEvery time.Duration
	InlineAcquireBurst int
}

// Pipeline decorates outbound API calls with the session credential and
// recovers once from a rejected credential.
type Pipeline struct {
	base       http.RoundTripper
	store      CredentialStore
	tokens     TokenSource
	notifier   notify.Notifier
	logger     *slog.Logger
	clock      clock.Clock
	refreshURL string

	inlineTimeout  time.Duration
	refreshTimeout time.Duration
	limiter        *rate.Limiter

	refreshes singleflight.Group

	hookMu sync.RWMutex
	hook   SessionHook
}

// NewPipeline applies defaults to cfg.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		base:           cfg.Base,
		store:          cfg.Store,
		tokens:         cfg.Tokens,
		notifier:       cfg.Notifier,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		refreshURL:     cfg.RefreshURL,
		inlineTimeout:  cfg.InlineAcquireTimeout,
		refreshTimeout: cfg.RefreshTimeout,
	}
	if p.base == nil {
		p.base = http.DefaultTransport
	}
	if p.notifier == nil {
		p.notifier = notify.Discard
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	if p.inlineTimeout <= 0 {
		p.inlineTimeout = defaultInlineAcquireTimeout
	}
	if p.refreshTimeout <= 0 {
		p.refreshTimeout = defaultRefreshTimeout
	}

	every := rate.Every(time.Second)
	if cfg.InlineAcquireEvery > 0 {
		every = rate.Every(cfg.InlineAcquireEvery)
	}
	burst := cfg.InlineAcquireBurst
	if burst <= 0 {
		burst = defaultInlineAcquireBurst
	}
	p.limiter = rate.NewLimiter(every, burst)

	return p
}

// SetSessionHook registers who to tell when the credential is given up on.
// It may be called after the pipeline is in use.
func (p *Pipeline) SetSessionHook(h SessionHook) {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	p.hook = h
}

func (p *Pipeline) sessionHook() SessionHook {
	p.hookMu.RLock()
	defer p.hookMu.RUnlock()
	return p.hook
}

type skipAuthKey struct{}

// WithoutAuth marks requests made with ctx as anonymous: no bearer is
// attached and a 401 is returned as is.
func WithoutAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipAuthKey{}, true)
}

func skipsAuth(ctx context.Context) bool {
	v, _ := ctx.Value(skipAuthKey{}).(bool)
	return v
}

type sessionEndingKey struct{}

// WithSessionEnding marks calls made while the session is already being
// ended, such as the logout request itself. A credential rejected under ctx
// is still cleared, but neither the session hook nor the user is told.
func WithSessionEnding(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionEndingKey{}, true)
}

func sessionEnding(ctx context.Context) bool {
	v, _ := ctx.Value(sessionEndingKey{}).(bool)
	return v
}

// Do is RoundTrip under the name callers expect.
func (p *Pipeline) Do(req *http.Request) (*http.Response, error) {
	return p.RoundTrip(req)
}

// RoundTrip sends req with the current credential. The request body is
// buffered so the request can be resubmitted after a refresh.
func (p *Pipeline) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	if skipsAuth(ctx) {
		resp, err := p.send(req, body, "")
		if err != nil {
			return nil, err
		}
		return p.inspect(ctx, resp), nil
	}

	cred, epoch, err := p.store.LoadCredential(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	token := cred.Token
	if token == "" {
		token, epoch = p.acquireInline(ctx, epoch)
	}

	// One refresh-and-resubmit per call.
	return p.attempt(req, body, token, epoch, 1)
}

// attempt sends one try of req. budget is how many more tries a 401 may
// buy; it belongs to this call chain only.
func (p *Pipeline) attempt(req *http.Request, body []byte, token string, epoch uint64, budget int) (*http.Response, error) {
	ctx := req.Context()

	resp, err := p.send(req, body, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			p.rotate(ctx, resp, epoch)
		}
		return p.inspect(ctx, resp), nil
	}
	discard(resp)

	switch {
	case budget <= 0:
		return nil, p.expire(ctx, &CredentialExpiredError{Retried: true})
	case token == "":
		return nil, p.expire(ctx, &CredentialExpiredError{Cause: errNoCredential})
	}

	fresh, freshEpoch, err := p.refresh(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, p.expire(ctx, &CredentialExpiredError{Cause: err})
	}

	p.logger.Debug("credential refreshed, resubmitting",
		"method", req.Method,
		"path", req.URL.Path,
		"token_fp", cryptox.FingerprintToken(fresh),
	)
	return p.attempt(req, body, fresh, freshEpoch, budget-1)
}

func (p *Pipeline) send(req *http.Request, body []byte, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}

	out.Header.Del("Authorization")
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}

	return p.base.RoundTrip(out)
}

// acquireInline asks the token source for a credential and caches it. The
// returned epoch is the one the caller should use for later writes.
func (p *Pipeline) acquireInline(ctx context.Context, epoch uint64) (string, uint64) {
	if p.tokens == nil {
		return "", epoch
	}
	if !p.limiter.Allow() {
		p.logger.Debug("inline token acquisition throttled")
		return "", epoch
	}

	token, err := p.tokens.AcquireToken(ctx, p.inlineTimeout)
	switch {
	case errors.Is(err, ErrNoParentContext):
		return "", epoch
	case err != nil:
		p.logger.Warn("inline token acquisition failed", "error", err)
		return "", epoch
	case token == "":
		return "", epoch
	}

	committed, err := p.store.SaveCredentialIf(ctx, NewCredential(token, time.Time{}), epoch)
	switch {
	case err != nil:
		p.logger.Warn("failed to cache acquired credential", "error", err)
		return token, epoch
	case !committed:
		p.logger.Debug("acquired credential not cached, store changed meanwhile")
		return token, epoch
	}
	return token, epoch + 1
}

type refreshed struct {
	token string
	epoch uint64
}

// refresh exchanges the rejected token for a new one. Concurrent refreshes
// of the same token share one backend call. The shared call runs under its
// own timeout so one caller giving up does not fail the others.
func (p *Pipeline) refresh(ctx context.Context, rejected string) (string, uint64, error) {
	ch := p.refreshes.DoChan(rejected, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.refreshTimeout)
		defer cancel()
		return p.doRefresh(rctx, rejected)
	})

	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", 0, res.Err
		}
		r := res.Val.(refreshed)
		return r.token, r.epoch, nil
	}
}

func (p *Pipeline) doRefresh(ctx context.Context, rejected string) (refreshed, error) {
	current, epoch, err := p.store.LoadCredential(ctx)
	if err != nil {
		return refreshed{}, fmt.Errorf("failed to load credential: %w", err)
	}
	switch {
	case current.Token == "":
		return refreshed{}, errSessionCleared
	case current.Token != rejected:
		// Already replaced by a rotation or an earlier refresh.
		return refreshed{token: current.Token, epoch: epoch}, nil
	}

	if p.refreshURL == "" {
		return refreshed{}, errors.New("no refresh endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.refreshURL, strings.NewReader("{}"))
	if err != nil {
		return refreshed{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+rejected)

	resp, err := p.base.RoundTrip(req)
	if err != nil {
		return refreshed{}, fmt.Errorf("failed to send refresh request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return refreshed{}, fmt.Errorf("failed to read refresh response: %w", err)
	}
	if err := parseErrorResponse(resp, raw); err != nil {
		return refreshed{}, fmt.Errorf("refresh rejected: %w", err)
	}

	var body refreshResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return refreshed{}, fmt.Errorf("failed to decode refresh response: %w", err)
		}
	}
	token := body.AccessToken
	if token == "" {
		token = resp.Header.Get(HeaderNewToken)
	}
	if token == "" {
		return refreshed{}, errors.New("refresh response carried no token")
	}

	expiresAt := expiryFrom(p.clock.Now(), body.ExpiresAt, body.ExpiresIn)
	committed, err := p.store.SaveCredentialIf(ctx, NewCredential(token, expiresAt), epoch)
	if err != nil {
		return refreshed{}, fmt.Errorf("failed to save refreshed credential: %w", err)
	}
	if committed {
		return refreshed{token: token, epoch: epoch + 1}, nil
	}

	// Something wrote in between. A logout wins; a newer token is adopted.
	current, epoch, err = p.store.LoadCredential(ctx)
	if err != nil {
		return refreshed{}, fmt.Errorf("failed to load credential: %w", err)
	}
	if current.Token == "" {
		return refreshed{}, errSessionCleared
	}
	return refreshed{token: current.Token, epoch: epoch}, nil
}

// rotate applies the rotation headers of a successful response.
func (p *Pipeline) rotate(ctx context.Context, resp *http.Response, epoch uint64) {
	token := strings.TrimSpace(resp.Header.Get(HeaderNewToken))
	if token == "" {
		return
	}
	expiresAt, _ := parseExpiry(resp.Header.Get(HeaderTokenExpiresAt))

	committed, err := p.store.SaveCredentialIf(ctx, NewCredential(token, expiresAt), epoch)
	switch {
	case err != nil:
		p.logger.Warn("failed to save rotated credential", "error", err)
	case !committed:
		p.logger.Debug("stale credential rotation dropped", "token_fp", cryptox.FingerprintToken(token))
	default:
		p.logger.Debug("credential rotated", "token_fp", cryptox.FingerprintToken(token))
	}
}

// expire gives up on the session: the store is cleared, the session hook is
// told and the user is notified.
func (p *Pipeline) expire(ctx context.Context, cause *CredentialExpiredError) error {
	ctx = context.WithoutCancel(ctx)

	if err := p.store.Clear(ctx); err != nil {
		p.logger.Error("failed to clear credential", "error", err)
	}
	if sessionEnding(ctx) {
		p.logger.Debug("credential rejected while ending session", "reason", cause.Error())
		return cause
	}
	if hook := p.sessionHook(); hook != nil {
		hook.SessionExpired(ctx, cause)
	}
	p.notifier.Notify(ctx, notify.Notification{Level: notify.LevelError, Message: SessionExpiredMessage})

	p.logger.Warn("session credential expired", "reason", cause.Error())
	return cause
}

// inspect fans out notifications for 422 and 500 responses. The body is
// restored so the caller can still read it.
func (p *Pipeline) inspect(ctx context.Context, resp *http.Response) *http.Response {
	switch resp.StatusCode {
	case http.StatusUnprocessableEntity:
		raw, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		if err != nil {
			p.logger.Warn("failed to read validation response", "error", err)
			return resp
		}

		var eb errorBody
		if err := json.Unmarshal(raw, &eb); err != nil {
			p.logger.Warn("failed to decode validation response", "error", err)
			return resp
		}
		p.notifyValidation(ctx, eb)

	case http.StatusInternalServerError:
		p.notifier.Notify(ctx, notify.Notification{Level: notify.LevelError, Message: ServerErrorMessage})
	}
	return resp
}

func (p *Pipeline) notifyValidation(ctx context.Context, eb errorBody) {
	if len(eb.Errors) == 0 {
		if eb.Message != "" {
			p.notifier.Notify(ctx, notify.Notification{Level: notify.LevelError, Message: eb.Message})
		}
		return
	}

	fields := make([]string, 0, len(eb.Errors))
	for f := range eb.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		for _, msg := range eb.Errors[f] {
			p.notifier.Notify(ctx, notify.Notification{Level: notify.LevelError, Field: f, Message: msg})
		}
	}
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return body, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
