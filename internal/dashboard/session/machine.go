// Package session owns the dashboard's session state. Machine is its only
// writer; everything else reads State or asks Machine for a transition.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/bankdash/internal/dashboard/shell"
	"github.com/aussiebroadwan/bankdash/internal/dashboard/store"
	"github.com/aussiebroadwan/bankdash/pkg/clock"
	"github.com/aussiebroadwan/bankdash/pkg/cryptox"
	"github.com/aussiebroadwan/bankdash/pkg/dashsdk"
	"github.com/aussiebroadwan/bankdash/pkg/notify"
)

// DefaultAcquireTimeout bounds the startup exchange with the shell.
const DefaultAcquireTimeout = 5 * time.Second

var (
	ErrInvalidTransition = errors.New("session: operation not valid in the current state")
	ErrNotAuthenticated  = errors.New("session: not authenticated")
	ErrUnexpected        = errors.New("session: unexpected initialization error")

	// errSuperseded means another transition overtook a startup sequence.
	errSuperseded = errors.New("session: superseded")

	// errStale means a conditional store write lost to another write.
	errStale = errors.New("session: store changed")
)

// TokenBroker asks the shell for the session token.
type TokenBroker interface {
	Acquire(ctx context.Context, timeout time.Duration) (shell.Result, error)
}

// Broadcaster tells the shell the session ended.
type Broadcaster interface {
	Logout(ctx context.Context)
	Redirect(ctx context.Context)
}

// Backend is the part of the banking API the machine drives.
type Backend interface {
	Login(ctx context.Context, email, password string) (*dashsdk.AuthResponse, error)
	Register(ctx context.Context, name, email, password string) (*dashsdk.AuthResponse, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (*dashsdk.Profile, error)
}

// Config wires a Machine. Store, Broker, Broadcaster and Backend are required.
type Config struct {
	Store       store.Store
	Broker      TokenBroker
	Broadcaster Broadcaster
	Backend     Backend
	Notifier    notify.Notifier
	Clock       clock.Clock
	Logger      *slog.Logger

	// AcquireTimeout bounds the startup token request. Default: 5s.
	AcquireTimeout time.Duration
}

// Machine drives the session through its states.
//
// Every transition that was started from an earlier state carries the
// generation it started at and is dropped if another transition happened in
// between, so a slow startup cannot overwrite a logout that raced it.
type Machine struct {
	store       store.Store
	broker      TokenBroker
	broadcaster Broadcaster
	backend     Backend
	notifier    notify.Notifier
	clock       clock.Clock
	logger      *slog.Logger
	timeout     time.Duration

	mu      sync.Mutex
	state   State
	gen     uint64
	subs    map[uint64]chan State
	nextSub uint64
}

// Compile-time interface check.
var _ dashsdk.SessionHook = (*Machine)(nil)

func New(cfg Config) *Machine {
	m := &Machine{
		store:       cfg.Store,
		broker:      cfg.Broker,
		broadcaster: cfg.Broadcaster,
		backend:     cfg.Backend,
		notifier:    cfg.Notifier,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		timeout:     cfg.AcquireTimeout,
		subs:        make(map[uint64]chan State),
	}
	if m.notifier == nil {
		m.notifier = notify.Discard
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.timeout <= 0 {
		m.timeout = DefaultAcquireTimeout
	}
	return m
}

// ============================================================================
// Observation
// ============================================================================

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe streams every state the machine enters, starting with the
// current one. A subscriber that falls behind loses the oldest states, never
// the latest. cancel closes the channel.
func (m *Machine) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan State, subscriberBuffer)
	ch <- m.state
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

const subscriberBuffer = 32

// CachedUser returns the profile persisted by the last successful fetch,
// for display while a fresh one is loading.
func (m *Machine) CachedUser(ctx context.Context) (*dashsdk.User, error) {
	return m.store.LoadUser(ctx)
}

// ============================================================================
// Initialization
// ============================================================================

// Start runs the startup sequence from Uninitialized. It returns nil when
// the machine settles in Authenticated or Unauthenticated; the latter is a
// normal outcome.
func (m *Machine) Start(ctx context.Context) error {
	gen, ok := m.begin(func(s State) bool { return s.Kind == Uninitialized })
	if !ok {
		return ErrInvalidTransition
	}
	return m.initialize(ctx, gen)
}

// Reload retries the startup sequence from Error or Unauthenticated.
func (m *Machine) Reload(ctx context.Context) error {
	gen, ok := m.begin(func(s State) bool {
		return s.Kind == Error || s.Kind == Unauthenticated
	})
	if !ok {
		return ErrInvalidTransition
	}
	return m.initialize(ctx, gen)
}

// begin moves to AcquiringToken if allowed reports true for the current
// state, and returns the generation the startup sequence runs under.
func (m *Machine) begin(allowed func(State) bool) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !allowed(m.state) {
		return 0, false
	}
	m.setLocked(State{Kind: AcquiringToken})
	return m.gen, true
}

func (m *Machine) initialize(ctx context.Context, gen uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session initialization panicked", "panic", r)
			err = fmt.Errorf("%w: %v", ErrUnexpected, r)
			m.fail(ctx, gen, err)
		}
	}()

	cred, epoch, err := m.store.LoadCredential(ctx)
	if err != nil {
		err = fmt.Errorf("failed to read session: %w", err)
		m.fail(ctx, gen, err)
		return err
	}

	if cred.Usable(m.clock.Now()) {
		m.logger.Info("using cached credential")
	} else {
		reason, err := m.acquire(ctx, epoch)
		if errors.Is(err, errStale) {
			reason, err = m.afterStaleWrite(ctx, gen)
		}
		if err != nil {
			if errors.Is(err, errSuperseded) {
				m.logger.Debug("startup superseded by a concurrent session change")
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			m.fail(ctx, gen, err)
			return err
		}
		if reason != "" {
			m.settle(ctx, gen, unauthenticated(reason))
			return nil
		}
	}

	profile, err := m.backend.Me(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		reason := ReasonFetchFailed
		if errors.Is(err, dashsdk.ErrCredentialExpired) {
			reason = ReasonCredentialExpired
		}
		m.logger.Warn("failed to fetch profile", "error", err)
		m.settle(ctx, gen, unauthenticated(reason))
		return nil
	}

	m.commitProfile(ctx, gen, profile, true)
	return nil
}

// afterStaleWrite decides how startup continues when its token write lost to
// another store write. A transition in between drops the sequence. Otherwise
// the writer was a request that shared the same shell exchange, and startup
// carries on with whatever the store now holds.
func (m *Machine) afterStaleWrite(ctx context.Context, gen uint64) (Reason, error) {
	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if !current {
		return "", errSuperseded
	}

	cred, _, err := m.store.LoadCredential(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read session: %w", err)
	}
	if cred.IsZero() {
		return ReasonNoSession, nil
	}
	m.logger.Debug("using credential stored by a concurrent request",
		"token_fp", cryptox.FingerprintToken(cred.Token))
	return "", nil
}

// acquire asks the broker for a token and persists it unless the store was
// written after epoch. A non-empty reason means the sequence ends
// Unauthenticated.
func (m *Machine) acquire(ctx context.Context, epoch uint64) (Reason, error) {
	res, err := m.broker.Acquire(ctx, m.timeout)
	if err != nil {
		return "", fmt.Errorf("failed to acquire token: %w", err)
	}

	switch res.Outcome {
	case shell.Acquired:
		cred := dashsdk.NewCredential(res.Token, time.Time{})
		ok, err := m.store.SaveCredentialIf(ctx, cred, epoch)
		if err != nil {
			return "", fmt.Errorf("failed to persist token: %w", err)
		}
		if !ok {
			return "", errStale
		}
		return "", nil

	case shell.NoSession:
		if err := m.store.Clear(ctx); err != nil {
			m.logger.Warn("failed to clear stale credential", "error", err)
		}
		return ReasonNoSession, nil

	case shell.TimedOut:
		return ReasonTokenTimeout, nil

	case shell.NoParentContext:
		return ReasonNoParentContext, nil

	default:
		return "", fmt.Errorf("unknown broker outcome %d", res.Outcome)
	}
}

// ============================================================================
// Direct entry
// ============================================================================

// Login authenticates with email and password, skipping the shell. On
// failure the state is left as it was.
func (m *Machine) Login(ctx context.Context, email, password string) error {
	resp, err := m.backend.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return m.enter(ctx, resp)
}

// Register creates an account and enters it, skipping the shell. On failure
// the state is left as it was.
func (m *Machine) Register(ctx context.Context, name, email, password string) error {
	resp, err := m.backend.Register(ctx, name, email, password)
	if err != nil {
		return err
	}
	return m.enter(ctx, resp)
}

// enter persists a freshly issued credential and moves to Authenticated.
func (m *Machine) enter(ctx context.Context, resp *dashsdk.AuthResponse) error {
	cred := resp.Credential(m.clock.Now())
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	if err := m.store.SaveUser(ctx, resp.User); err != nil {
		m.logger.Warn("failed to cache profile", "error", err)
	}

	m.mu.Lock()
	m.setLocked(authenticated(&dashsdk.Profile{User: resp.User}))
	gen := m.gen
	m.mu.Unlock()

	profile, err := m.backend.Me(ctx)
	if err != nil {
		if errors.Is(err, dashsdk.ErrCredentialExpired) {
			return err
		}
		m.logger.Warn("failed to fetch accounts after login", "error", err)
		return nil
	}
	m.commitProfile(ctx, gen, profile, false)
	return nil
}

// ============================================================================
// Authenticated operations
// ============================================================================

// RefreshUserData re-fetches the profile and accounts and replaces the
// Authenticated payload. It never changes whether the session is valid.
func (m *Machine) RefreshUserData(ctx context.Context) error {
	gen, ok := m.snapshotAuthenticated()
	if !ok {
		return ErrNotAuthenticated
	}

	profile, err := m.backend.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh user data: %w", err)
	}
	m.commitProfile(ctx, gen, profile, false)
	return nil
}

// UpdateAfterTransaction refreshes balances after a transaction is created,
// changed or removed.
func (m *Machine) UpdateAfterTransaction(ctx context.Context) error {
	m.logger.Debug("refreshing accounts after transaction")
	return m.RefreshUserData(ctx)
}

func (m *Machine) snapshotAuthenticated() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen, m.state.Kind == Authenticated
}

// commitProfile caches p and installs it unless the generation moved past
// gen. With transition set the machine enters Authenticated; otherwise the
// Authenticated payload is swapped in place and the generation is kept. The
// cache write happens under m.mu, ordered against Logout.
func (m *Machine) commitProfile(ctx context.Context, gen uint64, p *dashsdk.Profile, transition bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen || (!transition && m.state.Kind != Authenticated) {
		m.logger.Debug("dropping stale profile")
		return
	}
	if err := m.store.SaveUser(ctx, p.User); err != nil {
		m.logger.Warn("failed to cache profile", "error", err)
	}

	if transition {
		m.setLocked(authenticated(p))
		return
	}
	m.state = authenticated(p)
	m.publishLocked()
}

// Logout ends the session. The backend call is best effort; the store is
// cleared, the machine ends Unauthenticated and the shell is told in every
// case. Only a failure to clear the store is returned.
func (m *Machine) Logout(ctx context.Context) error {
	if err := m.backend.Logout(dashsdk.WithSessionEnding(ctx)); err != nil {
		m.logger.Warn("backend logout failed", "error", err)
	}

	m.mu.Lock()
	m.setLocked(unauthenticated(ReasonLoggedOut))
	m.mu.Unlock()

	clearErr := m.store.Clear(ctx)
	if clearErr != nil {
		m.logger.Error("failed to clear session", "error", clearErr)
	}

	m.logger.Info("logged out")
	m.broadcaster.Logout(context.WithoutCancel(ctx))
	return clearErr
}

// SessionExpired is called by the request pipeline once it has given up on
// the credential and cleared the store.
func (m *Machine) SessionExpired(ctx context.Context, cause error) {
	m.mu.Lock()
	kind := m.state.Kind
	if kind != Authenticated && kind != AcquiringToken {
		m.mu.Unlock()
		return
	}
	m.setLocked(unauthenticated(ReasonCredentialExpired))
	m.mu.Unlock()

	m.logger.Info("session expired", "error", cause)
	m.broadcaster.Redirect(context.WithoutCancel(ctx))
}

// ============================================================================
// Transitions
// ============================================================================

// settle ends a startup sequence in next unless another transition won.
func (m *Machine) settle(ctx context.Context, gen uint64, next State) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.logger.Debug("dropping stale transition", "state", next.String())
		return false
	}
	m.setLocked(next)
	m.mu.Unlock()

	if next.Kind == Unauthenticated && next.Reason != ReasonLoggedOut {
		m.broadcaster.Redirect(context.WithoutCancel(ctx))
	}
	return true
}

// fail ends a startup sequence in Error.
func (m *Machine) fail(ctx context.Context, gen uint64, err error) {
	m.logger.Error("session initialization failed", "error", err)
	if m.settle(ctx, gen, State{Kind: Error, Message: err.Error()}) {
		m.notifier.Notify(ctx, notify.Notification{
			Level:   notify.LevelError,
			Message: dashsdk.ServerErrorMessage,
		})
	}
}

// setLocked installs next, bumps the generation and informs subscribers.
// m.mu must be held.
func (m *Machine) setLocked(next State) {
	prev := m.state
	m.state = next
	m.gen++
	m.publishLocked()

	m.logger.Info("session state changed", "from", prev.String(), "to", next.String())
}

func (m *Machine) publishLocked() {
	for _, ch := range m.subs {
		select {
		case ch <- m.state:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- m.state
		}
	}
}
