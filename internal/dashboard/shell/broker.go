package shell

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aussiebroadwan/bankdash/pkg/clock"
	"github.com/aussiebroadwan/bankdash/pkg/cryptox"
	"github.com/aussiebroadwan/bankdash/pkg/dashsdk"
	"github.com/aussiebroadwan/bankdash/pkg/idx"
	"github.com/aussiebroadwan/bankdash/pkg/msgx"
	"github.com/aussiebroadwan/bankdash/pkg/originx"
)

// DefaultAcquireTimeout is how long startup waits for the shell to answer.
const DefaultAcquireTimeout = 5 * time.Second

// Outcome is the terminal state of a token acquisition.
type Outcome int

const (
	// Acquired means the shell sent a token.
	Acquired Outcome = iota + 1
	// NoSession means the shell answered that nobody is logged in.
	NoSession
	// TimedOut means no trusted answer arrived before the deadline.
	TimedOut
	// NoParentContext means the process is not embedded.
	NoParentContext
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case NoSession:
		return "no_session"
	case TimedOut:
		return "timed_out"
	case NoParentContext:
		return "no_parent_context"
	default:
		return "unknown"
	}
}

// Result of Acquire. Token is set only for Acquired.
type Result struct {
	Outcome Outcome
	Token   string
}

// Compile-time interface check.
var _ dashsdk.TokenSource = (*Broker)(nil)

// Broker obtains the session token from the shell. At most one exchange is
// in flight; concurrent callers share it.
type Broker struct {
	ch     msgx.Channel
	trust  *originx.TrustSet
	clock  clock.Clock
	logger *slog.Logger

	flight singleflight.Group

	// exchanges counts REQUEST_TOKEN messages sent; waiting counts callers
	// attached to the current exchange.
	exchanges atomic.Int64
	waiting   atomic.Int32
}

func NewBroker(cfg Config) *Broker {
	cfg = cfg.withDefaults()
	return &Broker{
		ch:     cfg.Channel,
		trust:  cfg.Trust,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// Embedded reports whether there is a shell to talk to.
func (b *Broker) Embedded() bool { return b.ch != nil }

// Waiting reports how many callers are attached to the exchange in flight.
func (b *Broker) Waiting() int { return int(b.waiting.Load()) }

// Acquire asks the shell for the session token and waits for the first
// trusted answer or the deadline. A caller joining an exchange already in
// flight shares its deadline. If ctx ends first Acquire returns ctx.Err(),
// while the exchange itself runs on to its own deadline.
func (b *Broker) Acquire(ctx context.Context, timeout time.Duration) (Result, error) {
	if b.ch == nil {
		return Result{Outcome: NoParentContext}, nil
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	ch := b.flight.DoChan("token", func() (any, error) {
		return b.exchange(timeout)
	})
	b.waiting.Add(1)
	defer b.waiting.Add(-1)

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// AcquireToken adapts Acquire to dashsdk.TokenSource.
func (b *Broker) AcquireToken(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := b.Acquire(ctx, timeout)
	if err != nil {
		return "", err
	}
	switch res.Outcome {
	case Acquired:
		return res.Token, nil
	case NoSession:
		return "", nil
	case TimedOut:
		return "", dashsdk.ErrTokenTimeout
	default:
		return "", dashsdk.ErrNoParentContext
	}
}

// exchange runs one REQUEST_TOKEN round trip. The subscription and the
// deadline timer are released on every return path.
func (b *Broker) exchange(timeout time.Duration) (Result, error) {
	requestID := idx.New().String()
	logger := b.logger.With("request_id", requestID)

	sub := b.ch.Subscribe()
	defer sub.Close()

	expired := make(chan struct{})
	timer := b.clock.AfterFunc(timeout, func() { close(expired) })
	defer timer.Stop()

	b.exchanges.Add(1)
	req := msgx.Message{
		Type:      msgx.TypeRequestToken,
		Timestamp: b.clock.Now().UnixMilli(),
		RequestID: requestID,
	}
	if err := b.ch.Post(context.Background(), req, msgx.Wildcard); err != nil {
		return Result{}, fmt.Errorf("failed to send token request: %w", err)
	}
	logger.Debug("token requested from shell", "timeout", timeout)

	for {
		select {
		case <-expired:
			logger.Info("shell did not answer token request in time")
			return Result{Outcome: TimedOut}, nil

		case env, ok := <-sub.C:
			if !ok {
				return Result{}, fmt.Errorf("failed to receive token response: %w", msgx.ErrClosed)
			}
			if res, done := b.resolve(logger, env, requestID); done {
				return res, nil
			}
		}
	}
}

// resolve decides whether env answers the pending request.
func (b *Broker) resolve(logger *slog.Logger, env msgx.Envelope, requestID string) (Result, bool) {
	m := env.Message

	if !b.trust.IsTrusted(env.Origin) {
		logger.Debug("discarding message",
			"origin", env.Origin,
			"type", string(m.Type),
			"error", dashsdk.ErrUntrustedOrigin,
		)
		return Result{}, false
	}
	if !m.IsTokenDelivery() {
		return Result{}, false
	}
	if m.RequestID != "" && m.RequestID != requestID {
		logger.Debug("discarding stale token response", "answered", m.RequestID)
		return Result{}, false
	}

	token := m.TokenValue()
	if token == "" {
		logger.Info("shell reports no session", "origin", env.Origin)
		return Result{Outcome: NoSession}, true
	}

	logger.Info("token received from shell",
		"origin", env.Origin,
		"type", string(m.Type),
		"token_fp", cryptox.FingerprintToken(token),
	)
	return Result{Outcome: Acquired, Token: token}, true
}
