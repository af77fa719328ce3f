package shell

import (
	"context"
	"log/slog"

	"github.com/aussiebroadwan/bankdash/pkg/clock"
	"github.com/aussiebroadwan/bankdash/pkg/msgx"
)

// Broadcaster tells the shell that the session ended. Messages go to every
// origin since they carry no secret. Send failures are logged, never
// returned: the local session ends regardless.
type Broadcaster struct {
	ch     msgx.Channel
	clock  clock.Clock
	logger *slog.Logger
}

func NewBroadcaster(cfg Config) *Broadcaster {
	cfg = cfg.withDefaults()
	return &Broadcaster{ch: cfg.Channel, clock: cfg.Clock, logger: cfg.Logger}
}

// Embedded reports whether there is a shell to talk to.
func (b *Broadcaster) Embedded() bool { return b.ch != nil }

// Logout posts AUTH_LOGOUT.
func (b *Broadcaster) Logout(ctx context.Context) {
	b.post(ctx, msgx.TypeAuthLogout)
}

// Redirect posts LOGOUT_REDIRECT, asking the shell to take over navigation.
func (b *Broadcaster) Redirect(ctx context.Context) {
	b.post(ctx, msgx.TypeLogoutRedirect)
}

func (b *Broadcaster) post(ctx context.Context, typ msgx.Type) {
	if b.ch == nil {
		return
	}
	m := msgx.Message{Type: typ, Timestamp: b.clock.Now().UnixMilli()}
	if err := b.ch.Post(context.WithoutCancel(ctx), m, msgx.Wildcard); err != nil {
		b.logger.Warn("failed to notify shell", "type", string(typ), "error", err)
		return
	}
	b.logger.Debug("shell notified", "type", string(typ))
}
