// Package shell talks to the parent shell that embeds the dashboard: it
// brokers the session token and broadcasts session endings.
package shell

import (
	"log/slog"

	"github.com/aussiebroadwan/bankdash/pkg/clock"
	"github.com/aussiebroadwan/bankdash/pkg/msgx"
	"github.com/aussiebroadwan/bankdash/pkg/originx"
)

// Config is shared by Broker and Broadcaster. A nil Channel means the
// process is not embedded.
type Config struct {
	Channel msgx.Channel
	Trust   *originx.TrustSet
	Clock   clock.Clock
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Trust == nil {
		c.Trust = originx.Default()
	}
	return c
}
