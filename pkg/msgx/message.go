// Package msgx implements the postable-message channel between the dashboard
// and the shell that embeds it.
//
// Every inbound message is delivered together with the origin its channel
// attributed it to. Receivers decide trust from that origin; senders address
// messages to a target origin, usually Wildcard, because nothing the
// dashboard sends to its parent is secret.
package msgx

import (
	"context"
	"errors"
)

// Type identifies a message in the shell protocol.
type Type string

const (
	// TypeRequestToken asks the parent for the current session token.
	TypeRequestToken Type = "REQUEST_TOKEN"
	// TypeTokenResponse answers a TypeRequestToken. A null token means the
	// parent has no session.
	TypeTokenResponse Type = "TOKEN_RESPONSE"
	// TypeAuthToken is the push-style alias of TypeTokenResponse.
	TypeAuthToken Type = "AUTH_TOKEN"
	// TypeAuthLogout tells the parent the session ended here.
	TypeAuthLogout Type = "AUTH_LOGOUT"
	// TypeLogoutRedirect asks the parent to take over navigation because
	// the dashboard found itself unauthenticated.
	TypeLogoutRedirect Type = "LOGOUT_REDIRECT"
)

// Wildcard addresses a message to the parent whatever its origin.
const Wildcard = "*"

// ErrClosed is returned by Post on a closed channel.
var ErrClosed = errors.New("msgx: channel closed")

// Message is the JSON payload exchanged with the parent.
type Message struct {
	Type Type `json:"type"`

	// Token is set on TOKEN_RESPONSE/AUTH_TOKEN. Nil encodes as null, which
	// the parent uses to say "no session".
	Token *string `json:"token"`

	// Timestamp is milliseconds since the Unix epoch at send time.
	Timestamp int64 `json:"timestamp,omitempty"`

	// RequestID correlates a TOKEN_RESPONSE with the REQUEST_TOKEN it
	// answers. Parents may omit it.
	RequestID string `json:"request_id,omitempty"`
}

// IsTokenDelivery reports whether m carries a token answer.
func (m Message) IsTokenDelivery() bool {
	return m.Type == TypeTokenResponse || m.Type == TypeAuthToken
}

// TokenValue returns the carried token, or "" for null.
func (m Message) TokenValue() string {
	if m.Token == nil {
		return ""
	}
	return *m.Token
}

// Envelope is an inbound message plus the origin of its sender.
type Envelope struct {
	Origin  string
	Message Message
}

// Channel is one end of a cross-context message link.
type Channel interface {
	// Post sends m to the peer. The peer only receives it if target is
	// Wildcard or equals the peer's origin.
	Post(ctx context.Context, m Message, target string) error

	// Subscribe registers a listener for inbound messages. The caller
	// must Close the subscription; after Close no further envelopes are
	// delivered.
	Subscribe() *Subscription
}

// StringPtr is a small helper for building token messages.
func StringPtr(s string) *string { return &s }
