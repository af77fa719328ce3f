package msgx

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Channel = (*MemoryEnd)(nil)

// MemoryEnd is one side of an in-process channel created by Pair.
type MemoryEnd struct {
	origin string
	inbox  *hub
	peer   *MemoryEnd

	mu   sync.Mutex
	sent []Posted
}

// Posted records a message sent through a MemoryEnd, for assertions.
type Posted struct {
	Message Message
	Target  string
}

// Pair returns two connected ends. Messages posted on child arrive at parent
// stamped with childOrigin and vice versa.
func Pair(childOrigin, parentOrigin string) (child, parent *MemoryEnd) {
	child = &MemoryEnd{origin: childOrigin, inbox: newHub()}
	parent = &MemoryEnd{origin: parentOrigin, inbox: newHub()}
	child.peer, parent.peer = parent, child
	return child, parent
}

// Origin returns the origin this end stamps on outbound messages.
func (e *MemoryEnd) Origin() string { return e.origin }

// Post delivers m to the peer when target matches the peer's origin.
func (e *MemoryEnd) Post(ctx context.Context, m Message, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	e.sent = append(e.sent, Posted{Message: m, Target: target})
	e.mu.Unlock()

	if target != Wildcard && target != e.peer.origin {
		return nil
	}
	e.peer.inbox.publish(Envelope{Origin: e.origin, Message: m})
	return nil
}

// Subscribe listens for messages arriving at this end.
func (e *MemoryEnd) Subscribe() *Subscription { return e.inbox.subscribe() }

// Inject delivers m to this end as if it came from origin. Tests use it to
// impersonate senders other than the peer.
func (e *MemoryEnd) Inject(origin string, m Message) int {
	return e.inbox.publish(Envelope{Origin: origin, Message: m})
}

// Sent returns a copy of everything posted from this end.
func (e *MemoryEnd) Sent() []Posted {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Posted, len(e.sent))
	copy(out, e.sent)
	return out
}

// Listeners returns the number of live subscriptions on this end.
func (e *MemoryEnd) Listeners() int { return e.inbox.listeners() }

// Close shuts down this end's subscriptions.
func (e *MemoryEnd) Close() { e.inbox.shutdown() }
