package msgx

import "sync"

// subscriberBuffer is how many envelopes a listener may have queued before
// publish waits for it.
const subscriberBuffer = 16

// Subscription is a scoped listener. C is closed once Close returns.
type Subscription struct {
	C <-chan Envelope

	sub *subscriber
	hub *hub
}

// Close deregisters the listener and releases any publisher waiting on it.
// It is safe to call more than once.
func (s *Subscription) Close() {
	if s.hub != nil {
		s.hub.remove(s.sub)
	}
	s.sub.close()
}

// subscriber is the sending side of a Subscription. Senders hold mu for
// reading; close takes it for writing, so ch is never closed under a send.
type subscriber struct {
	id   int
	ch   chan Envelope
	done chan struct{}

	once sync.Once
	mu   sync.RWMutex
}

func newSubscriber(id int) *subscriber {
	return &subscriber{
		id:   id,
		ch:   make(chan Envelope, subscriberBuffer),
		done: make(chan struct{}),
	}
}

// deliver blocks until the listener takes env or goes away.
func (s *subscriber) deliver(env Envelope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- env:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// hub fans inbound envelopes out to the current subscribers.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscriber)}
}

func (h *hub) subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := newSubscriber(h.nextID)
	if h.closed {
		sub.close()
		return &Subscription{C: sub.ch, sub: sub}
	}

	h.nextID++
	h.subs[sub.id] = sub
	return &Subscription{C: sub.ch, sub: sub, hub: h}
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub.id)
}

// publish delivers env to every subscriber, waiting on any whose buffer is
// full until it reads or closes. It reports how many listeners received it.
func (h *hub) publish(env Envelope) int {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if sub.deliver(env) {
			delivered++
		}
	}
	return delivered
}

// shutdown closes every subscription and refuses new ones.
func (h *hub) shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[int]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *hub) listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
