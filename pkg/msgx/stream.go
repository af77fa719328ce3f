package msgx

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Compile-time interface check.
var _ Channel = (*StreamChannel)(nil)

// maxFrameSize bounds a single newline-delimited frame.
const maxFrameSize = 64 * 1024

// frame is the wire form of a message on a stream: one JSON object per line.
type frame struct {
	Origin string  `json:"origin,omitempty"`
	Target string  `json:"target,omitempty"`
	Data   Message `json:"data"`
}

// StreamChannel speaks the shell protocol over a byte stream, typically the
// stdin/stdout pair inherited from the shell process that launched the
// dashboard. Inbound frames are attributed to the origin they declare; frames
// without one arrive with an empty, and therefore untrusted, origin.
type StreamChannel struct {
	origin string
	r      io.Reader
	logger *slog.Logger

	wmu sync.Mutex
	enc *json.Encoder

	inbox *hub
	done  chan struct{}
}

// NewStreamChannel wraps r and w. origin is stamped on outbound frames so the
// parent can apply its own trust rules. Call Run to start reading.
func NewStreamChannel(r io.Reader, w io.Writer, origin string, logger *slog.Logger) *StreamChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamChannel{
		origin: origin,
		r:      r,
		logger: logger,
		enc:    json.NewEncoder(w),
		inbox:  newHub(),
		done:   make(chan struct{}),
	}
}

// Run reads frames until the stream ends or ctx is cancelled, then closes all
// subscriptions. Malformed frames are logged and skipped.
func (c *StreamChannel) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.inbox.shutdown()

	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.r)
		scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("failed to read message stream: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			var f frame
			if err := json.Unmarshal(line, &f); err != nil {
				c.logger.Warn("discarding malformed frame", "error", err)
				continue
			}
			c.inbox.publish(Envelope{Origin: f.Origin, Message: f.Data})
		}
	}
}

// Done is closed once Run has returned.
func (c *StreamChannel) Done() <-chan struct{} { return c.done }

// Post writes m as a single frame.
func (c *StreamChannel) Post(ctx context.Context, m Message, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(frame{Origin: c.origin, Target: target, Data: m}); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Subscribe listens for inbound frames.
func (c *StreamChannel) Subscribe() *Subscription { return c.inbox.subscribe() }
