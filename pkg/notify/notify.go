// Package notify carries user-facing notifications (toasts) from background
// components to whatever surface displays them.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a single message for the user. Field is set when the
// message belongs to a specific input field.
type Notification struct {
	Level   Level
	Field   string
	Message string
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(context.Context, Notification) {})

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n at a level matching its severity.
func (l LogNotifier) Notify(ctx context.Context, n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelInfo
	if n.Level == LevelError {
		level = slog.LevelWarn
	}

	attrs := []any{"level_ui", string(n.Level)}
	if n.Field != "" {
		attrs = append(attrs, "field", n.Field)
	}
	logger.Log(ctx, level, n.Message, attrs...)
}

// Recorder keeps every notification in memory. It is safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	seen []Notification
}

// Notify appends n.
func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

// All returns a copy of the recorded notifications in arrival order.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.seen))
	copy(out, r.seen)
	return out
}

// Messages returns just the message texts.
func (r *Recorder) Messages() []string {
	all := r.All()
	out := make([]string, len(all))
	for i, n := range all {
		out[i] = n.Message
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = nil
}

// Multi fans a notification out to several notifiers. Nil entries are skipped.
func Multi(ns ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, n Notification) {
		for _, target := range ns {
			if target != nil {
				target.Notify(ctx, n)
			}
		}
	})
}
