package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Level is the severity of a user-visible notification
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a single user-visible message
type Notification struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notifier surfaces non-fatal conditions to the operator
type Notifier interface {
	Notify(n Notification)
}

// Warn is a shorthand for a warning notification
func Warn(n Notifier, title, message string) {
	n.Notify(Notification{Level: LevelWarning, Title: title, Message: message})
}

// Error is a shorthand for an error notification
func Error(n Notifier, title, message string) {
	n.Notify(Notification{Level: LevelError, Title: title, Message: message})
}

// Info is a shorthand for an info notification
func Info(n Notifier, title, message string) {
	n.Notify(Notification{Level: LevelInfo, Title: title, Message: message})
}

// Discard returns a notifier that drops everything
func Discard() Notifier {
	return LoggerNotifier{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// LoggerNotifier writes notifications to a structured logger
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier creates a notifier backed by logger
func NewLoggerNotifier(logger *slog.Logger) LoggerNotifier {
	return LoggerNotifier{logger: logger.With(slog.String("component", "notify"))}
}

func (l LoggerNotifier) Notify(n Notification) {
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, n.Message, slog.String("title", n.Title))
}

// Recorder keeps the most recent notifications in memory. It is used by the control
// API to show notifications and by tests to assert on them.
type Recorder struct {
	limit int
	next  Notifier

	mu    sync.Mutex
	items []Notification
}

// NewRecorder creates a Recorder that keeps up to limit notifications and forwards
// each of them to next, when next is not nil.
func NewRecorder(limit int, next Notifier) *Recorder {
	if limit <= 0 {
		limit = 100
	}
	return &Recorder{limit: limit, next: next}
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	if len(r.items) > r.limit {
		r.items = r.items[len(r.items)-r.limit:]
	}
	r.mu.Unlock()

	if r.next != nil {
		r.next.Notify(n)
	}
}

// All returns a copy of the recorded notifications, oldest first
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Count returns how many notifications of the given level were recorded
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for _, item := range r.items {
		if item.Level == level {
			n++
		}
	}
	return n
}
