// Package monitor watches live per-column statistics computed by the backend.
package monitor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/notify"
	"github.com/twinleaf/trendline/internal/pipeline"
)

const defaultWindowSeconds = 10.0

// ErrNotWatched is returned for columns without a statistics provider
var ErrNotWatched = errors.New("column not watched")

// Channel delivers statistics updates. Updates is closed when the channel ends.
type Channel interface {
	Updates() <-chan Statistics
	Close() error
}

// Client is the backend surface of statistics providers
type Client interface {
	CreateStatisticsProvider(ctx context.Context, source column.ID, windowSeconds float64) (pipeline.ID, error)
	ListenToStatistics(ctx context.Context, id pipeline.ID) (Channel, error)
	ResetStatisticsProvider(ctx context.Context, id pipeline.ID) error
	DestroyProcessor(ctx context.Context, id pipeline.ID) error
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) func(*StreamMonitor) {
	return func(m *StreamMonitor) {
		m.logger = logger
	}
}

// WithNotifier sets the notifier for backend failures
func WithNotifier(n notify.Notifier) func(*StreamMonitor) {
	return func(m *StreamMonitor) {
		m.notifier = n
	}
}

// WithWindow sets the window of the statistics providers in seconds
func WithWindow(seconds float64) func(*StreamMonitor) {
	return func(m *StreamMonitor) {
		if seconds > 0 {
			m.windowSeconds = seconds
		}
	}
}

type watch struct {
	column     column.ID
	providerID pipeline.ID
	channel    Channel
	cancel     context.CancelFunc
	done       chan struct{}

	mu     sync.Mutex
	latest *Statistics
}

// StreamMonitor keeps one statistics provider per watched column and the latest
// update it delivered.
type StreamMonitor struct {
	client        Client
	windowSeconds float64
	notifier      notify.Notifier
	logger        *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

// New creates a StreamMonitor
func New(client Client, options ...func(*StreamMonitor)) *StreamMonitor {
	m := StreamMonitor{
		client:        client,
		windowSeconds: defaultWindowSeconds,
		notifier:      notify.Discard(),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		watches:       make(map[string]*watch),
	}

	for _, option := range options {
		option(&m)
	}

	return &m
}

// Watch creates a statistics provider for the column and starts listening to it.
// Watching a watched column does nothing.
func (m *StreamMonitor) Watch(ctx context.Context, id column.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := id.Key()
	if _, ok := m.watches[key]; ok {
		return nil
	}

	providerID, err := m.client.CreateStatisticsProvider(ctx, id, m.windowSeconds)
	if err != nil {
		notify.Warn(m.notifier, "Statistics unavailable", fmt.Sprintf("Could not watch %s.", id))
		return fmt.Errorf("creating statistics provider for %s: %w", id, err)
	}

	ch, err := m.client.ListenToStatistics(ctx, providerID)
	if err != nil {
		if derr := m.client.DestroyProcessor(ctx, providerID); derr != nil {
			err = errors.Join(err, derr)
		}
		notify.Warn(m.notifier, "Statistics unavailable", fmt.Sprintf("Could not watch %s.", id))
		return fmt.Errorf("listening to statistics of %s: %w", id, err)
	}

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &watch{
		column:     id,
		providerID: providerID,
		channel:    ch,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	m.watches[key] = w

	go w.receive(listenCtx)

	m.logger.Debug("watching column", slog.String("column", id.String()), slog.String("provider", providerID.String()))
	return nil
}

// Unwatch stops listening and destroys the provider of the column
func (m *StreamMonitor) Unwatch(ctx context.Context, id column.ID) error {
	m.mu.Lock()
	w, ok := m.watches[id.Key()]
	delete(m.watches, id.Key())
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.stop(ctx, w)
}

// Reset clears the accumulated statistics of the column's provider
func (m *StreamMonitor) Reset(ctx context.Context, id column.ID) error {
	m.mu.Lock()
	w, ok := m.watches[id.Key()]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatched, id)
	}
	if err := m.client.ResetStatisticsProvider(ctx, w.providerID); err != nil {
		return fmt.Errorf("resetting statistics of %s: %w", id, err)
	}

	w.mu.Lock()
	w.latest = nil
	w.mu.Unlock()
	return nil
}

// Latest returns the last statistics update of the column
func (m *StreamMonitor) Latest(id column.ID) (Statistics, bool) {
	m.mu.Lock()
	w, ok := m.watches[id.Key()]
	m.mu.Unlock()

	if !ok {
		return Statistics{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.latest == nil {
		return Statistics{}, false
	}
	return *w.latest, true
}

// Watched returns the watched columns ordered by key
func (m *StreamMonitor) Watched() []column.ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]column.ID, 0, len(m.watches))
	for _, w := range m.watches {
		ids = append(ids, w.column)
	}
	slices.SortFunc(ids, func(a, b column.ID) int {
		return cmp.Compare(a.Key(), b.Key())
	})
	return ids
}

// Close unwatches every column
func (m *StreamMonitor) Close(ctx context.Context) error {
	m.mu.Lock()
	watches := m.watches
	m.watches = make(map[string]*watch)
	m.mu.Unlock()

	var errs []error
	for _, w := range watches {
		errs = append(errs, m.stop(ctx, w))
	}
	return errors.Join(errs...)
}

func (m *StreamMonitor) stop(ctx context.Context, w *watch) error {
	w.cancel()
	errClose := w.channel.Close()
	<-w.done

	var errDestroy error
	if err := m.client.DestroyProcessor(ctx, w.providerID); err != nil {
		errDestroy = fmt.Errorf("destroying statistics provider %s: %w", w.providerID, err)
	}
	return errors.Join(errClose, errDestroy)
}

func (w *watch) receive(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-w.channel.Updates():
			if !ok {
				return
			}
			w.mu.Lock()
			w.latest = &s
			w.mu.Unlock()
		}
	}
}
