// Package subscription routes freshly computed plot samples into per-plot display slots.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/twinleaf/trendline/internal/metrics"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/plotdata"
)

// ErrAlreadySubscribed is returned when a channel for the plot is still being opened
var ErrAlreadySubscribed = errors.New("plot channel is already being opened")

// Channel is an open push channel delivering PlotData frames for one plot. Frames is
// closed when the channel ends.
type Channel interface {
	Frames() <-chan plotdata.PlotData
	Close() error
}

// Source opens push channels
type Source interface {
	ListenToPlotData(ctx context.Context, plotID string) (Channel, error)
}

// PauseState reports whether a global pause is active
type PauseState interface {
	IsGlobalPaused() bool
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) func(*Manager) {
	return func(m *Manager) {
		m.logger = logger
	}
}

type subscription struct {
	channel Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager keeps exactly one push channel per plot with a non-empty selection and stores
// the latest frame of each in a slot. Frames are dropped while the plot or everything
// is paused.
type Manager struct {
	source Source
	pause  PauseState
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]*subscription
	pending map[string]struct{}
	slots   map[string]plotdata.PlotData
}

// NewManager creates a subscription Manager
func NewManager(source Source, pause PauseState, options ...func(*Manager)) *Manager {
	m := Manager{
		source: source,
		pause:  pause,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		subs:    make(map[string]*subscription),
		pending: make(map[string]struct{}),
		slots:   make(map[string]plotdata.PlotData),
	}

	for _, option := range options {
		option(&m)
	}

	return &m
}

// EnsureSubscribed opens a channel for the plot when it has a selection and none is
// open yet. A plot with an empty selection has its channel closed and slot cleared, so
// the next non-empty selection opens a new channel.
func (m *Manager) EnsureSubscribed(ctx context.Context, p *plot.Config) error {
	if !p.State().HasSelection() {
		return m.Close(p.ID())
	}

	plotID := p.ID()

	m.mu.Lock()
	if _, ok := m.subs[plotID]; ok {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.pending[plotID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, plotID)
	}
	m.pending[plotID] = struct{}{}
	m.mu.Unlock()

	// mu is not held during the dial
	ch, err := m.source.ListenToPlotData(ctx, plotID)

	m.mu.Lock()
	_, wanted := m.pending[plotID]
	delete(m.pending, plotID)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("listening to plot %s: %w", plotID, err)
	}
	if !wanted {
		// Closed while the dial was in flight
		m.mu.Unlock()
		if err = ch.Close(); err != nil {
			m.logger.Debug("closing abandoned channel", slog.String("plot", plotID), slog.Any("error", err))
		}
		return nil
	}
	defer m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.subs[plotID] = sub
	metrics.ActiveSubscriptions.Inc()

	go m.receive(ctx, p, sub)

	m.logger.Debug("subscribed to plot", slog.String("plot", plotID))
	return nil
}

// Subscribed reports whether the plot has an open channel
func (m *Manager) Subscribed(plotID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[plotID]
	return ok
}

// Display returns the latest frame stored for the plot
func (m *Manager) Display(plotID string) plotdata.PlotData {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.slots[plotID]
	if !ok {
		return plotdata.Empty()
	}
	return data
}

// Close closes the plot's channel, if any, and clears its slot
func (m *Manager) Close(plotID string) error {
	m.mu.Lock()
	sub, ok := m.subs[plotID]
	delete(m.subs, plotID)
	delete(m.pending, plotID)
	delete(m.slots, plotID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.stop(plotID, sub)
}

// CloseAll closes every channel
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*subscription)
	clear(m.pending)
	clear(m.slots)
	m.mu.Unlock()

	var errs []error
	for plotID, sub := range subs {
		errs = append(errs, m.stop(plotID, sub))
	}
	return errors.Join(errs...)
}

func (m *Manager) stop(plotID string, sub *subscription) error {
	sub.cancel()
	err := sub.channel.Close()
	<-sub.done

	metrics.ActiveSubscriptions.Dec()
	m.logger.Debug("unsubscribed from plot", slog.String("plot", plotID))

	if err != nil {
		return fmt.Errorf("closing channel of plot %s: %w", plotID, err)
	}
	return nil
}

func (m *Manager) receive(ctx context.Context, p *plot.Config, sub *subscription) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-sub.channel.Frames():
			if !ok {
				m.dropEnded(p.ID(), sub)
				return
			}
			if m.pause.IsGlobalPaused() || p.IsPaused() {
				metrics.Frames.WithLabelValues("paused").Inc()
				continue
			}

			m.mu.Lock()
			if m.subs[p.ID()] == sub {
				m.slots[p.ID()] = frame
			}
			m.mu.Unlock()
			metrics.Frames.WithLabelValues("stored").Inc()
		}
	}
}

// dropEnded forgets a channel that the backend ended, so the next EnsureSubscribed opens
// a new one. The slot keeps its last frame.
func (m *Manager) dropEnded(plotID string, sub *subscription) {
	m.mu.Lock()
	if m.subs[plotID] != sub {
		m.mu.Unlock()
		return
	}
	delete(m.subs, plotID)
	m.mu.Unlock()

	sub.cancel()
	if err := sub.channel.Close(); err != nil {
		m.logger.Debug("closing ended channel", slog.String("plot", plotID), slog.Any("error", err))
	}
	metrics.ActiveSubscriptions.Dec()
	m.logger.Warn("plot channel ended", slog.String("plot", plotID))
}
