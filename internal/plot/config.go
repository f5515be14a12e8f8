package plot

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

const (
	ViewTimeseries ViewType = "timeseries"
	ViewFFT        ViewType = "fft"

	DetrendNone      DetrendMethod = "None"
	DetrendLinear    DetrendMethod = "Linear"
	DetrendQuadratic DetrendMethod = "Quadratic"

	DecimationNone DecimationMethod = "None"
	DecimationFpcs DecimationMethod = "Fpcs"

	DefaultTitle                = "New Plot"
	DefaultWindowSeconds        = 30.0
	DefaultResolutionMultiplier = 100
	DefaultFFTSeconds           = 10.0
	DefaultFFTYAxisDecades      = 4
)

var (
	validViewTypes = map[ViewType]struct{}{
		ViewTimeseries: {},
		ViewFFT:        {},
	}

	validDetrendMethods = map[DetrendMethod]struct{}{
		DetrendNone:      {},
		DetrendLinear:    {},
		DetrendQuadratic: {},
	}

	validDecimationMethods = map[DecimationMethod]struct{}{
		DecimationNone: {},
		DecimationFpcs: {},
	}

	// ErrInvalidSettings is returned when plot settings fail validation
	ErrInvalidSettings = errors.New("invalid plot settings")
)

type ViewType string

func (v ViewType) String() string {
	return string(v)
}

type DetrendMethod string

func (d DetrendMethod) String() string {
	return string(d)
}

type DecimationMethod string

func (d DecimationMethod) String() string {
	return string(d)
}

// State is an immutable copy of a plot configuration at a point in time. The
// reconciler, the subscription manager and the snapshot controller only ever work on
// States, never on the live Config.
type State struct {
	ID                   string           `json:"id"`
	Title                string           `json:"title"`
	Selection            []string         `json:"selection"` // raw selection keys, sorted
	ViewType             ViewType         `json:"viewType"`
	WindowSeconds        float64          `json:"windowSeconds"`
	ResolutionMultiplier int              `json:"resolutionMultiplier"`
	FFTSeconds           float64          `json:"fftSeconds"`
	FFTYAxisDecades      int              `json:"fftYAxisDecades"`
	DetrendMethod        DetrendMethod    `json:"detrendMethod"`
	DecimationMethod     DecimationMethod `json:"decimationMethod"`
	DecimationManual     bool             `json:"decimationManual"`
	IsPaused             bool             `json:"isPaused"`
}

// HasSelection reports whether at least one key is selected
func (s State) HasSelection() bool {
	return len(s.Selection) > 0
}

// Settings is a partial update of a plot configuration. Nil fields are left unchanged.
type Settings struct {
	Title                *string           `json:"title,omitempty"`
	ViewType             *ViewType         `json:"viewType,omitempty"`
	WindowSeconds        *float64          `json:"windowSeconds,omitempty"`
	ResolutionMultiplier *int              `json:"resolutionMultiplier,omitempty"`
	FFTSeconds           *float64          `json:"fftSeconds,omitempty"`
	FFTYAxisDecades      *int              `json:"fftYAxisDecades,omitempty"`
	DetrendMethod        *DetrendMethod    `json:"detrendMethod,omitempty"`
	DecimationMethod     *DecimationMethod `json:"decimationMethod,omitempty"`
}

// Validate checks every non-nil field
func (s *Settings) Validate() error {
	if s.ViewType != nil {
		if _, ok := validViewTypes[*s.ViewType]; !ok {
			return fmt.Errorf("%w: unknown view type '%s'", ErrInvalidSettings, *s.ViewType)
		}
	}
	if s.WindowSeconds != nil && *s.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window must be positive: %f given", ErrInvalidSettings, *s.WindowSeconds)
	}
	if s.ResolutionMultiplier != nil && *s.ResolutionMultiplier <= 0 {
		return fmt.Errorf("%w: resolution multiplier must be positive: %d given", ErrInvalidSettings, *s.ResolutionMultiplier)
	}
	if s.FFTSeconds != nil && *s.FFTSeconds <= 0 {
		return fmt.Errorf("%w: FFT window must be positive: %f given", ErrInvalidSettings, *s.FFTSeconds)
	}
	if s.FFTYAxisDecades != nil && *s.FFTYAxisDecades <= 0 {
		return fmt.Errorf("%w: FFT decades must be positive: %d given", ErrInvalidSettings, *s.FFTYAxisDecades)
	}
	if s.DetrendMethod != nil {
		if _, ok := validDetrendMethods[*s.DetrendMethod]; !ok {
			return fmt.Errorf("%w: unknown detrend method '%s'", ErrInvalidSettings, *s.DetrendMethod)
		}
	}
	if s.DecimationMethod != nil {
		if _, ok := validDecimationMethods[*s.DecimationMethod]; !ok {
			return fmt.Errorf("%w: unknown decimation method '%s'", ErrInvalidSettings, *s.DecimationMethod)
		}
	}
	return nil
}

// Config is the live, mutable configuration of one chart. It is safe for concurrent use.
type Config struct {
	id string

	mu                   sync.RWMutex
	title                string
	selection            map[string]struct{}
	viewType             ViewType
	windowSeconds        float64
	resolutionMultiplier int
	fftSeconds           float64
	fftYAxisDecades      int
	detrendMethod        DetrendMethod
	decimationMethod     DecimationMethod
	isDecimationManual   bool
	isPaused             bool
}

// NewConfig creates a plot with a random id, default settings and the given selection
func NewConfig(title string, selection ...string) *Config {
	c := Config{
		id:                   uuid.NewString(),
		title:                title,
		selection:            make(map[string]struct{}, len(selection)),
		viewType:             ViewTimeseries,
		windowSeconds:        DefaultWindowSeconds,
		resolutionMultiplier: DefaultResolutionMultiplier,
		fftSeconds:           DefaultFFTSeconds,
		fftYAxisDecades:      DefaultFFTYAxisDecades,
		detrendMethod:        DetrendNone,
		decimationMethod:     DecimationFpcs,
	}
	for _, key := range selection {
		c.selection[key] = struct{}{}
	}
	return &c
}

func (c *Config) ID() string {
	return c.id
}

// State returns an immutable copy of the configuration
func (c *Config) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	selection := make([]string, 0, len(c.selection))
	for key := range c.selection {
		selection = append(selection, key)
	}
	slices.Sort(selection)

	return State{
		ID:                   c.id,
		Title:                c.title,
		Selection:            selection,
		ViewType:             c.viewType,
		WindowSeconds:        c.windowSeconds,
		ResolutionMultiplier: c.resolutionMultiplier,
		FFTSeconds:           c.fftSeconds,
		FFTYAxisDecades:      c.fftYAxisDecades,
		DetrendMethod:        c.detrendMethod,
		DecimationMethod:     c.decimationMethod,
		DecimationManual:     c.isDecimationManual,
		IsPaused:             c.isPaused,
	}
}

// Select adds keys to the selection
func (c *Config) Select(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.selection[key] = struct{}{}
	}
}

// Deselect removes keys from the selection
func (c *Config) Deselect(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.selection, key)
	}
}

// SetSelection replaces the whole selection
func (c *Config) SetSelection(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selection = make(map[string]struct{}, len(keys))
	for _, key := range keys {
		c.selection[key] = struct{}{}
	}
}

// Apply validates and applies a partial settings update. An explicitly set decimation
// method overrides the default from then on.
func (c *Config) Apply(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Title != nil {
		c.title = *s.Title
	}
	if s.ViewType != nil {
		c.viewType = *s.ViewType
	}
	if s.WindowSeconds != nil {
		c.windowSeconds = *s.WindowSeconds
	}
	if s.ResolutionMultiplier != nil {
		c.resolutionMultiplier = *s.ResolutionMultiplier
	}
	if s.FFTSeconds != nil {
		c.fftSeconds = *s.FFTSeconds
	}
	if s.FFTYAxisDecades != nil {
		c.fftYAxisDecades = *s.FFTYAxisDecades
	}
	if s.DetrendMethod != nil {
		c.detrendMethod = *s.DetrendMethod
	}
	if s.DecimationMethod != nil {
		c.decimationMethod = *s.DecimationMethod
		c.isDecimationManual = true
	}
	return nil
}

// SetPaused sets the paused flag
func (c *Config) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isPaused = paused
}

// IsPaused returns the paused flag
func (c *Config) IsPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isPaused
}
