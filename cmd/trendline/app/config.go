package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/workspace"
)

const (
	defaultControlListen  = "127.0.0.1:8700"
	defaultRequestTimeout = 5 * time.Second
	defaultDataDirectory  = "data"
)

type TimeDuration time.Duration

func NewTimeDuration(d time.Duration) TimeDuration {
	return TimeDuration(d)
}

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *TimeDuration) UnmarshalJSON(bytes []byte) error {
	var v string
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}

	duration, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d TimeDuration) Duration() time.Duration {
	return time.Duration(d)
}

func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

// Config represents the main application configuration
type Config struct {
	Settings Settings       `yaml:"settings"`
	Backend  BackendConfig  `yaml:"backend"`
	Control  ControlConfig  `yaml:"control"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Storage  StorageConfig  `yaml:"storage"`
	Display  DisplayConfig  `yaml:"display"`
	Streams  []StreamConfig `yaml:"streams" validate:"dive"`
	Plots    []PlotConfig   `yaml:"plots" validate:"dive"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// Level returns the configured log level, info when unset
func (s Settings) Level() (slog.Level, error) {
	var level slog.Level
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid log level '%s': %w", s.LogLevel, err)
	}
	return level, nil
}

// BackendConfig represents the processing backend connection
type BackendConfig struct {
	URL            string       `yaml:"url" validate:"required,url"`
	RequestTimeout TimeDuration `yaml:"requestTimeout"`
}

// ControlConfig represents the control API settings
type ControlConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// MetricsConfig represents the prometheus endpoint settings. An empty address serves
// metrics on the control API.
type MetricsConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DataDirectory string `yaml:"dataDirectory"`
}

// DisplayConfig represents how plot samples reach the display
type DisplayConfig struct {
	Transport        workspace.Transport `yaml:"transport" validate:"omitempty,oneof=push poll"`
	PollInterval     TimeDuration        `yaml:"pollInterval"`
	RingCapacity     int                 `yaml:"ringCapacity" validate:"gte=0"`
	StatisticsWindow float64             `yaml:"statisticsWindow" validate:"gte=0"`
}

// StreamConfig represents a device stream and its sampling rate
type StreamConfig struct {
	Name         string  `yaml:"name"`
	PortURL      string  `yaml:"portUrl" validate:"required"`
	DeviceRoute  string  `yaml:"deviceRoute"`
	StreamID     uint8   `yaml:"streamId"`
	SamplingRate float64 `yaml:"samplingRate" validate:"gt=0"`
	Columns      int     `yaml:"columns" validate:"gte=0"`
}

// Column returns the id of the i-th column of the stream
func (s StreamConfig) Column(i int) column.ID {
	return column.ID{
		PortURL:     s.PortURL,
		DeviceRoute: s.DeviceRoute,
		StreamID:    s.StreamID,
		ColumnIndex: i,
	}
}

// ColumnConfig represents a single selected column
type ColumnConfig struct {
	PortURL     string `yaml:"portUrl" validate:"required"`
	DeviceRoute string `yaml:"deviceRoute"`
	StreamID    uint8  `yaml:"streamId"`
	Column      int    `yaml:"column" validate:"gte=0"`
}

// ID returns the column id
func (c ColumnConfig) ID() column.ID {
	return column.ID{
		PortURL:     c.PortURL,
		DeviceRoute: c.DeviceRoute,
		StreamID:    c.StreamID,
		ColumnIndex: c.Column,
	}
}

// PlotConfig represents a plot created on startup. Unset settings keep their defaults.
type PlotConfig struct {
	Title                string                 `yaml:"title"`
	Columns              []ColumnConfig         `yaml:"columns" validate:"dive"`
	View                 *plot.ViewType         `yaml:"view"`
	WindowSeconds        *float64               `yaml:"windowSeconds"`
	ResolutionMultiplier *int                   `yaml:"resolutionMultiplier"`
	FFTSeconds           *float64               `yaml:"fftSeconds"`
	DetrendMethod        *plot.DetrendMethod    `yaml:"detrendMethod"`
	DecimationMethod     *plot.DecimationMethod `yaml:"decimationMethod"`
}

// Settings returns the partial plot settings
func (p PlotConfig) Settings() plot.Settings {
	return plot.Settings{
		ViewType:             p.View,
		WindowSeconds:        p.WindowSeconds,
		ResolutionMultiplier: p.ResolutionMultiplier,
		FFTSeconds:           p.FFTSeconds,
		DetrendMethod:        p.DetrendMethod,
		DecimationMethod:     p.DecimationMethod,
	}
}

// Keys returns the selection keys of the plot
func (p PlotConfig) Keys() []string {
	keys := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		keys[i] = c.ID().Key()
	}
	return keys
}

// Rates returns the sampling rates of the configured streams
func (c *Config) Rates() pipeline.StaticRates {
	rates := make(pipeline.StaticRates, len(c.Streams))
	for _, s := range c.Streams {
		rates[s.Column(0).StreamKey()] = s.SamplingRate
	}
	return rates
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return err
	}

	var errs []error
	if _, err := c.Settings.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.Backend.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend request timeout must not be negative: %s given", c.Backend.RequestTimeout))
	}
	if c.Display.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll interval must not be negative: %s given", c.Display.PollInterval))
	}
	for i, p := range c.Plots {
		s := p.Settings()
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("plot %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) setDefaults() {
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = NewTimeDuration(defaultRequestTimeout)
	}
	if c.Control.Listen == "" {
		c.Control.Listen = defaultControlListen
	}
	if c.Storage.DataDirectory == "" {
		c.Storage.DataDirectory = defaultDataDirectory
	}
	if c.Display.Transport == "" {
		c.Display.Transport = workspace.TransportPush
	}
}

// LoadConfig reads, defaults and validates the configuration file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening configuration file: %w", err)
	}
	defer f.Close()

	var config Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err = dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("decoding configuration file: %w", err)
	}

	config.setDefaults()
	if err = config.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &config, nil
}
