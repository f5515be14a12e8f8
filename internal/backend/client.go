package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gorilla/websocket"

	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/monitor"
	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/plotdata"
	"github.com/twinleaf/trendline/internal/subscription"
)

const defaultRequestTimeout = 10 * time.Second

// StatusError is a non-2xx response of the backend
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend responded %d: %s", e.Code, e.Message)
}

// Unwrap maps well known status codes to package errors
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrInvalidRequest
	default:
		return nil
	}
}

// WithLogger sets the logger of a Client
func WithLogger(logger *slog.Logger) func(*Client) {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for request/response calls
func WithHTTPClient(client *http.Client) func(*Client) {
	return func(c *Client) {
		c.http = client
	}
}

// WithRequestTimeout sets the timeout of request/response calls
func WithRequestTimeout(timeout time.Duration) func(*Client) {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Client talks to a remote Backend over HTTP JSON calls and websocket push channels
type Client struct {
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	timeout time.Duration
	logger  *slog.Logger
}

var _ Backend = (*Client)(nil)

// NewClient creates a Client for the backend at baseURL
func NewClient(baseURL string, options ...func(*Client)) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported backend URL scheme '%s'", u.Scheme)
	}

	c := Client{
		baseURL: u,
		http:    http.DefaultClient,
		dialer:  websocket.DefaultDialer,
		timeout: defaultRequestTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c, nil
}

func (c *Client) CreatePassthroughPipeline(ctx context.Context, source column.ID, windowSeconds float64) (pipeline.ID, error) {
	return c.createPipeline(ctx, "/pipelines/passthrough", PassthroughRequest{Source: source, WindowSeconds: windowSeconds})
}

func (c *Client) CreateFpcsPipeline(ctx context.Context, source column.ID, ratio int, windowSeconds float64) (pipeline.ID, error) {
	return c.createPipeline(ctx, "/pipelines/fpcs", FpcsRequest{Source: source, Ratio: ratio, WindowSeconds: windowSeconds})
}

func (c *Client) CreateDetrendPipeline(ctx context.Context, source column.ID, windowSeconds float64, method plot.DetrendMethod) (pipeline.ID, error) {
	return c.createPipeline(ctx, "/pipelines/detrend", DetrendRequest{Source: source, WindowSeconds: windowSeconds, Method: method})
}

func (c *Client) CreateFFTPipelineFromSource(ctx context.Context, source pipeline.ID) (pipeline.ID, error) {
	return c.createPipeline(ctx, "/pipelines/fft", FFTRequest{SourceID: source})
}

func (c *Client) CreateStatisticsProvider(ctx context.Context, source column.ID, windowSeconds float64) (pipeline.ID, error) {
	return c.createPipeline(ctx, "/statistics", StatisticsRequest{Source: source, WindowSeconds: windowSeconds})
}

func (c *Client) DestroyProcessor(ctx context.Context, id pipeline.ID) error {
	return c.do(ctx, http.MethodDelete, path.Join("/processors", url.PathEscape(id.String())), nil, nil)
}

func (c *Client) ResetStatisticsProvider(ctx context.Context, id pipeline.ID) error {
	return c.do(ctx, http.MethodPost, path.Join("/statistics", url.PathEscape(id.String()), "reset"), nil, nil)
}

func (c *Client) SetPlotPipelines(ctx context.Context, plotID string, ids []pipeline.ID) error {
	if ids == nil {
		ids = []pipeline.ID{}
	}
	return c.do(ctx, http.MethodPost, path.Join("/plots", url.PathEscape(plotID), "pipelines"), PipelinesRequest{IDs: ids}, nil)
}

func (c *Client) PausePlot(ctx context.Context, plotID string, startTime, endTime float64) error {
	return c.do(ctx, http.MethodPost, path.Join("/plots", url.PathEscape(plotID), "pause"), PauseRequest{StartTime: startTime, EndTime: endTime}, nil)
}

func (c *Client) UnpausePlot(ctx context.Context, plotID string) error {
	return c.do(ctx, http.MethodPost, path.Join("/plots", url.PathEscape(plotID), "unpause"), nil, nil)
}

func (c *Client) GetMergedPlotData(ctx context.Context, ids []pipeline.ID) (plotdata.PlotData, error) {
	var data plotdata.PlotData
	if err := c.do(ctx, http.MethodPost, "/merged", PipelinesRequest{IDs: ids}, &data); err != nil {
		return plotdata.PlotData{}, err
	}
	return data, nil
}

func (c *Client) ListenToPlotData(ctx context.Context, plotID string) (subscription.Channel, error) {
	conn, err := c.dial(ctx, path.Join("/plots", url.PathEscape(plotID), "listen"))
	if err != nil {
		return nil, err
	}
	return plotChannel{newWSChannel[plotdata.PlotData](conn, c.logger.With(slog.String("plot", plotID)))}, nil
}

func (c *Client) ListenToStatistics(ctx context.Context, id pipeline.ID) (monitor.Channel, error) {
	conn, err := c.dial(ctx, path.Join("/statistics", url.PathEscape(id.String()), "listen"))
	if err != nil {
		return nil, err
	}
	return statisticsChannel{newWSChannel[monitor.Statistics](conn, c.logger.With(slog.String("provider", id.String())))}, nil
}

func (c *Client) createPipeline(ctx context.Context, p string, body any) (pipeline.ID, error) {
	var resp PipelineResponse
	if err := c.do(ctx, http.MethodPost, p, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) do(ctx context.Context, method, p string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s request: %w", method, p, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(p).String(), body)
	if err != nil {
		return fmt.Errorf("creating %s %s request: %w", method, p, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, p, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		if err = json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %w", method, p, &StatusError{Code: resp.StatusCode, Message: e.Error})
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, p, err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context, p string) (*websocket.Conn, error) {
	u := c.baseURL.JoinPath(p)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			var e errorResponse
			if derr := json.NewDecoder(resp.Body).Decode(&e); derr != nil || e.Error == "" {
				e.Error = http.StatusText(resp.StatusCode)
			}
			return nil, fmt.Errorf("listening on %s: %w", p, &StatusError{Code: resp.StatusCode, Message: e.Error})
		}
		return nil, fmt.Errorf("listening on %s: %w", p, err)
	}
	return conn, nil
}
