// Package finnhub is a client for the Finnhub market-data API.
//
// The client never retries on its own. Quota rejections surface as
// *resilience.RateLimitError so the request governor can back off and retry.
package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AyooB00/Qouantb-sub001/internal/platform/health"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/observability"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/resilience"
)

const serviceName = "finnhub"

var (
	// ErrSymbolNotFound is returned when Finnhub has no data for a symbol
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrInvalidResolution is returned for an unsupported candle resolution
	ErrInvalidResolution = errors.New("invalid argument: unsupported candle resolution")
)

var validResolutions = map[string]bool{
	"1": true, "5": true, "15": true, "30": true, "60": true,
	"D": true, "W": true, "M": true,
}

// Client fetches quotes, profiles and candles from Finnhub
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	cb         *resilience.CircuitBreaker
	health     *health.Tracker
}

// ClientConfig holds Finnhub client configuration
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Logger         *observability.Logger
	Metrics        *observability.Metrics
	CircuitBreaker *resilience.CircuitBreaker
}

// NewClient creates a new Finnhub client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("finnhub API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://finnhub.io/api/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	cb := cfg.CircuitBreaker
	if cb == nil {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             serviceName,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			OnStateChange: func(from, to resilience.State) {
				cfg.Logger.LogWarn(context.Background(), "finnhub circuit breaker state changed",
					"from", from.String(), "to", to.String())
				if cfg.Metrics != nil {
					cfg.Metrics.SetCircuitBreakerState(context.Background(), serviceName, int64(to))
				}
			},
		})
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		logger:     cfg.Logger.Component(serviceName),
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("github.com/AyooB00/Qouantb-sub001/internal/finnhub"),
		cb:         cb,
		health:     health.NewTracker(serviceName),
	}, nil
}

// Quote fetches the latest quote for symbol
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	var q Quote
	if err := c.get(ctx, "quote", url.Values{"symbol": {symbol}}, &q); err != nil {
		return nil, fmt.Errorf("fetch quote %s: %w", symbol, err)
	}

	// Unknown symbols come back as an all-zero quote.
	if q.Current.IsZero() && q.Timestamp == 0 {
		return nil, fmt.Errorf("fetch quote %s: %w", symbol, ErrSymbolNotFound)
	}

	q.Symbol = symbol
	return &q, nil
}

// Profile fetches the company profile for symbol
func (c *Client) Profile(ctx context.Context, symbol string) (*Profile, error) {
	var p Profile
	if err := c.get(ctx, "stock/profile2", url.Values{"symbol": {symbol}}, &p); err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", symbol, err)
	}

	// Unknown symbols come back as an empty object.
	if p.Name == "" && p.Symbol == "" {
		return nil, fmt.Errorf("fetch profile %s: %w", symbol, ErrSymbolNotFound)
	}

	if p.Symbol == "" {
		p.Symbol = symbol
	}
	return &p, nil
}

// Candles fetches OHLCV bars for symbol between from and to
func (c *Client) Candles(ctx context.Context, symbol, resolution string, from, to time.Time) (*Candles, error) {
	if !validResolutions[resolution] {
		return nil, fmt.Errorf("fetch candles %s: %w: %q", symbol, ErrInvalidResolution, resolution)
	}

	params := url.Values{
		"symbol":     {symbol},
		"resolution": {resolution},
		"from":       {strconv.FormatInt(from.Unix(), 10)},
		"to":         {strconv.FormatInt(to.Unix(), 10)},
	}

	var candles Candles
	if err := c.get(ctx, "stock/candle", params, &candles); err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", symbol, err)
	}
	if candles.Status == "no_data" {
		return nil, fmt.Errorf("fetch candles %s: %w", symbol, ErrSymbolNotFound)
	}

	candles.Symbol = symbol
	candles.Resolution = resolution
	return &candles, nil
}

// get performs one GET through the circuit breaker and decodes the JSON body into out
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.cb.Execute(ctx, func(ctx context.Context) (err error) {
		ctx, span := observability.StartSpanWithAttributes(ctx, c.tracer, "finnhub."+endpoint, map[string]string{
			"symbol": params.Get("symbol"),
		})
		defer func() { observability.EndSpanWithError(span, err) }()

		start := time.Now()
		err = c.fetch(ctx, endpoint, params, out)
		duration := time.Since(start)

		c.health.Record(err, duration)
		if c.metrics != nil {
			c.metrics.RecordUpstreamCall(ctx, serviceName, endpoint, callStatus(err), duration)
		}

		c.logger.LogDebug(ctx, "finnhub request",
			"endpoint", endpoint,
			"symbol", params.Get("symbol"),
			"duration_ms", duration.Milliseconds(),
			"ok", err == nil,
		)

		return err
	})
}

func (c *Client) fetch(ctx context.Context, endpoint string, params url.Values, out any) error {
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("token", c.apiKey)

	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	observability.AddSpanAttributes(ctx, map[string]string{
		"http.status_code": strconv.Itoa(resp.StatusCode),
	})

	if resp.StatusCode == http.StatusTooManyRequests {
		rlErr := &resilience.RateLimitError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if msg := strings.TrimSpace(string(body)); msg != "" {
			rlErr.Err = errors.New(msg)
		}
		return rlErr
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// Health returns the current health status of the Finnhub client.
func (c *Client) Health() health.ProviderHealth {
	return c.health.Snapshot(c.cb.Snapshot().State)
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case resilience.IsRateLimited(err):
		return "rate_limited"
	default:
		return "error"
	}
}

// parseRetryAfter reads a Retry-After header given in seconds
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
