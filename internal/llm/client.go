// Package llm is a client for OpenAI-compatible chat completion APIs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AyooB00/Qouantb-sub001/internal/platform/health"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/observability"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/resilience"
)

const serviceName = "openai"

var (
	// ErrEmptyPrompt is returned for a request without messages
	ErrEmptyPrompt = errors.New("invalid argument: empty prompt")

	// ErrNoChoices is returned when the API answers without a completion
	ErrNoChoices = errors.New("completion has no choices")
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one completion.
type ChatRequest struct {
	// System is prepended as the system message when set
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Client calls the chat completions endpoint
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	rateLimiter *resilience.RateLimiter
	retryCfg    resilience.RetryConfig
	cb          *resilience.CircuitBreaker
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	health      *health.Tracker
}

// ClientConfig holds LLM client configuration
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	RateLimitRPM   int
	RateLimitBurst int
	Timeout        time.Duration
	RetryConfig    resilience.RetryConfig
	HTTPClient     *http.Client
	Logger         *observability.Logger
	Metrics        *observability.Metrics
	CircuitBreaker *resilience.CircuitBreaker
}

// NewClient creates a new chat completion client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.RateLimitRPM <= 0 {
		cfg.RateLimitRPM = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    20 * time.Second,
			Jitter:      0.2,
		}
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
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
			OnStateChange: func(from, to resilience.State) {
				if cfg.Metrics != nil {
					cfg.Metrics.SetCircuitBreakerState(context.Background(), serviceName, int64(to))
				}
			},
		})
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		rateLimiter: resilience.NewRateLimiterFromRPM(cfg.RateLimitRPM, cfg.RateLimitBurst),
		retryCfg:    cfg.RetryConfig,
		cb:          cb,
		logger:      cfg.Logger.Component(serviceName),
		metrics:     cfg.Metrics,
		tracer:      otel.Tracer("github.com/AyooB00/Qouantb-sub001/internal/llm"),
		health:      health.NewTracker(serviceName),
	}, nil
}

// Model returns the configured model name
func (c *Client) Model() string {
	return c.model
}

// Complete returns the assistant's reply to req
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)
	if len(req.Messages) == 0 {
		return "", ErrEmptyPrompt
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	return resilience.ExecuteWithResult(c.cb, ctx, func(ctx context.Context) (string, error) {
		return resilience.RetryIfWithResult(ctx, c.retryCfg, resilience.IsRetryable, func(ctx context.Context) (string, error) {
			if err := c.rateLimiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limiter error: %w", err)
			}

			start := time.Now()
			content, err := c.send(ctx, body)
			duration := time.Since(start)

			c.health.Record(err, duration)
			if c.metrics != nil {
				status := "success"
				if err != nil {
					status = "error"
				}
				c.metrics.RecordUpstreamCall(ctx, serviceName, "chat/completions", status, duration)
			}

			return content, err
		})
	})
}

func (c *Client) send(ctx context.Context, body []byte) (content string, err error) {
	ctx, span := observability.StartSpanWithAttributes(ctx, c.tracer, "openai.chat", map[string]string{
		"model": c.model,
	})
	defer func() { observability.EndSpanWithError(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return "", &resilience.RateLimitError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			RetryAfter: time.Duration(retryAfter) * time.Second,
		}
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("openai: unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrNoChoices
	}

	c.logger.LogDebug(ctx, "completion received",
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"finish_reason", out.Choices[0].FinishReason,
	)

	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// Health returns the current health status of the LLM client.
func (c *Client) Health() health.ProviderHealth {
	return c.health.Snapshot(c.cb.Snapshot().State)
}
