// Package ai provides the text-completion port used by the interview engine.
//
// The package's responsibilities are distributed across multiple files:
// - client.go: Completer port, Client struct and constructor (this file)
// - retry.go: Circuit breaker and retry logic
// - anthropic.go: Claude provider
// - gemini.go: Gemini provider
// - json_parser.go: Tolerant JSON parsing for model output
// - prompts.go: Interview, extraction and compaction prompts
package ai

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Request is one text-completion call
type Request struct {
	Operation   string        // Label used in logs and errors (e.g. "next_question")
	Prompt      string        // Full prompt text
	MaxTokens   int           // Output token budget (default: 1024)
	Temperature float64       // Sampling temperature
	Timeout     time.Duration // Per-attempt timeout (0 = client default)
}

// Completer is the typed completion port. Implementations fail with errors
// wrapping types.ErrProvider, and additionally types.ErrTimeout on deadline.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Completion is a raw provider response
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Provider is a single-attempt backend. Retry, timeouts and circuit
// breaking live in Client.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Completion, error)
}

// Provider names accepted by NewProvider
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Config holds client configuration
type Config struct {
	Provider          string      `yaml:"provider"`            // "anthropic" or "gemini"
	APIKey            string      `yaml:"api_key"`             // If empty, read from the provider's env var
	Model             string      `yaml:"model"`               // Provider default if empty
	RequestsPerSecond float64     `yaml:"requests_per_second"` // 0 = unlimited
	Retry             RetryConfig `yaml:"retry"`
}

// DefaultConfig returns the default client configuration
func DefaultConfig() Config {
	return Config{
		Provider:          ProviderAnthropic,
		RequestsPerSecond: 5,
		Retry:             DefaultRetryConfig(),
	}
}

// NewProvider constructs the configured provider
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case ProviderAnthropic, "":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return NewAnthropicProvider(apiKey, cfg.Model)
	case ProviderGemini:
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		return NewGeminiProvider(ctx, apiKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}

// Client wraps a Provider with timeouts, retries, circuit breaking,
// a concurrency limit and a request rate limit.
type Client struct {
	provider       Provider
	retry          RetryConfig
	circuitBreaker *CircuitBreaker
	concurrencySem *semaphore.Weighted // Limits concurrent provider calls
	limiter        *rate.Limiter       // Limits provider request rate
	logger         *zap.Logger
}

var _ Completer = (*Client)(nil)

// NewClient creates a client around provider
func NewClient(provider Provider, cfg Config, logger *zap.Logger) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Use default retry config if not specified
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig()
	}
	if err := retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	logger = logger.With(zap.String("provider", provider.Name()))

	var circuitBreaker *CircuitBreaker
	if retry.CircuitBreakerEnabled {
		circuitBreaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout, logger)
		logger.Debug("circuit breaker initialized",
			zap.Int("failure_threshold", retry.FailureThreshold),
			zap.Int("success_threshold", retry.SuccessThreshold),
			zap.Duration("open_timeout", retry.OpenTimeout))
	}

	var concurrencySem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		provider:       provider,
		retry:          retry,
		circuitBreaker: circuitBreaker,
		concurrencySem: concurrencySem,
		limiter:        limiter,
		logger:         logger,
	}, nil
}

// Complete runs one completion with retry and backoff
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = 1024
	}
	if req.Operation == "" {
		req.Operation = "completion"
	}

	start := time.Now()
	var completion Completion
	err := c.retryWithBackoff(ctx, req.Operation, req.Timeout, func(attemptCtx context.Context) error {
		resp, err := c.provider.Generate(attemptCtx, req)
		if err != nil {
			return err
		}
		completion = resp
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug("ai call completed",
		zap.String("operation", req.Operation),
		zap.Int64("input_tokens", completion.InputTokens),
		zap.Int64("output_tokens", completion.OutputTokens),
		zap.Duration("duration", time.Since(start)))

	return completion.Text, nil
}

// HealthCheck returns an error while the circuit breaker is open
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.circuitBreaker == nil {
		return nil
	}
	state, failures, _ := c.circuitBreaker.GetMetrics()
	if state == CircuitOpen {
		return fmt.Errorf("ai provider %s unavailable: %w (failures=%d, retry in %v)",
			c.provider.Name(), ErrCircuitOpen, failures, c.retry.OpenTimeout)
	}
	return nil
}
