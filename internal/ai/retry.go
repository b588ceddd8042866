package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elicit-dev/elicit/internal/types"
)

// RetryConfig holds retry configuration for provider calls
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`       // Total attempts including the first (default: 2)
	InitialBackoff    time.Duration `yaml:"initial_backoff"`    // Initial backoff duration (default: 500ms)
	MaxBackoff        time.Duration `yaml:"max_backoff"`        // Maximum backoff duration (default: 5s)
	BackoffMultiplier float64       `yaml:"backoff_multiplier"` // Backoff multiplier (default: 2.0)
	Timeout           time.Duration `yaml:"timeout"`            // Per-attempt timeout when the request sets none (default: 30s)

	// Circuit breaker settings
	CircuitBreakerEnabled bool          `yaml:"circuit_breaker_enabled"` // Enable circuit breaker (default: true)
	FailureThreshold      int           `yaml:"failure_threshold"`       // Failures before opening circuit (default: 5)
	SuccessThreshold      int           `yaml:"success_threshold"`       // Successes in half-open before closing (default: 2)
	OpenTimeout           time.Duration `yaml:"open_timeout"`            // How long to keep circuit open (default: 30s)

	MaxConcurrentCalls int `yaml:"max_concurrent_calls"` // Maximum concurrent provider calls (default: 8, 0 = unlimited)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:           2,
		InitialBackoff:        500 * time.Millisecond,
		MaxBackoff:            5 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               30 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    8,
	}
}

// Validate checks the retry configuration
func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1 (got %d)", r.MaxAttempts)
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations cannot be negative")
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1 (got %.2f)", r.BackoffMultiplier)
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %v)", r.Timeout)
	}
	if r.CircuitBreakerEnabled && (r.FailureThreshold < 1 || r.SuccessThreshold < 1) {
		return fmt.Errorf("circuit breaker thresholds must be at least 1")
	}
	if r.MaxConcurrentCalls < 0 {
		return fmt.Errorf("max_concurrent_calls cannot be negative (got %d)", r.MaxConcurrentCalls)
	}
	return nil
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker implements the circuit breaker pattern to prevent cascading failures
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	logger           *zap.Logger
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		logger:           logger,
	}
}

// Allow checks if a request should be allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.transitionTo(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.failureCount = 0
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open immediately opens the circuit
		cb.transitionTo(CircuitOpen)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics returns current metrics
func (cb *CircuitBreaker) GetMetrics() (state CircuitState, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failureCount, cb.successCount
}

// transitionTo must be called with the lock held
func (cb *CircuitBreaker) transitionTo(next CircuitState) {
	prev := cb.state
	cb.state = next
	cb.successCount = 0
	cb.logger.Info("circuit breaker state transition",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.Int("failures", cb.failureCount))
}

// retryWithBackoff executes fn with per-attempt timeouts and exponential
// backoff. Exhausted retries are reported as types.ErrProvider, and also
// types.ErrTimeout when the last attempt hit its deadline.
func (c *Client) retryWithBackoff(ctx context.Context, operation string, timeout time.Duration, fn func(context.Context) error) error {
	if c.concurrencySem != nil {
		if err := c.concurrencySem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%s: acquire concurrency slot: %w: %w", operation, types.ErrProvider, err)
		}
		defer c.concurrencySem.Release(1)
	}

	if timeout <= 0 {
		timeout = c.retry.Timeout
	}

	var lastErr error
	backoff := c.retry.InitialBackoff

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if c.circuitBreaker != nil {
			if err := c.circuitBreaker.Allow(); err != nil {
				state, failures, _ := c.circuitBreaker.GetMetrics()
				c.logger.Warn("ai call blocked by circuit breaker",
					zap.String("operation", operation),
					zap.Stringer("state", state),
					zap.Int("failures", failures))
				return fmt.Errorf("%s failed: %w: %w", operation, types.ErrProvider, err)
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s failed: rate limiter: %w: %w", operation, types.ErrProvider, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			if c.circuitBreaker != nil {
				c.circuitBreaker.RecordSuccess()
			}
			if attempt > 1 {
				c.logger.Info("ai call succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempt", attempt))
			}
			return nil
		}

		if timedOut && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		lastErr = err

		// Non-retriable errors (like auth failures) don't count against the breaker
		retriable := isRetriableError(err)
		if c.circuitBreaker != nil && retriable {
			c.circuitBreaker.RecordFailure()
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w: %w", operation, types.ErrProvider, ctx.Err())
		}

		if !retriable {
			c.logger.Warn("ai call failed with non-retriable error",
				zap.String("operation", operation),
				zap.Error(err))
			return classifyFailure(operation, attempt, err)
		}

		if attempt == c.retry.MaxAttempts {
			break
		}

		c.logger.Info("ai call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.retry.MaxAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * c.retry.BackoffMultiplier)
			if backoff > c.retry.MaxBackoff {
				backoff = c.retry.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s failed: context canceled during backoff: %w: %w", operation, types.ErrProvider, ctx.Err())
		}
	}

	return classifyFailure(operation, c.retry.MaxAttempts, lastErr)
}

func classifyFailure(operation string, attempts int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s failed after %d attempts: %w: %w: %w", operation, attempts, types.ErrProvider, types.ErrTimeout, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w: %w", operation, attempts, types.ErrProvider, err)
}

// StatusError carries an HTTP status code reported by a provider
type StatusError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// isRetriableError determines if an error is retriable (transient)
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429, statusErr.StatusCode == 408, statusErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") {
		return true
	}

	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "overloaded") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "network") {
		return true
	}

	// Default to not retrying unknown errors
	return false
}
