package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures the retry engine's backoff loop.
type RetryConfig struct {
	// MaxAttempts bounds total invocations, not re-invocations
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`

	// BaseDelay is the first backoff delay
	BaseDelay time.Duration `json:"baseDelay" yaml:"baseDelay"`

	// MaxDelay caps any single backoff delay
	MaxDelay time.Duration `json:"maxDelay" yaml:"maxDelay"`

	// BackoffMultiplier grows the delay between attempts
	BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`

	// JitterEnabled spreads delays by up to ±50%
	JitterEnabled bool `json:"jitterEnabled" yaml:"jitterEnabled"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
	}
}

// Engine runs operations under classified, bounded retries. All failures
// flow through one Classifier so diagnostics aggregate across callers.
type Engine struct {
	cfg        RetryConfig
	classifier *Classifier

	// onRecovery is invoked when an operation succeeds after failing.
	// Used by callers that want recovery noted somewhere visible.
	onRecovery func(operation string, attempt int)
}

// NewEngine creates a retry engine sharing the given classifier.
// A nil classifier gets a private one.
func NewEngine(cfg RetryConfig, classifier *Classifier) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &Engine{cfg: cfg, classifier: classifier}
}

// OnRecovery registers a callback fired when an operation succeeds on a
// retry attempt.
func (e *Engine) OnRecovery(fn func(operation string, attempt int)) {
	e.onRecovery = fn
}

// Classifier returns the engine's classifier.
func (e *Engine) Classifier() *Classifier { return e.classifier }

// ExecuteWithRetry runs op until it succeeds, the failure is not retryable,
// or MaxAttempts is exhausted. Every failure is classified and recorded;
// the last classified error is returned after exhaustion.
func ExecuteWithRetry[T any](ctx context.Context, e *Engine, operation string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var last *Classified

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			if attempt > 1 && e.onRecovery != nil {
				e.onRecovery(operation, attempt)
			}
			return value, nil
		}

		last = e.classifier.Record(err, operation)
		if !last.Retryable || attempt == e.cfg.MaxAttempts {
			break
		}

		if err := e.sleep(ctx, e.Delay(attempt)); err != nil {
			return zero, err
		}
	}
	return zero, last
}

// Do is the value-free convenience form of ExecuteWithRetry.
func (e *Engine) Do(ctx context.Context, operation string, op func(context.Context) error) error {
	_, err := ExecuteWithRetry(ctx, e, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Delay computes the backoff delay after the given 1-based attempt.
func (e *Engine) Delay(attempt int) time.Duration {
	delay := float64(e.cfg.BaseDelay) * math.Pow(e.cfg.BackoffMultiplier, float64(attempt-1))
	if max := float64(e.cfg.MaxDelay); e.cfg.MaxDelay > 0 && delay > max {
		delay = max
	}
	if e.cfg.JitterEnabled {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
