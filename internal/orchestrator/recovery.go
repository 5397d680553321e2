package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// RecoveryType selects how a failed phase is recovered.
type RecoveryType string

const (
	// RecoveryRetry re-invokes the phase after a backoff wait
	RecoveryRetry RecoveryType = "retry"

	// RecoverySkip treats the failure as success with empty data
	RecoverySkip RecoveryType = "skip"

	// RecoveryFallback runs the phase's substitute implementation
	RecoveryFallback RecoveryType = "fallback"

	// RecoveryAbort propagates the failure
	RecoveryAbort RecoveryType = "abort"
)

// RecoveryStrategy is a phase's recovery policy.
type RecoveryStrategy struct {
	Type RecoveryType

	// MaxAttempts bounds how many times this strategy may fire for one
	// phase in one run
	MaxAttempts int

	// Backoff is the wait before a retry re-invocation
	Backoff time.Duration

	// Allow, when set, vetoes recovery by returning false. It sees the
	// failure and the phase's prior result.
	Allow func(err error, priorResult interface{}) bool
}

// runPhaseWithRecovery runs one phase, applying its recovery strategy on
// failure until the phase succeeds, recovery is exhausted, or the strategy
// says stop.
func (o *Orchestrator) runPhaseWithRecovery(ctx context.Context, exec *TestExecution, ph *phase) (interface{}, error) {
	var prior interface{}
	attempts := 0

	for {
		result, err := o.runPhase(ctx, ph)
		if err == nil {
			return result, nil
		}
		prior = result

		strategy := ph.recovery
		if strategy == nil || !o.cfg.EnableWorkflowRecovery {
			return nil, err
		}
		if attempts >= strategy.MaxAttempts {
			return nil, fmt.Errorf("recovery exhausted after %d attempts: %w", attempts, err)
		}
		if strategy.Allow != nil && !strategy.Allow(err, prior) {
			return nil, err
		}
		attempts++

		switch strategy.Type {
		case RecoveryRetry:
			o.recordRetry(exec)
			if werr := o.wait(ctx, strategy.Backoff); werr != nil {
				return nil, werr
			}
			// Loop re-invokes the phase.

		case RecoverySkip:
			o.logExecution(exec, fmt.Sprintf("phase %s skipped after failure: %v", ph.name, err))
			return nil, nil

		case RecoveryFallback:
			if ph.fallback == nil {
				return nil, fmt.Errorf("no fallback defined for phase %s: %w", ph.name, err)
			}
			result, ferr := o.runFallback(ctx, ph)
			if ferr != nil {
				return nil, fmt.Errorf("fallback for phase %s failed: %w", ph.name, ferr)
			}
			o.logExecution(exec, fmt.Sprintf("fallback used for phase %s after: %v", ph.name, err))
			return result, nil

		case RecoveryAbort:
			return nil, err

		default:
			return nil, err
		}
	}
}

// runPhase executes a phase's operation under the step timeout. Timeout is
// indistinguishable from failure to the caller, and both the timeout and a
// late resolution are tolerated: each invocation delivers its result over
// its own buffered channel, so an abandoned goroutine neither leaks nor
// reaches shared state when it eventually resolves.
func (o *Orchestrator) runPhase(ctx context.Context, ph *phase) (interface{}, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := ph.run(phaseCtx)
		done <- outcome{value, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return out.value, fmt.Errorf("phase %s failed: %w", ph.name, out.err)
		}
		return out.value, nil
	case <-phaseCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("phase %s timed out after %s", ph.name, o.cfg.StepTimeout)
	}
}

// runFallback executes a phase's substitute under the same step timeout.
func (o *Orchestrator) runFallback(ctx context.Context, ph *phase) (interface{}, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	return ph.fallback(phaseCtx)
}

func (o *Orchestrator) recordRetry(exec *TestExecution) {
	o.mu.Lock()
	exec.RetryCount++
	o.mu.Unlock()
}

func (o *Orchestrator) logExecution(exec *TestExecution, entry string) {
	o.mu.Lock()
	exec.Errors = append(exec.Errors, entry)
	o.mu.Unlock()
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
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
