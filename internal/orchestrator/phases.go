package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stokehq/stoke/internal/loadspec"
	"github.com/stokehq/stoke/internal/results"
)

// Phase names, in execution order.
const (
	PhaseValidation  = "validation"
	PhasePreparation = "preparation"
	PhaseGeneration  = "generation"
	PhaseExecuting   = "executing"
	PhaseProcessing  = "processing"
)

// phase is one immutable step of the fixed workflow sequence.
type phase struct {
	name   string
	weight float64

	// run performs the phase and returns its result. It must not touch the
	// run's phaseData: a timed-out invocation keeps executing in its own
	// goroutine, and only the winning result may reach shared state.
	run func(ctx context.Context) (interface{}, error)

	// fallback is the phase's substitute implementation, when one exists
	fallback func(ctx context.Context) (interface{}, error)

	// commit records the winning result into the run's phaseData. Called
	// only from the phase loop, never from a phase goroutine, so an
	// abandoned invocation's late result is discarded unseen.
	commit func(value interface{})

	recovery *RecoveryStrategy
}

// executingBackoff is the wait between executing-phase retry attempts.
var executingBackoff = 5 * time.Second

// Phase weights. They sum to 100; each phase's boundary progress is the
// running total, so the executing phase spans 35 to 85.
var phaseWeights = map[string]float64{
	PhaseValidation:  10,
	PhasePreparation: 10,
	PhaseGeneration:  15,
	PhaseExecuting:   50,
	PhaseProcessing:  15,
}

// progressAtStart returns cumulative progress at a phase's entry.
func progressAtStart(name string) float64 {
	total := 0.0
	for _, n := range []string{PhaseValidation, PhasePreparation, PhaseGeneration, PhaseExecuting, PhaseProcessing} {
		if n == name {
			return total
		}
		total += phaseWeights[n]
	}
	return total
}

// mapExecutingProgress maps the delegate's 0-100 progress into the
// executing phase's overall band.
func mapExecutingProgress(p float64) float64 {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	start := progressAtStart(PhaseExecuting)
	return start + p/100*phaseWeights[PhaseExecuting]
}

// phaseData is the typed result bag for one run: one field per phase.
type phaseData struct {
	validation *loadspec.ValidationResult
	workflow   *WorkflowState
	script     *loadspec.Script
	raw        *loadspec.RawResults
	summary    *results.Summary
}

// buildPhases assembles the fixed phase sequence for one execution.
func (o *Orchestrator) buildPhases(exec *TestExecution, data *phaseData) []*phase {
	spec := exec.Spec

	validation := &phase{
		name:   PhaseValidation,
		weight: phaseWeights[PhaseValidation],
		run: func(ctx context.Context) (interface{}, error) {
			vr, err := o.deps.Validator.ValidateSpec(ctx, spec)
			if err != nil {
				return nil, err
			}
			if !vr.IsValid {
				return vr, fmt.Errorf("spec validation failed: %s", strings.Join(vr.Errors, "; "))
			}
			return vr, nil
		},
		fallback: func(ctx context.Context) (interface{}, error) {
			vr, err := loadspec.MinimalValidator{}.ValidateSpec(ctx, spec)
			if err != nil {
				return nil, err
			}
			if !vr.IsValid {
				return vr, fmt.Errorf("minimal validation failed: %s", strings.Join(vr.Errors, "; "))
			}
			return vr, nil
		},
		commit: func(value interface{}) {
			if vr, ok := value.(*loadspec.ValidationResult); ok {
				data.validation = vr
			}
		},
		recovery: &RecoveryStrategy{Type: RecoveryFallback, MaxAttempts: 1},
	}

	preparation := &phase{
		name:   PhasePreparation,
		weight: phaseWeights[PhasePreparation],
		run: func(ctx context.Context) (interface{}, error) {
			if !spec.MultiStep() {
				return nil, nil
			}
			ws := &WorkflowState{
				Correlations: map[string]string{"baseUrl": spec.Target.BaseURL},
			}
			for _, step := range spec.Steps {
				ws.Steps = append(ws.Steps, StepRecord{Name: step.Name, Status: "pending"})
			}
			return ws, nil
		},
		commit: func(value interface{}) {
			if ws, ok := value.(*WorkflowState); ok {
				data.workflow = ws
				o.mu.Lock()
				exec.Workflow = ws
				o.mu.Unlock()
			}
		},
		recovery: &RecoveryStrategy{Type: RecoverySkip, MaxAttempts: 1},
	}

	generation := &phase{
		name:   PhaseGeneration,
		weight: phaseWeights[PhaseGeneration],
		run: func(ctx context.Context) (interface{}, error) {
			script, err := o.deps.Generator.GenerateScript(ctx, spec)
			if err != nil {
				return nil, err
			}
			vr, err := o.deps.Generator.ValidateScript(ctx, script)
			if err != nil {
				return nil, err
			}
			if !vr.IsValid {
				return vr, fmt.Errorf("generated script is invalid: %s", strings.Join(vr.Errors, "; "))
			}
			return script, nil
		},
		fallback: func(ctx context.Context) (interface{}, error) {
			return loadspec.BaselineScript(spec), nil
		},
		commit: func(value interface{}) {
			if script, ok := value.(*loadspec.Script); ok {
				data.script = script
			}
		},
		recovery: &RecoveryStrategy{
			Type:        RecoveryFallback,
			MaxAttempts: 1,
			// A cancelled run must not fall back to a baseline script.
			Allow: func(err error, _ interface{}) bool {
				return ctxCause(err) == nil
			},
		},
	}

	executing := &phase{
		name:   PhaseExecuting,
		weight: phaseWeights[PhaseExecuting],
		run: func(ctx context.Context) (interface{}, error) {
			return o.runExecuting(ctx, exec, data.script)
		},
		commit: func(value interface{}) {
			if raw, ok := value.(*loadspec.RawResults); ok {
				data.raw = raw
			}
		},
		recovery: &RecoveryStrategy{
			Type:        RecoveryRetry,
			MaxAttempts: o.cfg.MaxWorkflowRetries,
			Backoff:     executingBackoff,
			Allow: func(err error, _ interface{}) bool {
				return ctxCause(err) == nil
			},
		},
	}

	processing := &phase{
		name:   PhaseProcessing,
		weight: phaseWeights[PhaseProcessing],
		run: func(ctx context.Context) (interface{}, error) {
			return results.Summarize(data.raw)
		},
		commit: func(value interface{}) {
			summary, ok := value.(*results.Summary)
			if !ok {
				return
			}
			if data.workflow != nil {
				o.foldWorkflowResults(exec, data, summary)
			}
			data.summary = summary
		},
		recovery: &RecoveryStrategy{Type: RecoverySkip, MaxAttempts: 1},
	}

	return []*phase{validation, preparation, generation, executing, processing}
}

// foldWorkflowResults marks workflow steps against the summary's per-step
// stats and threads extracted correlation values into the state.
func (o *Orchestrator) foldWorkflowResults(exec *TestExecution, data *phaseData, summary *results.Summary) {
	extracted := results.ExtractCorrelations(data.raw, exec.Spec)

	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range data.workflow.Steps {
		name := data.workflow.Steps[i].Name
		if ss, ok := summary.Steps[name]; ok && ss.Count > 0 {
			if ss.Failed == ss.Count {
				data.workflow.Steps[i].Status = "failed"
			} else {
				data.workflow.Steps[i].Status = "completed"
			}
		} else {
			data.workflow.Steps[i].Status = "not-executed"
		}
	}
	for k, v := range extracted {
		data.workflow.Correlations[k] = v
	}
	summary.Extracted = extracted
}

// ctxCause returns the context error hiding inside err, if any.
func ctxCause(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	default:
		return nil
	}
}
